package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/JiscSD/rdss-dataverse-ingest/dataverse"
	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
	"github.com/JiscSD/rdss-dataverse-ingest/events"
	"github.com/JiscSD/rdss-dataverse-ingest/mapping"
	"github.com/JiscSD/rdss-dataverse-ingest/validator"
)

// DepositStore reads deposits and moves them between inbox and outbox.
type DepositStore interface {
	ReadDeposit(dir string) (*deposit.Deposit, error)
	Created(dir string) (time.Time, error)
	SaveManifest(d *deposit.Deposit) error
	MoveDeposit(dir, outbox string) (string, error)
	ListDeposits(inbox string) ([]string, error)
}

// BagValidator checks a bag against a deposit profile.
type BagValidator interface {
	Validate(ctx context.Context, bagDir, profile string) (*validator.Result, error)
}

// MetadataMapper produces the dataset description of a deposit.
type MetadataMapper interface {
	Map(ctx context.Context, d *deposit.Deposit) (*mapping.Description, error)
}

// DatasetGateway is the remote dataset-publishing system.
type DatasetGateway interface {
	CreateDataset(ctx context.Context, dataset json.RawMessage) (string, error)
	ImportDataset(ctx context.Context, pid string, dataset json.RawMessage) (string, error)
	UpdateMetadata(ctx context.Context, pid string, dataset json.RawMessage) error
	ListFiles(ctx context.Context, pid, version string) ([]dataverse.FileMetadata, error)
	AddFile(ctx context.Context, pid string, f deposit.FileEntry) (int64, error)
	ReplaceFile(ctx context.Context, fileID int64, f deposit.FileEntry) (int64, error)
	DeleteFile(ctx context.Context, fileID int64) error
	UpdateFileMetadata(ctx context.Context, fileID int64, meta deposit.FileMeta) error
	SetEmbargo(ctx context.Context, pid, dateAvailable string, fileIDs []int64) error
	Publish(ctx context.Context, pid string) error
	ReleaseMigrated(ctx context.Context, pid string, date time.Time) error
	Locks(ctx context.Context, pid string) ([]string, error)
	VersionState(ctx context.Context, pid string) (string, error)
	Search(ctx context.Context, query string) (*dataverse.SearchResult, error)
	DeleteDraft(ctx context.Context, pid string) error
}

// EventSink records deposit lifecycle events.
type EventSink interface {
	Write(ctx context.Context, e events.Event) error
}

var (
	_ DepositStore   = (*deposit.Store)(nil)
	_ BagValidator   = (*validator.Client)(nil)
	_ BagValidator   = (*validator.NoOpValidatorImpl)(nil)
	_ MetadataMapper = (*mapping.Mapper)(nil)
	_ DatasetGateway = (*dataverse.Client)(nil)
	_ EventSink      = (events.Sink)(nil)
)
