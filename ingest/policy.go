package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JiscSD/rdss-dataverse-ingest/dataverse"
	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
	"github.com/JiscSD/rdss-dataverse-ingest/mapping"
	"github.com/JiscSD/rdss-dataverse-ingest/validator"
)

// Modes selecting the flow policy.
const (
	ModeSubmission = "submission"
	ModeMigration  = "migration"
)

// DepositFlowPolicy holds what differs between first-time submissions,
// updates and migrated deposits. The task runs the same skeleton for all
// of them.
type DepositFlowPolicy interface {
	Name() string

	// Profile is the bag validation profile.
	Profile() string

	// Target is the key serializing tasks that change the same dataset.
	Target(d *deposit.Deposit) string

	// CheckType rejects deposits that cannot go through this flow.
	CheckType(d *deposit.Deposit) error

	// ResolveExisting finds the dataset an update applies to.
	ResolveExisting(ctx context.Context, gw DatasetGateway, d *deposit.Deposit) (string, error)

	// LatestFiles lists the files the deposit is reconciled against.
	LatestFiles(ctx context.Context, gw DatasetGateway, pid string) ([]dataverse.FileMetadata, error)

	CreateDataset(ctx context.Context, gw DatasetGateway, d *deposit.Deposit, desc *mapping.Description) (string, error)

	// EmbargoDate is the date until which new files stay restricted.
	EmbargoDate(d *deposit.Deposit, desc *mapping.Description) time.Time

	// ReleaseDate is the publication date of the new version.
	ReleaseDate(d *deposit.Deposit, now time.Time) time.Time

	Release(ctx context.Context, gw DatasetGateway, pid string, date time.Time) error

	// PostPublish binds the identifiers of the published dataset to d.
	PostPublish(ctx context.Context, gw DatasetGateway, d *deposit.Deposit, pid string) error
}

// NewPolicy returns the policy for mode.
func NewPolicy(mode string, retry RetryPolicy, nbnPrefix string) (DepositFlowPolicy, error) {
	switch mode {
	case ModeSubmission:
		return &SubmissionPolicy{Retry: retry, NBNPrefix: nbnPrefix}, nil
	case ModeMigration:
		return &MigrationPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", mode)
}

// resolveBySearch expects exactly one dataset to match query.
func resolveBySearch(ctx context.Context, gw DatasetGateway, query string) (string, error) {
	res, err := gw.Search(ctx, query)
	if err != nil {
		return "", deposit.FailedWithError(err, "cannot search for %s", query)
	}
	if res.TotalCount != 1 || len(res.PIDs) != 1 {
		return "", deposit.Failed("expected exactly one dataset matching %s, found %d", query, res.TotalCount)
	}
	return res.PIDs[0], nil
}

// SubmissionPolicy handles deposits made through the deposit service:
// new datasets and new versions of datasets created that way.
type SubmissionPolicy struct {
	Retry     RetryPolicy
	NBNPrefix string
}

var _ DepositFlowPolicy = (*SubmissionPolicy)(nil)

func (p *SubmissionPolicy) Name() string    { return ModeSubmission }
func (p *SubmissionPolicy) Profile() string { return validator.ProfileSubmission }

// Target is the uuid of the first deposit of the dataset, shared by all of
// its versions.
func (p *SubmissionPolicy) Target(d *deposit.Deposit) string {
	if d.Update {
		return d.VersionOfUUID()
	}
	return d.ID.String()
}

func (p *SubmissionPolicy) CheckType(d *deposit.Deposit) error {
	if d.DeclaresDOI() {
		return deposit.Rejected("deposit declares DOI %s, only migrated deposits may do so", d.DOI)
	}
	if d.Update {
		if _, err := uuid.Parse(d.VersionOfUUID()); err != nil || !strings.HasPrefix(d.IsVersionOf, "urn:uuid:") {
			return deposit.Rejected("Is-Version-Of %q is not a urn:uuid", d.IsVersionOf)
		}
	}
	return nil
}

func (p *SubmissionPolicy) ResolveExisting(ctx context.Context, gw DatasetGateway, d *deposit.Deposit) (string, error) {
	return resolveBySearch(ctx, gw, fmt.Sprintf(`dansSwordToken:"%s"`, mapping.SwordToken(d)))
}

func (p *SubmissionPolicy) LatestFiles(ctx context.Context, gw DatasetGateway, pid string) ([]dataverse.FileMetadata, error) {
	return gw.ListFiles(ctx, pid, dataverse.VersionLatest)
}

func (p *SubmissionPolicy) CreateDataset(ctx context.Context, gw DatasetGateway, d *deposit.Deposit, desc *mapping.Description) (string, error) {
	return gw.CreateDataset(ctx, desc.Dataset)
}

func (p *SubmissionPolicy) EmbargoDate(d *deposit.Deposit, desc *mapping.Description) time.Time {
	return desc.DateAvailable
}

func (p *SubmissionPolicy) ReleaseDate(d *deposit.Deposit, now time.Time) time.Time {
	return now
}

// Release publishes a major version and waits for the publication to
// finish.
func (p *SubmissionPolicy) Release(ctx context.Context, gw DatasetGateway, pid string, date time.Time) error {
	if err := AwaitUnlocked(ctx, gw, pid, p.Retry); err != nil {
		return err
	}
	if err := gw.Publish(ctx, pid); err != nil {
		return err
	}
	return AwaitUnlocked(ctx, gw, pid, p.Retry)
}

func (p *SubmissionPolicy) PostPublish(ctx context.Context, gw DatasetGateway, d *deposit.Deposit, pid string) error {
	if !d.Update {
		if err := AwaitReleased(ctx, gw, pid, p.Retry); err != nil {
			return err
		}
	}
	d.DOI = strings.TrimPrefix(pid, "doi:")
	if d.NBN != "" {
		d.URN = d.NBN
	} else if p.NBNPrefix != "" {
		d.URN = p.NBNPrefix + p.Target(d)
	}
	return nil
}

// MigrationPolicy handles datasets moved from a previous repository. They
// keep their DOI and publication history.
type MigrationPolicy struct{}

var _ DepositFlowPolicy = (*MigrationPolicy)(nil)

func (p *MigrationPolicy) Name() string    { return ModeMigration }
func (p *MigrationPolicy) Profile() string { return validator.ProfileMigration }

func (p *MigrationPolicy) Target(d *deposit.Deposit) string {
	return doiPID(d.DOI)
}

func (p *MigrationPolicy) CheckType(d *deposit.Deposit) error {
	required := []struct{ key, value string }{
		{deposit.KeyDOI, d.DOI},
		{deposit.KeyDataverseBagID, d.BagID},
		{deposit.KeyNBN, d.NBN},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return deposit.Rejected("migrated deposit has no %s", r.key)
		}
	}
	return nil
}

func (p *MigrationPolicy) ResolveExisting(ctx context.Context, gw DatasetGateway, d *deposit.Deposit) (string, error) {
	return resolveBySearch(ctx, gw, fmt.Sprintf(`dansBagId:"urn:uuid:%s"`, d.VersionOfUUID()))
}

func (p *MigrationPolicy) LatestFiles(ctx context.Context, gw DatasetGateway, pid string) ([]dataverse.FileMetadata, error) {
	return gw.ListFiles(ctx, pid, dataverse.VersionLatestPublished)
}

func (p *MigrationPolicy) CreateDataset(ctx context.Context, gw DatasetGateway, d *deposit.Deposit, desc *mapping.Description) (string, error) {
	return gw.ImportDataset(ctx, doiPID(d.DOI), desc.Dataset)
}

func (p *MigrationPolicy) EmbargoDate(d *deposit.Deposit, desc *mapping.Description) time.Time {
	return desc.DateAvailable
}

// ReleaseDate is the first transition to PUBLISHED recorded in the
// administrative metadata, or the most recent transition when the deposit
// never reached that state.
func (p *MigrationPolicy) ReleaseDate(d *deposit.Deposit, now time.Time) time.Time {
	var published, latest time.Time
	for _, c := range d.StateChanges {
		if c.To == string(deposit.StatePublished) && (published.IsZero() || c.Date.Before(published)) {
			published = c.Date
		}
		if c.Date.After(latest) {
			latest = c.Date
		}
	}
	switch {
	case !published.IsZero():
		return published
	case !latest.IsZero():
		return latest
	}
	return now
}

func (p *MigrationPolicy) Release(ctx context.Context, gw DatasetGateway, pid string, date time.Time) error {
	return gw.ReleaseMigrated(ctx, pid, date)
}

func (p *MigrationPolicy) PostPublish(ctx context.Context, gw DatasetGateway, d *deposit.Deposit, pid string) error {
	return nil
}

// doiPID prefixes a bare DOI with the doi: scheme.
func doiPID(doi string) string {
	doi = strings.TrimSpace(doi)
	if doi == "" || strings.HasPrefix(doi, "doi:") {
		return doi
	}
	return "doi:" + doi
}
