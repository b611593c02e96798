package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"

	"github.com/JiscSD/rdss-dataverse-ingest/blocking"
	"github.com/JiscSD/rdss-dataverse-ingest/dataverse"
	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
	"github.com/JiscSD/rdss-dataverse-ingest/events"
	"github.com/JiscSD/rdss-dataverse-ingest/internal/testutil"
	"github.com/JiscSD/rdss-dataverse-ingest/mapping"
	"github.com/JiscSD/rdss-dataverse-ingest/validator"
)

var (
	t0        = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	fastRetry = RetryPolicy{Interval: time.Millisecond, MaxAttempts: 5}
)

// fakeGateway records the calls it receives, in order.
type fakeGateway struct {
	mu     sync.Mutex
	calls  []string
	nextID int64

	pid    string
	search *dataverse.SearchResult
	files  []dataverse.FileMetadata

	// locked is the number of Locks calls reporting a lock.
	locked int
	state  string
	errs   map[string]error

	// before runs at the start of every call.
	before func(method string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nextID: 100,
		pid:    "doi:10.5072/FK2/NEW",
		state:  dataverse.VersionStateReleased,
		errs:   map[string]error{},
	}
}

func (g *fakeGateway) record(method, format string, args ...interface{}) error {
	if g.before != nil {
		g.before(method)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, method+" "+fmt.Sprintf(format, args...))
	return g.errs[method]
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) id() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	return g.nextID
}

func (g *fakeGateway) CreateDataset(ctx context.Context, dataset json.RawMessage) (string, error) {
	return g.pid, g.record("CreateDataset", "")
}

func (g *fakeGateway) ImportDataset(ctx context.Context, pid string, dataset json.RawMessage) (string, error) {
	return pid, g.record("ImportDataset", "%s", pid)
}

func (g *fakeGateway) UpdateMetadata(ctx context.Context, pid string, dataset json.RawMessage) error {
	return g.record("UpdateMetadata", "%s", pid)
}

func (g *fakeGateway) ListFiles(ctx context.Context, pid, version string) ([]dataverse.FileMetadata, error) {
	return g.files, g.record("ListFiles", "%s %s", pid, version)
}

func (g *fakeGateway) AddFile(ctx context.Context, pid string, f deposit.FileEntry) (int64, error) {
	if err := g.record("AddFile", "%s", f.Path); err != nil {
		return 0, err
	}
	return g.id(), nil
}

func (g *fakeGateway) ReplaceFile(ctx context.Context, fileID int64, f deposit.FileEntry) (int64, error) {
	if err := g.record("ReplaceFile", "%d %s", fileID, f.Path); err != nil {
		return 0, err
	}
	return g.id(), nil
}

func (g *fakeGateway) DeleteFile(ctx context.Context, fileID int64) error {
	return g.record("DeleteFile", "%d", fileID)
}

func (g *fakeGateway) UpdateFileMetadata(ctx context.Context, fileID int64, meta deposit.FileMeta) error {
	return g.record("UpdateFileMetadata", "%d %s restricted=%t", fileID, deposit.LogicalPath(meta.DirectoryLabel, meta.Label), meta.Restricted)
}

func (g *fakeGateway) SetEmbargo(ctx context.Context, pid, dateAvailable string, fileIDs []int64) error {
	return g.record("SetEmbargo", "%s %s %v", pid, dateAvailable, fileIDs)
}

func (g *fakeGateway) Publish(ctx context.Context, pid string) error {
	return g.record("Publish", "%s", pid)
}

func (g *fakeGateway) ReleaseMigrated(ctx context.Context, pid string, date time.Time) error {
	return g.record("ReleaseMigrated", "%s %s", pid, date.Format("2006-01-02"))
}

func (g *fakeGateway) Locks(ctx context.Context, pid string) ([]string, error) {
	if g.before != nil {
		g.before("Locks")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked > 0 {
		g.locked--
		return []string{"Ingest"}, g.errs["Locks"]
	}
	return nil, g.errs["Locks"]
}

func (g *fakeGateway) VersionState(ctx context.Context, pid string) (string, error) {
	return g.state, g.errs["VersionState"]
}

func (g *fakeGateway) Search(ctx context.Context, query string) (*dataverse.SearchResult, error) {
	if err := g.record("Search", "%s", query); err != nil {
		return nil, err
	}
	if g.search == nil {
		return &dataverse.SearchResult{}, nil
	}
	return g.search, nil
}

func (g *fakeGateway) DeleteDraft(ctx context.Context, pid string) error {
	return g.record("DeleteDraft", "%s", pid)
}

var _ DatasetGateway = (*fakeGateway)(nil)

// filterCalls keeps the calls of the given methods.
func filterCalls(calls []string, methods ...string) []string {
	var kept []string
	for _, c := range calls {
		for _, m := range methods {
			if len(c) > len(m) && c[:len(m)+1] == m+" " {
				kept = append(kept, c)
			}
		}
	}
	return kept
}

type fakeValidator struct {
	res *validator.Result
	err error
}

func (v *fakeValidator) Validate(ctx context.Context, bagDir, profile string) (*validator.Result, error) {
	if v.err != nil {
		return nil, v.err
	}
	if v.res == nil {
		return &validator.Result{Compliant: true}, nil
	}
	return v.res, nil
}

type fakeMapper struct {
	desc  *mapping.Description
	err   error
	panic bool
}

func (m *fakeMapper) Map(ctx context.Context, d *deposit.Deposit) (*mapping.Description, error) {
	if m.panic {
		panic("mapper exploded")
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.desc == nil {
		return &mapping.Description{Dataset: json.RawMessage(`{"datasetVersion":{}}`)}, nil
	}
	return m.desc, nil
}

// env wires an Ingester to fakes over a temporary filesystem.
type env struct {
	fs        afero.Fs
	store     *deposit.Store
	gateway   *fakeGateway
	validator *fakeValidator
	mapper    *fakeMapper
	sink      *events.MemorySink
	registry  *blocking.MemoryRegistry
	metrics   *Metrics
	ing       *Ingester
}

func newEnv(t *testing.T, policy DepositFlowPolicy) *env {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	e := &env{
		fs:        testutil.TempFs(t),
		gateway:   newFakeGateway(),
		validator: &fakeValidator{},
		mapper:    &fakeMapper{},
		sink:      events.NewMemorySink(),
		registry:  blocking.NewMemoryRegistry(),
		metrics:   NewMetrics(nil),
	}
	if err := e.fs.MkdirAll("/inbox", 0755); err != nil {
		t.Fatal(err)
	}
	e.store = deposit.NewStore(e.fs)
	e.ing = NewIngester(logger, e.store, e.validator, e.mapper, e.gateway, e.sink, policy, e.metrics, Config{
		Outbox: "/outbox",
		Retry:  fastRetry,
	})
	e.ing.now = func() time.Time { return t0 }
	return e
}

func (e *env) write(t *testing.T, f testutil.DepositFixture) string {
	t.Helper()
	return testutil.WriteDeposit(t, e.fs, "/inbox", f)
}

func (e *env) exists(path string) bool {
	ok, _ := afero.Exists(e.fs, path)
	return ok
}

func remoteFile(id int64, dir, label, content string, restricted bool) dataverse.FileMetadata {
	fm := dataverse.FileMetadata{Label: label, DirectoryLabel: dir, Restricted: restricted}
	fm.DataFile.ID = id
	fm.DataFile.Checksum.Type = "SHA-1"
	fm.DataFile.Checksum.Value = testutil.SHA1(content)
	return fm
}
