package integration

import (
	"flag"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/rdss-dataverse-ingest/events"
	"github.com/JiscSD/rdss-dataverse-ingest/integration/dvmock"
	"github.com/JiscSD/rdss-dataverse-ingest/integration/runner"
	"github.com/JiscSD/rdss-dataverse-ingest/internal/testutil"
)

var flagDebug = flag.Bool("debug", false, "")

const datasetDoc = `{
  "datasetVersion": {
    "license": {"name": "CC0 1.0", "uri": "http://creativecommons.org/publicdomain/zero/1.0"},
    "metadataBlocks": {
      "citation": {"fields": [{"typeName": "title", "typeClass": "primitive", "multiple": false, "value": "Integration"}]}
    }
  }
}`

type workspace struct {
	fs     afero.Fs
	inbox  string
	outbox string
	events string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	return &workspace{
		fs:     afero.NewOsFs(),
		inbox:  filepath.Join(dir, "inbox"),
		outbox: filepath.Join(dir, "outbox"),
		events: filepath.Join(dir, "events.log"),
	}
}

func (w *workspace) env(dv *dvmock.Server) []string {
	level := "INFO"
	if *flagDebug {
		level = "DEBUG"
	}
	return []string{
		fmt.Sprintf("RDSS_DATAVERSE_INGEST_LOGGING_LEVEL=%s", level),
		fmt.Sprintf("RDSS_DATAVERSE_INGEST_INGEST_INBOX=%s", w.inbox),
		fmt.Sprintf("RDSS_DATAVERSE_INGEST_INGEST_OUTBOX=%s", w.outbox),
		fmt.Sprintf("RDSS_DATAVERSE_INGEST_EVENTS_FILE=%s", w.events),
		fmt.Sprintf("RDSS_DATAVERSE_INGEST_DATAVERSE_URL=%s", dv.URL),
		"RDSS_DATAVERSE_INGEST_PUBLISH_POLL_INTERVAL=10ms",
	}
}

func skip(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if !runner.Available() {
		t.Skip("rdss-dataverse-ingest not found in PATH")
	}
}

// TestImportPublishes confirms that a first submission ends up released
// and the deposit is moved to the processed directory.
func TestImportPublishes(t *testing.T) {
	skip(t)

	dv := dvmock.New(t)
	defer dv.Stop()

	w := newWorkspace(t)
	const id = "9e0e8a1c-3f3b-4cde-9cf2-13a1a6b0bbb1"
	testutil.WriteDeposit(t, w.fs, w.inbox, testutil.DepositFixture{
		ID:         id,
		Created:    time.Now().Add(-time.Hour),
		Files:      map[string]string{"a.txt": "a", "b/c.txt": "c"},
		DatasetDoc: datasetDoc,
	})

	runner.Import().WithEnv(w.env(dv)).RunOrFail(t)

	dv.AssertAPIUsed()
	released := dv.Released()
	require.Len(t, released, 1)
	assert.Equal(t, 2, dv.Files(released[0]))

	ok, err := afero.DirExists(w.fs, filepath.Join(w.outbox, "processed", id))
	require.NoError(t, err)
	assert.True(t, ok)

	recorded, err := events.ReadFile(w.fs, w.events)
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, events.ResultOK, recorded[1].Result)
}

// TestImportRejects confirms that a deposit without a dataset description
// never reaches Dataverse.
func TestImportRejects(t *testing.T) {
	skip(t)

	dv := dvmock.New(t)
	defer dv.Stop()

	w := newWorkspace(t)
	const id = "2c1f4c8e-7b5d-4a7e-8f41-0d0c5c3a7e11"
	testutil.WriteDeposit(t, w.fs, w.inbox, testutil.DepositFixture{
		ID:      id,
		Created: time.Now().Add(-time.Hour),
		Files:   map[string]string{"a.txt": "a"},
	})

	runner.Import().WithEnv(w.env(dv)).RunOrFail(t)

	dv.AssertAPINotUsed()
	ok, err := afero.DirExists(w.fs, filepath.Join(w.outbox, "rejected", id))
	require.NoError(t, err)
	assert.True(t, ok)
}
