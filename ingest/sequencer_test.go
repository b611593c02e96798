package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JiscSD/rdss-dataverse-ingest/blocking"
	"github.com/JiscSD/rdss-dataverse-ingest/dataverse"
	"github.com/JiscSD/rdss-dataverse-ingest/events"
	fixtures "github.com/JiscSD/rdss-dataverse-ingest/internal/testutil"
)

const (
	update1ID = "1b1e5a7c-0000-4000-8000-000000000001"
	update2ID = "1b1e5a7c-0000-4000-8000-000000000002"
	otherID   = "1b1e5a7c-0000-4000-8000-000000000003"
)

func newSequencer(t *testing.T, e *env, workers int) (*Sequencer, func()) {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	s := NewSequencer(logger, e.ing, e.registry, workers, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return s, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("sequencer did not stop")
		}
	}
}

func drain(t *testing.T, s *Sequencer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
}

func writeUpdates(t *testing.T, e *env) (string, string) {
	e.gateway.search = &dataverse.SearchResult{TotalCount: 1, PIDs: []string{"doi:10.5072/FK2/OLD"}}
	first := e.write(t, fixtures.DepositFixture{
		ID:      update1ID,
		Created: t0.Add(-2 * time.Hour),
		BagInfo: map[string]string{"Is-Version-Of": "urn:uuid:" + originalID},
		Files:   map[string]string{"a.txt": "v1"},
	})
	second := e.write(t, fixtures.DepositFixture{
		ID:      update2ID,
		Created: t0.Add(-time.Hour),
		BagInfo: map[string]string{"Is-Version-Of": "urn:uuid:" + originalID},
		Files:   map[string]string{"a.txt": "v2"},
	})
	return first, second
}

// eventIndex returns the position of the first event of a deposit with the
// given type.
func eventIndex(evs []events.Event, depositID string, typ events.Type) int {
	for i, e := range evs {
		if e.DepositID == depositID && e.Type == typ {
			return i
		}
	}
	return -1
}

func TestSequencer_SerializesTarget(t *testing.T) {
	e := newEnv(t, submission())
	first, second := writeUpdates(t, e)
	other := e.write(t, fixtures.DepositFixture{
		ID:      otherID,
		Created: t0.Add(-3 * time.Hour),
		Files:   map[string]string{"b.txt": "b"},
	})

	s, stop := newSequencer(t, e, 4)
	defer stop()
	// Submitted newest first, processed oldest first.
	assert.True(t, s.Submit(second))
	assert.True(t, s.Submit(first))
	assert.True(t, s.Submit(other))
	assert.False(t, s.Submit(first))
	drain(t, s)

	evs := e.sink.Events()
	require.Len(t, evs, 6)
	end1 := eventIndex(evs, update1ID, events.EndProcessing)
	start2 := eventIndex(evs, update2ID, events.StartProcessing)
	require.NotEqual(t, -1, end1)
	require.NotEqual(t, -1, start2)
	assert.True(t, end1 < start2, "tasks of the same target overlapped")
	for _, ev := range evs {
		if ev.Type == events.EndProcessing {
			assert.Equal(t, events.ResultOK, ev.Result, ev.Message)
		}
	}
	assert.True(t, e.exists("/outbox/processed/"+update1ID))
	assert.True(t, e.exists("/outbox/processed/"+update2ID))
	assert.True(t, e.exists("/outbox/processed/"+otherID))
}

func TestSequencer_FailureBlocksTarget(t *testing.T) {
	e := newEnv(t, submission())
	first, second := writeUpdates(t, e)
	e.gateway.errs["Publish"] = errors.New("dataverse: 500 Internal Server Error: boom")

	s, stop := newSequencer(t, e, 2)
	defer stop()
	s.Submit(first)
	s.Submit(second)
	drain(t, s)

	assert.True(t, e.exists("/outbox/failed/"+update1ID))
	assert.True(t, e.exists(second), "deposit of a blocked target must stay in the inbox")
	assert.Equal(t, []string{second}, s.Parked(originalID))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.Skipped))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.BlockedTargets))

	entries, err := s.Blocked(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, originalID, entries[0].Target)
	assert.Equal(t, "cannot publish doi:10.5072/FK2/OLD: dataverse: 500 Internal Server Error: boom", entries[0].Reason)

	// A resubmission while blocked is ignored.
	assert.False(t, s.Submit(second))

	delete(e.gateway.errs, "Publish")
	require.NoError(t, s.Unblock(context.Background(), originalID))
	drain(t, s)

	assert.True(t, e.exists("/outbox/processed/"+update2ID))
	assert.Empty(t, s.Parked(originalID))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.BlockedTargets))

	var notFound *blocking.TargetNotFoundError
	assert.True(t, errors.As(s.Unblock(context.Background(), originalID), &notFound))
}

func TestSequencer_BlockedByOperator(t *testing.T) {
	e := newEnv(t, submission())
	dir := e.write(t, fixtures.DepositFixture{
		ID:    otherID,
		Files: map[string]string{"b.txt": "b"},
	})

	s, stop := newSequencer(t, e, 1)
	defer stop()
	require.NoError(t, s.Block(context.Background(), otherID, "maintenance"))
	var already *blocking.TargetAlreadyBlockedError
	assert.True(t, errors.As(s.Block(context.Background(), otherID, "again"), &already))

	s.Submit(dir)
	drain(t, s)
	assert.Empty(t, e.gateway.Calls())
	assert.Equal(t, []string{dir}, s.Parked(otherID))
}

func TestSequencer_Consume(t *testing.T) {
	e := newEnv(t, submission())
	dir := e.write(t, fixtures.DepositFixture{
		ID:    otherID,
		Files: map[string]string{"b.txt": "b"},
	})
	s, stop := newSequencer(t, e, 1)
	defer stop()

	in := make(chan string, 1)
	in <- dir
	close(in)
	require.NoError(t, s.Consume(context.Background(), in))
	drain(t, s)
	assert.True(t, e.exists("/outbox/processed/"+otherID))
}

func TestSequencer_Resume(t *testing.T) {
	e := newEnv(t, submission())
	dir := e.write(t, fixtures.DepositFixture{
		ID:    otherID,
		Files: map[string]string{"b.txt": "b"},
	})
	s, stop := newSequencer(t, e, 1)
	defer stop()
	ctx := context.Background()
	require.NoError(t, s.Block(ctx, otherID, "maintenance"))
	s.Submit(dir)
	drain(t, s)

	// Still blocked: nothing to resume.
	n, err := s.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Unblocked behind the sequencer's back.
	require.NoError(t, e.registry.Unblock(ctx, otherID))
	n, err = s.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	drain(t, s)

	assert.True(t, e.exists("/outbox/processed/"+otherID))
	assert.Empty(t, s.Parked(otherID))
}

// flakyRegistry fails the first n IsBlocked calls.
type flakyRegistry struct {
	blocking.Registry

	mu    sync.Mutex
	n     int
	calls int
}

func (r *flakyRegistry) IsBlocked(ctx context.Context, target string) (bool, error) {
	r.mu.Lock()
	r.calls++
	failing := r.calls <= r.n
	r.mu.Unlock()
	if failing {
		return false, errors.New("connection refused")
	}
	return r.Registry.IsBlocked(ctx, target)
}

func TestSequencer_RegistryErrorRetried(t *testing.T) {
	tests := map[string]struct {
		failures  int
		processed bool
	}{
		"transient":  {failures: 1, processed: true},
		"persistent": {failures: maxRechecks, processed: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, submission())
			dir := e.write(t, fixtures.DepositFixture{
				ID:    otherID,
				Files: map[string]string{"b.txt": "b"},
			})
			registry := &flakyRegistry{Registry: e.registry, n: tc.failures}
			logger, _ := logrustest.NewNullLogger()
			s := NewSequencer(logger, e.ing, registry, 1, nil)
			s.recheckDelay = time.Millisecond

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- s.Run(ctx) }()
			defer func() {
				cancel()
				<-done
			}()

			require.True(t, s.Submit(dir))
			drain(t, s)

			assert.Equal(t, tc.processed, e.exists("/outbox/processed/"+otherID))
			if tc.processed {
				return
			}
			assert.True(t, e.exists(dir), "deposit must stay in the inbox")
			assert.Empty(t, e.gateway.Calls())
			// Forgotten, so that the next scan submits it again.
			require.True(t, s.Submit(dir))
			drain(t, s)
			assert.True(t, e.exists("/outbox/processed/"+otherID))
		})
	}
}
