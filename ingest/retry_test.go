package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
)

func TestRetryPolicy_Await(t *testing.T) {
	t.Run("condition met", func(t *testing.T) {
		calls := 0
		err := fastRetry.Await(context.Background(), "ready", func() (bool, error) {
			calls++
			return calls == 3, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("bound exceeded", func(t *testing.T) {
		calls := 0
		p := RetryPolicy{Interval: time.Millisecond, MaxAttempts: 4, Multiplier: 2}
		err := p.Await(context.Background(), "ready", func() (bool, error) {
			calls++
			return false, nil
		})
		var failed *deposit.FailedDepositError
		require.True(t, errors.As(err, &failed))
		assert.EqualError(t, err, "ready not reached after 4 attempts")
		assert.Equal(t, 4, calls)
	})

	t.Run("condition error", func(t *testing.T) {
		calls := 0
		err := fastRetry.Await(context.Background(), "ready", func() (bool, error) {
			calls++
			return false, errors.New("dataverse: 403 Forbidden: no")
		})
		assert.EqualError(t, err, "dataverse: 403 Forbidden: no")
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := RetryPolicy{Interval: time.Hour, MaxAttempts: 10}
		err := p.Await(ctx, "ready", func() (bool, error) {
			cancel()
			return false, nil
		})
		assert.True(t, errors.Is(err, context.Canceled))
		assert.EqualError(t, err, "interrupted while waiting for ready: context canceled")
	})
}

func TestAwaitUnlocked(t *testing.T) {
	gw := newFakeGateway()
	gw.locked = 3
	require.NoError(t, AwaitUnlocked(context.Background(), gw, "doi:1", fastRetry))
	assert.Equal(t, 0, gw.locked)

	gw.locked = 10
	err := AwaitUnlocked(context.Background(), gw, "doi:1", fastRetry)
	assert.EqualError(t, err, "unlock of doi:1 not reached after 5 attempts")
}
