package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v3"
	pkgerrors "github.com/pkg/errors"

	"github.com/JiscSD/rdss-dataverse-ingest/dataverse"
	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
)

// RetryPolicy bounds the polling of a remote condition.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int

	// Multiplier grows the interval after every attempt when greater than
	// one.
	Multiplier float64
}

var errNotYet = errors.New("condition not met")

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Multiplier > 1 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Interval
		eb.Multiplier = p.Multiplier
		eb.RandomizationFactor = 0
		eb.MaxInterval = 30 * p.Interval
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Interval)
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Await calls cond until it reports true. Exceeding the attempts is a
// FailedDepositError, cancellation is reported wrapping ctx.Err().
func (p RetryPolicy) Await(ctx context.Context, what string, cond func() (bool, error)) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		ok, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, p.backOff(ctx))
	if err != nil && ctx.Err() != nil {
		return pkgerrors.Wrapf(ctx.Err(), "interrupted while waiting for %s", what)
	}
	if err == errNotYet {
		return deposit.Failed("%s not reached after %d attempts", what, attempts)
	}
	return err
}

// AwaitUnlocked polls until the dataset holds no locks.
func AwaitUnlocked(ctx context.Context, gw DatasetGateway, pid string, p RetryPolicy) error {
	return p.Await(ctx, "unlock of "+pid, func() (bool, error) {
		locks, err := gw.Locks(ctx, pid)
		if err != nil {
			return false, err
		}
		return len(locks) == 0, nil
	})
}

// AwaitReleased polls until the latest version of the dataset is released.
func AwaitReleased(ctx context.Context, gw DatasetGateway, pid string, p RetryPolicy) error {
	return p.Await(ctx, "release of "+pid, func() (bool, error) {
		state, err := gw.VersionState(ctx, pid)
		if err != nil {
			return false, err
		}
		return state == dataverse.VersionStateReleased, nil
	})
}
