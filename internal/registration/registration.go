// Package registration implements RetryingRegistration:
// the protocol used wherever a subordinate must register with a
// currently-elected leader (TaskExecutor->ResourceManager,
// JobMaster->ResourceManager, TaskExecutor->JobMaster). It uses Go
// generics so one implementation serves all three registration
// relationships without duplicating the backoff state machine per
// gateway type.
package registration

import (
	"context"
	"errors"
	"time"

	"github.com/streamcore/engine/internal/config"
	"github.com/streamcore/engine/internal/log"
	"github.com/streamcore/engine/internal/rpc"
)

// Declined is returned by Invoke to signal the registration target
// rejected the attempt (e.g. stale fencing token); the registration
// restarts from address resolution after RefusedDelay.
var Declined = errors.New("registration: declined")

// Resolver produces a fresh gateway connection of type T for the
// current target address.
type Resolver[T any] func(ctx context.Context) (T, error)

// Invoker performs one registration attempt against gw within timeout,
// returning the registration payload on success, Declined on rejection,
// or any other error for a transient/timeout failure to retry.
type Invoker[T any] func(ctx context.Context, gw T, timeout time.Duration) (any, error)

// RetryingRegistration drives the retry/backoff state machine for one
// target relationship.
type RetryingRegistration[T any] struct {
	targetName string
	resolve    Resolver[T]
	invoke     Invoker[T]
	cfg        config.RegistrationConfig

	cancelCh chan struct{}
	cancelled bool
}

// New constructs a RetryingRegistration against targetName (used only
// for logging), using resolve to obtain a gateway connection and invoke
// to attempt registration against it.
func New[T any](targetName string, resolve Resolver[T], invoke Invoker[T], cfg config.RegistrationConfig) *RetryingRegistration[T] {
	return &RetryingRegistration[T]{
		targetName: targetName,
		resolve:    resolve,
		invoke:     invoke,
		cfg:        cfg,
		cancelCh:   make(chan struct{}),
	}
}

// Cancel is cooperative and idempotent: Run observes it at the next
// retry/backoff boundary and returns context.Canceled.
func (r *RetryingRegistration[T]) Cancel() {
	if r.cancelled {
		return
	}
	r.cancelled = true
	close(r.cancelCh)
}

func (r *RetryingRegistration[T]) cancelled_() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// Run executes the registration loop until success, cancellation, or
// ctx is done.
func (r *RetryingRegistration[T]) Run(ctx context.Context) (T, any, error) {
	logger := log.WithComponent("registration")
	var zero T

	for {
		if r.cancelled_() || ctx.Err() != nil {
			return zero, nil, context.Canceled
		}

		gw, err := r.resolve(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("target", r.targetName).Msg("failed to resolve registration target, retrying")
			if !r.sleep(ctx, r.cfg.ErrorDelay) {
				return zero, nil, context.Canceled
			}
			continue
		}

		timeout := r.cfg.InitialTimeout
		if timeout <= 0 {
			timeout = 100 * time.Millisecond
		}
		maxTimeout := r.cfg.MaxTimeout
		if maxTimeout <= 0 {
			maxTimeout = 30 * time.Second
		}

		declined := false
		for {
			if r.cancelled_() || ctx.Err() != nil {
				return zero, nil, context.Canceled
			}

			result, err := r.invoke(ctx, gw, timeout)
			if err == nil {
				logger.Info().Str("target", r.targetName).Msg("registration succeeded")
				return gw, result, nil
			}

			var declinedErr *rpc.DeclinedError
			if errors.As(err, &declinedErr) || errors.Is(err, Declined) {
				logger.Warn().Err(err).Str("target", r.targetName).Msg("registration declined, restarting")
				declined = true
				break
			}

			logger.Debug().Err(err).Str("target", r.targetName).Dur("timeout", timeout).Msg("registration attempt timed out, doubling timeout")
			timeout *= 2
			if timeout > maxTimeout {
				timeout = maxTimeout
			}
		}

		if declined {
			if !r.sleep(ctx, r.cfg.RefusedDelay) {
				return zero, nil, context.Canceled
			}
		}
	}
}

func (r *RetryingRegistration[T]) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}
