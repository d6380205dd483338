package framework

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForReturnsOnceConditionIsTrue(t *testing.T) {
	w := NewWaiter(time.Second, 5*time.Millisecond)
	calls := 0
	err := w.WaitFor(context.Background(), func() bool {
		calls++
		return calls >= 3
	}, "condition to flip")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestWaitForTimesOutWhenConditionNeverTrue(t *testing.T) {
	w := NewWaiter(20*time.Millisecond, 5*time.Millisecond)
	err := w.WaitFor(context.Background(), func() bool { return false }, "never")
	assert.Error(t, err)
}

func TestWaitForConditionWithRetryPropagatesError(t *testing.T) {
	w := NewWaiter(time.Second, 5*time.Millisecond)
	err := w.WaitForConditionWithRetry(context.Background(), func() (bool, error) {
		return false, errors.New("boom")
	}, "always errors")
	assert.ErrorContains(t, err, "boom")
}

func TestPollUntilStopsWhenConditionTrue(t *testing.T) {
	attempts := 0
	err := PollUntil(context.Background(), 5*time.Millisecond, func() bool {
		attempts++
		return attempts >= 2
	})
	require.NoError(t, err)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		return errors.New("permanent")
	})
	assert.ErrorContains(t, err, "permanent")
}
