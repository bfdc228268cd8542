package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func isConflict(err error) bool { return errors.Is(err, errConflict) }

func recordingPolicy(slept *[]time.Duration) Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     Linear(100 * time.Millisecond),
		Sleep: func(_ context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		},
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	var slept []time.Duration
	attempts, err := recordingPolicy(&slept).Do(context.Background(), func(attempt int) error {
		if attempt < 2 {
			return errConflict
		}
		return nil
	}, isConflict)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, slept)
}

func TestDoExhaustsBudget(t *testing.T) {
	var slept []time.Duration
	calls := 0
	attempts, err := recordingPolicy(&slept).Do(context.Background(), func(int) error {
		calls++
		return errConflict
	}, isConflict)

	require.ErrorIs(t, err, errConflict)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestDoDoesNotRetryOtherErrors(t *testing.T) {
	other := errors.New("not found")
	var slept []time.Duration
	attempts, err := recordingPolicy(&slept).Do(context.Background(), func(int) error { return other }, isConflict)

	require.ErrorIs(t, err, other)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, slept)
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)

	p := Policy{MaxAttempts: 3, Backoff: Linear(time.Hour)}
	attempts, err := p.Do(ctx, func(int) error { return errConflict }, isConflict)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
