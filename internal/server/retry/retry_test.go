package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errQuota = errors.New("quota")
	errOther = errors.New("other")
)

func isQuota(err error) bool { return errors.Is(err, errQuota) }

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 4 * time.Second, MaxDelay: 60 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 4 * time.Second},
		{1, 8 * time.Second},
		{2, 16 * time.Second},
		{3, 32 * time.Second},
		{4, 60 * time.Second},
		{30, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds first time", func(t *testing.T) {
		rec := &recorder{}
		calls := 0
		err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Second, Retryable: isQuota, Sleep: rec.sleep}, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, rec.delays)
	})

	t.Run("retries quota then succeeds", func(t *testing.T) {
		rec := &recorder{}
		calls := 0
		err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Retryable: isQuota, Sleep: rec.sleep}, func() error {
			calls++
			if calls < 3 {
				return errQuota
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	})

	t.Run("exhausts after max attempts", func(t *testing.T) {
		rec := &recorder{}
		calls := 0
		err := Do(context.Background(), Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 3 * time.Second, Retryable: isQuota, Sleep: rec.sleep}, func() error {
			calls++
			return errQuota
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRetryExhausted)
		assert.ErrorIs(t, err, errQuota)
		assert.Equal(t, 4, calls)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, rec.delays)

		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 4, exhausted.Attempts)
	})

	t.Run("non-retryable propagates immediately", func(t *testing.T) {
		rec := &recorder{}
		calls := 0
		err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Second, Retryable: isQuota, Sleep: rec.sleep}, func() error {
			calls++
			return errOther
		})
		assert.ErrorIs(t, err, errOther)
		assert.NotErrorIs(t, err, ErrRetryExhausted)
		assert.Equal(t, 1, calls)
		assert.Empty(t, rec.delays)
	})

	t.Run("cancellation during backoff stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Do(ctx, Policy{
			MaxAttempts: 5,
			BaseDelay:   time.Hour,
			Retryable:   isQuota,
			OnRetry:     func(int, time.Duration, error) { cancel() },
		}, func() error {
			calls++
			return errQuota
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context makes no attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := Do(ctx, Policy{MaxAttempts: 3, Retryable: isQuota}, func() error {
			calls++
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})
}
