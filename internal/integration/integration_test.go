package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/domain"
)

func TestCategorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		typ  Type
		err  error
		want Category
	}{
		{"429", AccountingExport, &StatusError{StatusCode: 429}, CategoryRateLimit},
		{"401", CardAPI, &StatusError{StatusCode: 401}, CategoryAuth},
		{"403", CardAPI, &StatusError{StatusCode: 403}, CategoryAuth},
		{"404", ChainMirror, &StatusError{StatusCode: 404}, CategoryNotFound},
		{"422", AccountingExport, &StatusError{StatusCode: 422}, CategoryValidation},
		{"504", ExchangeRate, &StatusError{StatusCode: 504}, CategoryTimeout},
		{"503", ExchangeRate, &StatusError{StatusCode: 503}, CategoryServerError},
		{"wrapped status", AccountingExport, fmt.Errorf("export: %w", &StatusError{StatusCode: 500}), CategoryServerError},
		{"deadline", ChainMirror, context.DeadlineExceeded, CategoryTimeout},
		{"conn refused", ChainMirror, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, CategoryNetwork},
		{"dns", ExchangeRate, &net.DNSError{Err: "no such host", Name: "rates.example"}, CategoryNetwork},
		{"card declined", CardAPI, errors.New("card_declined: insufficient funds"), CategoryValidation},
		{"mirror busy", ChainMirror, errors.New("BUSY"), CategoryRateLimit},
		{"throttled", AccountingExport, errors.New("request throttled"), CategoryRateLimit},
		{"generic rate", WebhookDelivery, errors.New("Rate limit exceeded"), CategoryRateLimit},
		{"generic timeout", WebhookDelivery, errors.New("operation timed out"), CategoryTimeout},
		{"generic invalid", WebhookDelivery, errors.New("invalid payload"), CategoryValidation},
		{"unknown", WebhookDelivery, errors.New("something odd"), CategoryUnknown},
		{"nil", WebhookDelivery, nil, CategoryUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Categorize(tt.typ, tt.err))
		})
	}
}

func TestCategory_IsPermanent(t *testing.T) {
	t.Parallel()

	permanent := []Category{CategoryValidation, CategoryNotFound, CategoryAuth}
	transient := []Category{CategoryNetwork, CategoryRateLimit, CategoryServerError, CategoryTimeout, CategoryUnknown}

	for _, c := range permanent {
		assert.True(t, c.IsPermanent(), c)
		assert.False(t, ShouldRetry(c, 0), c)
		assert.Zero(t, RetryDelay(c, 1), c)
	}
	for _, c := range transient {
		assert.False(t, c.IsPermanent(), c)
		assert.True(t, ShouldRetry(c, 0), c)
	}
}

func TestRetryDelay_RateLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 60_000*time.Millisecond, RetryDelay(CategoryRateLimit, 1))
	assert.Equal(t, 120_000*time.Millisecond, RetryDelay(CategoryRateLimit, 2))
	assert.Equal(t, 240_000*time.Millisecond, RetryDelay(CategoryRateLimit, 3))
	assert.Equal(t, 3_600_000*time.Millisecond, RetryDelay(CategoryRateLimit, 7))
	assert.Equal(t, 3_600_000*time.Millisecond, RetryDelay(CategoryRateLimit, 10))
	assert.Equal(t, time.Hour, RetryDelay(CategoryRateLimit, 500), "large attempts do not overflow")

	assert.True(t, ShouldRetry(CategoryRateLimit, 9))
	assert.False(t, ShouldRetry(CategoryRateLimit, 10))
}

func TestRetryDelay_Transient(t *testing.T) {
	t.Parallel()

	for _, c := range []Category{CategoryNetwork, CategoryTimeout, CategoryServerError} {
		assert.Equal(t, time.Second, RetryDelay(c, 1))
		assert.Equal(t, 16*time.Second, RetryDelay(c, 5))
		assert.Equal(t, time.Minute, RetryDelay(c, 8))
		assert.False(t, ShouldRetry(c, 5))
	}
}

func TestRetryDelay_UnknownIsLinear(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30*time.Second, RetryDelay(CategoryUnknown, 1))
	assert.Equal(t, 60*time.Second, RetryDelay(CategoryUnknown, 2))
	assert.Equal(t, 90*time.Second, RetryDelay(CategoryUnknown, 3))
	assert.True(t, ShouldRetry(CategoryUnknown, 2))
	assert.False(t, ShouldRetry(CategoryUnknown, 3))
	assert.Equal(t, PolicyFor(CategoryUnknown), PolicyFor(Category("MYSTERY")))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b := NewBreakers(BreakerConfig{Threshold: 5, ResetTimeout: 50 * time.Millisecond}, zap.NewNop())

	for i := 0; i < 4; i++ {
		b.RecordFailure(AccountingExport, CategoryServerError, "default")
	}
	assert.False(t, b.IsOpen(AccountingExport, "default"))

	b.RecordFailure(AccountingExport, CategoryServerError, "default")
	assert.True(t, b.IsOpen(AccountingExport, "default"))
	assert.False(t, b.IsOpen(AccountingExport, "other"), "breakers are per identifier")
	assert.False(t, b.NextRetryAt(AccountingExport, "default").IsZero())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State(AccountingExport, "default"))
	assert.False(t, b.IsOpen(AccountingExport, "default"))

	b.RecordSuccess(AccountingExport, "default")
	assert.Equal(t, StateClosed, b.State(AccountingExport, "default"))

	status := b.Snapshot()
	require.Len(t, status, 2)
	assert.Equal(t, AccountingExport, status[0].Integration)
	assert.Equal(t, "default", status[0].Identifier)
	assert.Equal(t, 0, status[0].Failures)
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	b := NewBreakers(BreakerConfig{Threshold: 2, ResetTimeout: 30 * time.Millisecond}, zap.NewNop())

	b.RecordFailure(ChainMirror, CategoryTimeout, "mainnet")
	b.RecordFailure(ChainMirror, CategoryTimeout, "mainnet")
	require.True(t, b.IsOpen(ChainMirror, "mainnet"))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State(ChainMirror, "mainnet"))

	b.RecordFailure(ChainMirror, CategoryTimeout, "mainnet")
	assert.True(t, b.IsOpen(ChainMirror, "mainnet"))
}

func TestBreakers_PermanentFailuresNeverCount(t *testing.T) {
	t.Parallel()
	b := NewBreakers(BreakerConfig{Threshold: 2, ResetTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 10; i++ {
		b.RecordFailure(CardAPI, CategoryValidation, "default")
		b.RecordFailure(CardAPI, CategoryAuth, "default")
		b.RecordFailure(CardAPI, CategoryNotFound, "default")
	}
	assert.False(t, b.IsOpen(CardAPI, "default"))

	b.RecordFailure(CardAPI, CategoryNetwork, "default")
	b.RecordSuccess(CardAPI, "default")
	b.RecordFailure(CardAPI, CategoryNetwork, "default")
	assert.False(t, b.IsOpen(CardAPI, "default"), "success resets the consecutive count")
}

func TestBreakers_Reset(t *testing.T) {
	t.Parallel()
	b := NewBreakers(BreakerConfig{Threshold: 1, ResetTimeout: time.Minute}, zap.NewNop())

	b.RecordFailure(ExchangeRate, CategoryNetwork, "default")
	require.True(t, b.IsOpen(ExchangeRate, "default"))

	b.Reset(ExchangeRate, "default")
	assert.False(t, b.IsOpen(ExchangeRate, "default"))
}

func TestBreakers_SuccessWhileOpenCloses(t *testing.T) {
	t.Parallel()
	b := NewBreakers(BreakerConfig{Threshold: 5, ResetTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 5; i++ {
		b.RecordFailure(AccountingExport, CategoryServerError, "default")
	}
	require.True(t, b.IsOpen(AccountingExport, "default"))

	// a call in flight when the breaker tripped comes back successful
	b.RecordSuccess(AccountingExport, "default")

	assert.Equal(t, StateClosed, b.State(AccountingExport, "default"))
	assert.True(t, b.NextRetryAt(AccountingExport, "default").IsZero())

	status := b.Snapshot()
	require.Len(t, status, 1)
	assert.Equal(t, StateClosed, status[0].State)
	assert.Equal(t, 0, status[0].Failures)
	assert.NotNil(t, status[0].LastFailureAt)
	assert.Nil(t, status[0].NextRetryAt)

	for i := 0; i < 4; i++ {
		b.RecordFailure(AccountingExport, CategoryServerError, "default")
	}
	assert.False(t, b.IsOpen(AccountingExport, "default"), "the rebuilt breaker counts from zero")
	b.RecordFailure(AccountingExport, CategoryServerError, "default")
	assert.True(t, b.IsOpen(AccountingExport, "default"))
}

func TestBreakers_RejectedFailuresNotCounted(t *testing.T) {
	t.Parallel()
	b := NewBreakers(BreakerConfig{Threshold: 2, ResetTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 4; i++ {
		b.RecordFailure(ExchangeRate, CategoryNetwork, "default")
	}
	require.True(t, b.IsOpen(ExchangeRate, "default"))

	status := b.Snapshot()
	require.Len(t, status, 1)
	assert.Equal(t, StateOpen, status[0].State)
	assert.Equal(t, 2, status[0].Failures)
	assert.NotNil(t, status[0].NextRetryAt)
}

func TestBreakers_Concurrent(t *testing.T) {
	t.Parallel()
	b := NewBreakers(BreakerConfig{Threshold: 1000, ResetTimeout: time.Minute}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if j%2 == 0 {
					b.RecordFailure(WebhookDelivery, CategoryServerError, fmt.Sprintf("hook-%d", i%5))
				} else {
					b.RecordSuccess(WebhookDelivery, fmt.Sprintf("hook-%d", i%5))
				}
				_ = b.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, b.Snapshot(), 5)
}

func TestHandler_Call(t *testing.T) {
	t.Parallel()
	b := NewBreakers(BreakerConfig{Threshold: 2, ResetTimeout: time.Minute}, zap.NewNop())
	h := NewHandler(b, 20*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, h.Call(ctx, AccountingExport, "default", func(context.Context) error { return nil }))

	err := h.Call(ctx, AccountingExport, "default", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var ie *Error
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, CategoryTimeout, ie.Category)
	assert.False(t, ie.Permanent)
	assert.Equal(t, domain.KindIntegration, domain.KindOf(err))

	err = h.Call(ctx, AccountingExport, "default", func(context.Context) error {
		return &StatusError{StatusCode: 422, Body: "bad account"}
	})
	require.True(t, errors.As(err, &ie))
	assert.True(t, ie.Permanent)
	assert.False(t, b.IsOpen(AccountingExport, "default"), "permanent failure does not trip")

	_ = h.Call(ctx, AccountingExport, "default", func(context.Context) error {
		return &StatusError{StatusCode: 502}
	})
	require.True(t, b.IsOpen(AccountingExport, "default"))

	called := false
	err = h.Call(ctx, AccountingExport, "default", func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
