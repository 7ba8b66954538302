package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ok(msg string) JobFunc {
	return func(context.Context) (JobResult, error) {
		return JobResult{Success: true, Message: msg}, nil
	}
}

func TestRunner_RecordsResults(t *testing.T) {
	t.Parallel()
	r := NewRunner(zap.NewNop())
	ctx := context.Background()

	res := r.Run(ctx, "expire", func(context.Context) (JobResult, error) {
		return JobResult{Success: true, Message: "expired 3 links", Data: map[string]any{"expired": 3}}, nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Data["expired"])

	res = r.Run(ctx, "expire", func(context.Context) (JobResult, error) {
		return JobResult{}, errors.New("db down")
	})
	assert.False(t, res.Success)
	assert.Equal(t, "db down", res.Error)
	assert.Equal(t, "job failed", res.Message)

	stats := r.Stats("expire")
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.Successes)
	assert.Equal(t, 1, stats.Failures)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	require.NotNil(t, stats.LastExecution)
	assert.Equal(t, "db down", stats.LastExecution.Error)
}

func TestRunner_RecoversPanics(t *testing.T) {
	t.Parallel()
	r := NewRunner(zap.NewNop())

	res := r.Run(context.Background(), "boom", func(context.Context) (JobResult, error) {
		panic("nil map")
	})
	assert.False(t, res.Success)
	assert.Equal(t, "nil map", res.Error)
	assert.Len(t, r.History("boom"), 1)
}

func TestRunner_HistoryIsBounded(t *testing.T) {
	t.Parallel()
	r := NewRunner(zap.NewNop())

	for i := 0; i < HistorySize+25; i++ {
		r.Run(context.Background(), "tick", ok("tick"))
	}

	h := r.History("tick")
	assert.Len(t, h, HistorySize)
	assert.Equal(t, HistorySize, r.Stats("tick").TotalRuns)

	h[0].Message = "mutated"
	assert.NotEqual(t, "mutated", r.History("tick")[0].Message)
}

func TestRunner_StatsForUnknownJob(t *testing.T) {
	t.Parallel()
	r := NewRunner(zap.NewNop())

	stats := r.Stats("never")
	assert.Zero(t, stats.TotalRuns)
	assert.Nil(t, stats.LastExecution)
	assert.Empty(t, r.AllStats())
}

func TestScheduler_TriggerDisabledRecordsNoOp(t *testing.T) {
	t.Parallel()
	r := NewRunner(zap.NewNop())
	var calls atomic.Int32
	s := New(r, zap.NewNop(), Job{
		Name:    "reconcile",
		Enabled: false,
		Fn: func(context.Context) (JobResult, error) {
			calls.Add(1)
			return JobResult{Success: true}, nil
		},
	})

	res, err := s.Trigger(context.Background(), "reconcile")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "job disabled", res.Message)
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, r.Stats("reconcile").TotalRuns)

	_, err = s.Trigger(context.Background(), "missing")
	assert.Error(t, err)
}

func TestScheduler_StartRunsEnabledJobs(t *testing.T) {
	t.Parallel()
	r := NewRunner(zap.NewNop())
	var fast, off atomic.Int32
	s := New(r, zap.NewNop(),
		Job{Name: "fast", Interval: 5 * time.Millisecond, Enabled: true, Fn: func(context.Context) (JobResult, error) {
			fast.Add(1)
			return JobResult{Success: true}, nil
		}},
		Job{Name: "off", Interval: 5 * time.Millisecond, Enabled: false, Fn: func(context.Context) (JobResult, error) {
			off.Add(1)
			return JobResult{Success: true}, nil
		}},
	)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return fast.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := fast.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, fast.Load(), "no runs after Stop")
	assert.Zero(t, off.Load())

	names := []string{}
	for _, st := range r.AllStats() {
		names = append(names, st.Job)
	}
	assert.Equal(t, []string{"fast"}, names)
}

func TestScheduler_ConcurrentTriggers(t *testing.T) {
	t.Parallel()
	r := NewRunner(zap.NewNop())
	var running, maxRunning atomic.Int32
	s := New(r, zap.NewNop(), Job{Name: "slow", Enabled: true, Fn: func(context.Context) (JobResult, error) {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return JobResult{Success: true}, nil
	}})

	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func() {
			_, _ = s.Trigger(context.Background(), "slow")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	assert.Greater(t, maxRunning.Load(), int32(1), "triggers are not serialized")
	assert.Equal(t, 3, r.Stats("slow").TotalRuns)
}
