// Package scheduler runs named background jobs on intervals and keeps a
// bounded execution history for each of them.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// HistorySize is how many executions are kept per job.
const HistorySize = 100

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_job_runs_total",
		Help: "Background job executions by job and result",
	}, []string{"job", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settleops_job_duration_seconds",
		Help:    "Background job execution time",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
	}, []string{"job"})
)

// JobResult is what a job reports about one execution.
type JobResult struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// JobFunc is the body of a job. A returned error marks the run failed.
type JobFunc func(ctx context.Context) (JobResult, error)

// Execution is one recorded run.
type Execution struct {
	Job       string    `json:"job"`
	StartedAt time.Time `json:"started_at"`
	JobResult
}

// Stats summarizes a job's recorded history.
type Stats struct {
	Job             string        `json:"job"`
	TotalRuns       int           `json:"total_runs"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration_ns"`
	LastExecution   *Execution    `json:"last_execution,omitempty"`
}

// Runner executes jobs and records their results. Safe for concurrent use.
type Runner struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	history map[string][]Execution
}

func NewRunner(log *zap.Logger) *Runner {
	return &Runner{
		log:     log,
		now:     time.Now,
		history: make(map[string][]Execution),
	}
}

// Run executes fn under name, recovering panics, and records the result.
func (r *Runner) Run(ctx context.Context, name string, fn JobFunc) (res JobResult) {
	started := r.now()
	log := r.log.With(zap.String("job", name))
	log.Debug("job started")

	defer func() {
		if p := recover(); p != nil {
			res = JobResult{Success: false, Message: "job panicked", Error: fmt.Sprint(p)}
			log.Error("job panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		}
		res.Duration = r.now().Sub(started)
		r.record(name, started, res)

		result := "success"
		if !res.Success {
			result = "failure"
		}
		jobRuns.WithLabelValues(name, result).Inc()
		jobDuration.WithLabelValues(name).Observe(res.Duration.Seconds())

		if res.Success {
			log.Info("job finished", zap.String("message", res.Message), zap.Duration("duration", res.Duration))
		} else {
			log.Error("job failed", zap.String("message", res.Message), zap.String("error", res.Error), zap.Duration("duration", res.Duration))
		}
	}()

	out, err := fn(ctx)
	if err != nil {
		out.Success = false
		out.Error = err.Error()
		if out.Message == "" {
			out.Message = "job failed"
		}
	}
	return out
}

// Skip records a no-op execution for a disabled job.
func (r *Runner) Skip(name string) JobResult {
	res := JobResult{Success: true, Message: "job disabled"}
	r.record(name, r.now(), res)
	return res
}

func (r *Runner) record(name string, started time.Time, res JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := append(r.history[name], Execution{Job: name, StartedAt: started, JobResult: res})
	if len(h) > HistorySize {
		h = append([]Execution(nil), h[len(h)-HistorySize:]...)
	}
	r.history[name] = h
}

// History returns the recorded executions of name, oldest first.
func (r *Runner) History(name string) []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Execution(nil), r.history[name]...)
}

// Stats summarizes the recorded executions of name.
func (r *Runner) Stats(name string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return statsFor(name, r.history[name])
}

// AllStats returns Stats for every job that has run, sorted by name.
func (r *Runner) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Stats, 0, len(r.history))
	for name, h := range r.history {
		out = append(out, statsFor(name, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

func statsFor(name string, h []Execution) Stats {
	s := Stats{Job: name, TotalRuns: len(h)}
	if len(h) == 0 {
		return s
	}

	var total time.Duration
	for _, e := range h {
		if e.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		total += e.Duration
	}
	s.SuccessRate = float64(s.Successes) / float64(len(h))
	s.AverageDuration = total / time.Duration(len(h))
	last := h[len(h)-1]
	s.LastExecution = &last
	return s
}
