package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	Fn       JobFunc
}

// Scheduler ticks each enabled job on its own goroutine. Runs of the same
// job may overlap when triggered externally; jobs must tolerate that.
type Scheduler struct {
	runner *Runner
	log    *zap.Logger
	jobs   map[string]Job

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(runner *Runner, log *zap.Logger, jobs ...Job) *Scheduler {
	s := &Scheduler{runner: runner, log: log, jobs: make(map[string]Job, len(jobs))}
	for _, j := range jobs {
		s.jobs[j.Name] = j
	}
	return s
}

func (s *Scheduler) Runner() *Runner { return s.runner }

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches a ticker per enabled job. It returns immediately; jobs stop
// when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, job := range s.Jobs() {
		if !job.Enabled || job.Interval <= 0 {
			s.log.Info("job not scheduled", zap.String("job", job.Name), zap.Bool("enabled", job.Enabled))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runner.Run(ctx, job.Name, job.Fn)
		}
	}
}

// Stop cancels all job loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Trigger runs a job now, outside its schedule. Disabled jobs record a
// no-op execution.
func (s *Scheduler) Trigger(ctx context.Context, name string) (JobResult, error) {
	job, ok := s.jobs[name]
	if !ok {
		return JobResult{}, fmt.Errorf("unknown job %q", name)
	}
	if !job.Enabled {
		return s.runner.Skip(name), nil
	}
	return s.runner.Run(ctx, name, job.Fn), nil
}
