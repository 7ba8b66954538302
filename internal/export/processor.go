package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/integration"
	"github.com/punchamoorthee/settleops/internal/store"
)

var (
	syncOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_sync_task_outcomes_total",
		Help: "Sync task attempts by outcome",
	}, []string{"target", "outcome"})

	syncFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_sync_tasks_failed_total",
		Help: "Sync tasks that reached FAILED and need operator attention",
	}, []string{"target", "category"})
)

// DrainResult summarizes one pass over the due sync tasks.
type DrainResult struct {
	Due       int `json:"due"`
	Skipped   int `json:"skipped"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// Processor exports due sync tasks. Several processors may drain the same
// queue; a task is worked by whoever wins ClaimSyncTask.
type Processor struct {
	queries  store.Queries
	exporter Exporter
	handler  *integration.Handler
	log      *zap.Logger
	now      func() time.Time

	Lease     time.Duration
	BatchSize int
}

func NewProcessor(q store.Queries, exporter Exporter, handler *integration.Handler, log *zap.Logger) *Processor {
	return &Processor{
		queries:   q,
		exporter:  exporter,
		handler:   handler,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		Lease:     5 * time.Minute,
		BatchSize: 50,
	}
}

// Drain attempts every due task once.
func (p *Processor) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	now := p.now()

	tasks, err := p.queries.ListDueSyncTasks(ctx, now, p.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due sync tasks: %w", err)
	}
	res.Due = len(tasks)

	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		task := &tasks[i]

		claimed, err := p.queries.ClaimSyncTask(ctx, task.ID, now, now.Add(p.Lease))
		if err != nil {
			return res, fmt.Errorf("claim sync task %s: %w", task.ID, err)
		}
		if !claimed {
			res.Skipped++
			continue
		}

		switch p.process(ctx, task) {
		case domain.SyncSuccess:
			res.Succeeded++
		case domain.SyncRetrying:
			res.Retrying++
		case domain.SyncFailed:
			res.Failed++
		default:
			res.Deferred++
		}

		if err := p.queries.UpdateSyncTask(ctx, task); err != nil {
			return res, fmt.Errorf("update sync task %s: %w", task.ID, err)
		}
	}
	return res, nil
}

// process runs one export attempt and updates task in place. It returns the
// new status, or "" when the attempt was deferred by an open breaker.
func (p *Processor) process(ctx context.Context, task *domain.SyncTask) domain.SyncStatus {
	log := p.log.With(
		zap.String("sync_task_id", task.ID.String()),
		zap.String("payment_link_id", task.PaymentLinkID.String()),
		zap.String("target", task.Target))

	err := p.handler.Call(ctx, integration.AccountingExport, task.Target, func(ctx context.Context) error {
		return p.exporter.Export(ctx, task.ID.String(), task.Payload)
	})
	now := p.now()

	if err == nil {
		task.Status = domain.SyncSuccess
		task.LastError = ""
		task.ErrorCategory = ""
		task.NextRetryAt = now
		syncOutcomes.WithLabelValues(task.Target, "success").Inc()
		log.Info("sync task exported", zap.Int("attempts", task.RetryCount+1))
		return domain.SyncSuccess
	}

	if errors.Is(err, integration.ErrCircuitOpen) {
		next := p.handler.Breakers().NextRetryAt(integration.AccountingExport, task.Target)
		if next.Before(now) {
			next = now.Add(integration.RetryDelay(integration.CategoryServerError, 1))
		}
		task.NextRetryAt = next
		syncOutcomes.WithLabelValues(task.Target, "deferred").Inc()
		log.Debug("sync task deferred, breaker open", zap.Time("next_retry_at", next))
		return ""
	}

	ie := integration.Classify(integration.AccountingExport, err)
	task.RetryCount++
	task.LastError = err.Error()
	task.ErrorCategory = string(ie.Category)

	if ie.Permanent || !integration.ShouldRetry(ie.Category, task.RetryCount) {
		task.Status = domain.SyncFailed
		syncOutcomes.WithLabelValues(task.Target, "failed").Inc()
		syncFailed.WithLabelValues(task.Target, string(ie.Category)).Inc()
		log.Error("sync task failed permanently, operator action required",
			zap.String("category", string(ie.Category)),
			zap.Int("attempts", task.RetryCount),
			zap.Error(err))
		return domain.SyncFailed
	}

	delay := integration.RetryDelay(ie.Category, task.RetryCount)
	var se *integration.StatusError
	if errors.As(err, &se) && se.RetryAfter > delay {
		delay = se.RetryAfter
	}
	task.Status = domain.SyncRetrying
	task.NextRetryAt = now.Add(delay)
	syncOutcomes.WithLabelValues(task.Target, "retrying").Inc()
	log.Warn("sync task will retry",
		zap.String("category", string(ie.Category)),
		zap.Int("attempt", task.RetryCount),
		zap.Duration("delay", delay))
	return domain.SyncRetrying
}
