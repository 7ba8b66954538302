// Package jobs holds the background jobs the scheduler runs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/export"
	"github.com/punchamoorthee/settleops/internal/ledger"
	"github.com/punchamoorthee/settleops/internal/linkstate"
	"github.com/punchamoorthee/settleops/internal/scheduler"
	"github.com/punchamoorthee/settleops/internal/store"
)

const (
	ExpirePaymentLinks = "expire-payment-links"
	DrainSyncQueue     = "drain-sync-queue"
	ReconcileLedger    = "reconcile-ledger"
)

// expiryBatch bounds how many links one expiry run touches.
const expiryBatch = 500

var unbalancedLinks = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "settleops_unbalanced_payment_links",
	Help: "Payment links whose postings do not balance, per organization, as of the last reconciliation",
}, []string{"organization"})

// Expirer moves OPEN links past their expiry to EXPIRED.
type Expirer struct {
	queries store.Queries
	log     *zap.Logger
	now     func() time.Time
}

func NewExpirer(q store.Queries, log *zap.Logger) *Expirer {
	return &Expirer{queries: q, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Run is a scheduler.JobFunc. A link confirmed between the listing and the
// update loses the conditional update and is counted as skipped.
func (e *Expirer) Run(ctx context.Context) (scheduler.JobResult, error) {
	now := e.now()
	links, err := e.queries.ListExpiredPaymentLinks(ctx, now, expiryBatch)
	if err != nil {
		return scheduler.JobResult{}, fmt.Errorf("list expired payment links: %w", err)
	}

	var expired, skipped int
	for _, link := range links {
		if !linkstate.IsValidTransition(link.Status, domain.LinkStatusExpired) {
			skipped++
			continue
		}
		err := e.queries.TransitionPaymentLink(ctx, link.ID, link.Status, domain.LinkStatusExpired, now)
		switch {
		case err == nil:
			expired++
			e.log.Info("payment link expired",
				zap.String("payment_link_id", link.ID.String()),
				zap.Timep("expires_at", link.ExpiresAt))
		case errors.Is(err, domain.ErrInvalidState):
			skipped++
		default:
			return scheduler.JobResult{}, fmt.Errorf("expire payment link %s: %w", link.ID, err)
		}
	}

	return scheduler.JobResult{
		Success: true,
		Message: fmt.Sprintf("expired %d payment links", expired),
		Data:    map[string]any{"candidates": len(links), "expired": expired, "skipped": skipped},
	}, nil
}

// Drainer is a scheduler.JobFunc over an export processor.
func Drainer(p *export.Processor) scheduler.JobFunc {
	return func(ctx context.Context) (scheduler.JobResult, error) {
		res, err := p.Drain(ctx)
		if err != nil {
			return scheduler.JobResult{}, err
		}
		return scheduler.JobResult{
			Success: true,
			Message: fmt.Sprintf("drained %d sync tasks", res.Due),
			Data: map[string]any{
				"due":       res.Due,
				"skipped":   res.Skipped,
				"succeeded": res.Succeeded,
				"retrying":  res.Retrying,
				"failed":    res.Failed,
				"deferred":  res.Deferred,
			},
		}, nil
	}
}

// Reconciler scans every organization for unbalanced payment links.
type Reconciler struct {
	queries store.Queries
	log     *zap.Logger
}

func NewReconciler(q store.Queries, log *zap.Logger) *Reconciler {
	return &Reconciler{queries: q, log: log}
}

// Run reports failure when any link is unbalanced so the job history
// surfaces it.
func (r *Reconciler) Run(ctx context.Context) (scheduler.JobResult, error) {
	orgs, err := r.queries.ListOrganizations(ctx)
	if err != nil {
		return scheduler.JobResult{}, fmt.Errorf("list organizations: %w", err)
	}

	total := 0
	byOrg := make(map[string]int)
	for _, org := range orgs {
		unbalanced, err := ledger.FindUnbalancedPaymentLinks(ctx, r.queries, org)
		if err != nil {
			return scheduler.JobResult{}, fmt.Errorf("reconcile organization %s: %w", org, err)
		}
		unbalancedLinks.WithLabelValues(org.String()).Set(float64(len(unbalanced)))
		if len(unbalanced) == 0 {
			continue
		}

		total += len(unbalanced)
		byOrg[org.String()] = len(unbalanced)
		for _, u := range unbalanced {
			r.log.Error("unbalanced payment link",
				zap.String("organization_id", org.String()),
				zap.String("payment_link_id", u.PaymentLinkID.String()),
				zap.String("debits", u.Debits.StringFixed(2)),
				zap.String("credits", u.Credits.StringFixed(2)),
				zap.String("variance", u.Variance.StringFixed(2)))
		}
	}

	res := scheduler.JobResult{
		Success: total == 0,
		Data:    map[string]any{"organizations": len(orgs), "unbalanced": total},
	}
	if total == 0 {
		res.Message = fmt.Sprintf("%d organizations balanced", len(orgs))
		return res, nil
	}
	res.Message = fmt.Sprintf("%d unbalanced payment links", total)
	res.Data["by_organization"] = byOrg
	res.Error = domain.ErrImbalance.Error()
	return res, nil
}

// Config selects which jobs run and how often.
type Config struct {
	ExpiryInterval    time.Duration
	ExpiryEnabled     bool
	SyncInterval      time.Duration
	SyncEnabled       bool
	ReconcileInterval time.Duration
	ReconcileEnabled  bool
}

// All returns the standard job set.
func All(cfg Config, q store.Queries, processor *export.Processor, log *zap.Logger) []scheduler.Job {
	return []scheduler.Job{
		{Name: ExpirePaymentLinks, Interval: cfg.ExpiryInterval, Enabled: cfg.ExpiryEnabled, Fn: NewExpirer(q, log).Run},
		{Name: DrainSyncQueue, Interval: cfg.SyncInterval, Enabled: cfg.SyncEnabled && processor != nil, Fn: drainerOrNop(processor)},
		{Name: ReconcileLedger, Interval: cfg.ReconcileInterval, Enabled: cfg.ReconcileEnabled, Fn: NewReconciler(q, log).Run},
	}
}

func drainerOrNop(p *export.Processor) scheduler.JobFunc {
	if p == nil {
		return func(context.Context) (scheduler.JobResult, error) {
			return scheduler.JobResult{Success: true, Message: "sync disabled"}, nil
		}
	}
	return Drainer(p)
}
