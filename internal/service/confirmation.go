package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/correlation"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/export"
	"github.com/punchamoorthee/settleops/internal/integration"
	"github.com/punchamoorthee/settleops/internal/ledger"
	"github.com/punchamoorthee/settleops/internal/linkstate"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/providerref"
	"github.com/punchamoorthee/settleops/internal/store"
)

var (
	confirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_confirmations_total",
		Help: "Payment confirmations by provider and outcome",
	}, []string{"provider", "outcome"})

	confirmationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settleops_confirmation_duration_seconds",
		Help:    "Latency of payment confirmation",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

// Outcome is how a confirmation attempt ended.
type Outcome string

const (
	OutcomeConfirmed        Outcome = "CONFIRMED"
	OutcomeAlreadyProcessed Outcome = "ALREADY_PROCESSED"
	OutcomeFailed           Outcome = "FAILED"
)

// ConfirmRequest is a rail's claim that a payment link has been paid.
// FxRate is what the caller observed; the stored SETTLEMENT snapshot is what
// gets posted.
type ConfirmRequest struct {
	PaymentLinkID    uuid.UUID
	Provider         domain.Provider
	ProviderRef      string
	AmountReceived   decimal.Decimal
	CurrencyReceived string
	TokenType        string
	FxRate           *decimal.Decimal
	Metadata         domain.EventMetadata
}

// Result is the outcome of ConfirmPayment. Err is set only when Outcome is
// OutcomeFailed.
type Result struct {
	Outcome        Outcome
	PaymentEventID uuid.UUID
	CorrelationID  string
	Err            error
}

func (r Result) Success() bool { return r.Outcome != OutcomeFailed }

func (r Result) AlreadyProcessed() bool { return r.Outcome == OutcomeAlreadyProcessed }

// Retryable reports whether submitting the same request again may succeed.
func (r Result) Retryable() bool {
	if r.Outcome != OutcomeFailed {
		return false
	}
	var ie *integration.Error
	if errors.As(r.Err, &ie) {
		return !ie.Permanent
	}
	return domain.KindOf(r.Err) == domain.KindInternal
}

// Options toggles optional side effects of a confirmation.
type Options struct {
	SyncEnabled bool
	SyncTarget  string
}

// ConfirmationService turns provider confirmations into a PAID link, a
// payment event, balanced ledger entries and, optionally, a sync task, all
// in one transaction.
type ConfirmationService struct {
	store    store.Store
	poster   *ledger.Poster
	notifier notify.Notifier
	log      *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewConfirmationService(s store.Store, poster *ledger.Poster, notifier notify.Notifier, log *zap.Logger, opts Options) *ConfirmationService {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.SyncTarget == "" {
		opts.SyncTarget = domain.SyncTargetAccounting
	}
	return &ConfirmationService{
		store:    s,
		poster:   poster,
		notifier: notifier,
		log:      log,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// reject fails a request that never reached the store. The correlation id
// is built from the reference as received.
func (s *ConfirmationService) reject(req ConfirmRequest, err error) Result {
	correlationID := correlation.Generate(string(req.Provider), req.ProviderRef)
	s.log.Warn("payment confirmation rejected",
		zap.String("correlation_id", correlationID),
		zap.String("payment_link_id", req.PaymentLinkID.String()),
		zap.String("provider", string(req.Provider)),
		zap.Error(err))
	return Result{Outcome: OutcomeFailed, CorrelationID: correlationID, Err: err}
}

// confirmed carries what the transaction produced to the post-commit steps.
type confirmed struct {
	link     domain.PaymentLink
	event    domain.PaymentEvent
	existing bool
}

// ConfirmPayment records a payment exactly once. Repeating a confirmation,
// in any encoding of the same provider reference, yields
// OutcomeAlreadyProcessed with the original event id.
func (s *ConfirmationService) ConfirmPayment(ctx context.Context, req ConfirmRequest) Result {
	start := time.Now()
	provider := string(req.Provider)

	res := s.confirm(ctx, req)

	confirmationsTotal.WithLabelValues(provider, string(res.Outcome)).Inc()
	confirmationDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	return res
}

func (s *ConfirmationService) confirm(ctx context.Context, req ConfirmRequest) Result {
	if err := validateRequest(&req); err != nil {
		return s.reject(req, err)
	}

	ref, err := providerref.Normalize(req.Provider, req.ProviderRef)
	if err != nil {
		return s.reject(req, err)
	}

	correlationID := correlation.Generate(string(req.Provider), ref.Normalized)
	log := s.log.With(
		zap.String("correlation_id", correlationID),
		zap.String("payment_link_id", req.PaymentLinkID.String()),
		zap.String("provider", string(req.Provider)),
		zap.String("provider_ref", ref.Normalized))

	// Fast path. The locked re-check inside the transaction is what makes this safe.
	if prior, err := s.store.FindPaymentEventByRef(ctx, req.Provider, ref.Candidates()); err == nil {
		log.Info("payment already processed", zap.String("payment_event_id", prior.ID.String()))
		return Result{Outcome: OutcomeAlreadyProcessed, PaymentEventID: prior.ID, CorrelationID: prior.CorrelationID}
	} else if !errors.Is(err, domain.ErrNotFound) {
		log.Error("idempotency pre-check failed", zap.Error(err))
		return Result{Outcome: OutcomeFailed, CorrelationID: correlationID, Err: err}
	}

	var out confirmed
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		out = confirmed{}
		return s.confirmTx(ctx, q, req, ref, correlationID, log, &out)
	})

	if errors.Is(err, domain.ErrDuplicate) {
		// lost a race to a concurrent confirmation of the same payment
		if prior, lookupErr := s.findPrior(ctx, req, ref); lookupErr == nil {
			log.Info("concurrent confirmation won the race", zap.String("payment_event_id", prior.ID.String()))
			return Result{Outcome: OutcomeAlreadyProcessed, PaymentEventID: prior.ID, CorrelationID: prior.CorrelationID}
		}
	}
	if err != nil {
		logFn := log.Error
		if k := domain.KindOf(err); k == domain.KindNotFound || k == domain.KindValidation || k == domain.KindInvalidState {
			logFn = log.Warn
		}
		logFn("payment confirmation failed", zap.String("error_kind", string(domain.KindOf(err))), zap.Error(err))
		return Result{Outcome: OutcomeFailed, CorrelationID: correlationID, Err: err}
	}

	if out.existing {
		return Result{Outcome: OutcomeAlreadyProcessed, PaymentEventID: out.event.ID, CorrelationID: out.event.CorrelationID}
	}

	log.Info("payment confirmed",
		zap.String("payment_event_id", out.event.ID.String()),
		zap.String("amount", out.event.AmountReceived.String()),
		zap.String("currency", out.event.CurrencyReceived))

	s.notifier.Notify(notify.Notification{
		Event:          notify.EventPaymentConfirmed,
		PaymentLinkID:  out.link.ID,
		OrganizationID: out.link.OrganizationID,
		PaymentEventID: out.event.ID,
		CorrelationID:  correlationID,
		Provider:       string(req.Provider),
		Amount:         out.link.Amount,
		Currency:       out.link.Currency,
		OccurredAt:     out.event.CreatedAt,
	})

	return Result{Outcome: OutcomeConfirmed, PaymentEventID: out.event.ID, CorrelationID: correlationID}
}

func (s *ConfirmationService) confirmTx(ctx context.Context, q store.Queries, req ConfirmRequest, ref providerref.Ref,
	correlationID string, log *zap.Logger, out *confirmed) error {

	link, err := q.LockPaymentLink(ctx, req.PaymentLinkID)
	if err != nil {
		return err
	}

	if link.Status == domain.LinkStatusPaid {
		prior, err := q.FindPaymentEventByLink(ctx, link.ID, domain.EventPaymentConfirmed)
		if err != nil {
			return fmt.Errorf("paid link %s has no confirmation event: %w", link.ID, err)
		}
		if prior.Provider != req.Provider || prior.ProviderRef != ref.Normalized {
			log.Warn("paid payment link received a different payment reference, manual review required",
				zap.String("existing_provider", string(prior.Provider)),
				zap.String("existing_provider_ref", prior.ProviderRef))
		}
		out.link, out.event, out.existing = *link, *prior, true
		return nil
	}

	if link.Status != domain.LinkStatusOpen || !linkstate.IsValidTransition(link.Status, domain.LinkStatusPaid) {
		return fmt.Errorf("payment link %s is %s: %w", link.ID, link.Status, domain.ErrInvalidState)
	}

	now := s.now()
	if err := q.TransitionPaymentLink(ctx, link.ID, domain.LinkStatusOpen, domain.LinkStatusPaid, now); err != nil {
		return err
	}
	link.Status = domain.LinkStatusPaid
	link.PaidAt = &now

	event := domain.PaymentEvent{
		PaymentLinkID:    link.ID,
		Type:             domain.EventPaymentConfirmed,
		Provider:         req.Provider,
		ProviderRef:      ref.Normalized,
		ProviderRefRaw:   ref.Raw,
		CorrelationID:    correlationID,
		AmountReceived:   req.AmountReceived,
		CurrencyReceived: req.CurrencyReceived,
		Metadata:         req.Metadata,
		CreatedAt:        now,
	}
	if err := q.InsertPaymentEvent(ctx, &event); err != nil {
		return err
	}

	entries, err := s.post(ctx, q, link, req, ref, correlationID, log)
	if err != nil {
		return err
	}

	if err := ledger.ValidatePostingBalance(ctx, q, link.ID); err != nil {
		return err
	}

	if s.opts.SyncEnabled {
		payload, err := json.Marshal(export.NewPayload(link, &event, entries, now))
		if err != nil {
			return fmt.Errorf("encode export payload: %w", err)
		}
		task := domain.SyncTask{
			PaymentLinkID:  link.ID,
			PaymentEventID: event.ID,
			Target:         s.opts.SyncTarget,
			Status:         domain.SyncPending,
			NextRetryAt:    now,
			Payload:        payload,
			CreatedAt:      now,
		}
		if err := q.InsertSyncTask(ctx, &task); err != nil {
			return err
		}
	}

	out.link, out.event = *link, event
	return nil
}

func (s *ConfirmationService) post(ctx context.Context, q store.Queries, link *domain.PaymentLink, req ConfirmRequest,
	ref providerref.Ref, correlationID string, log *zap.Logger) ([]domain.LedgerEntry, error) {

	switch req.Provider {
	case domain.ProviderCard:
		if !strings.EqualFold(req.CurrencyReceived, link.Currency) {
			return nil, fmt.Errorf("%w: received %s for a %s payment link", domain.ErrValidation, req.CurrencyReceived, link.Currency)
		}
		if !req.AmountReceived.Equal(link.Amount) {
			log.Warn("card amount differs from payment link amount",
				zap.String("expected", link.Amount.String()),
				zap.String("received", req.AmountReceived.String()))
		}
		return s.poster.PostCardSettlement(ctx, q, ledger.CardSettlement{
			OrganizationID:  link.OrganizationID,
			PaymentLinkID:   link.ID,
			CorrelationID:   correlationID,
			Amount:          req.AmountReceived,
			Currency:        link.Currency,
			PaymentIntentID: ref.Normalized,
		})

	case domain.ProviderChain:
		token, ok := domain.LookupToken(req.TokenType)
		if !ok {
			return nil, fmt.Errorf("%w: token %q", domain.ErrUnknownSettlementMedium, req.TokenType)
		}
		snap, err := q.LatestFxSnapshot(ctx, link.ID, token.Symbol, domain.SnapshotSettlement)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: payment link %s token %s", domain.ErrMissingFxSnapshot, link.ID, token.Symbol)
		}
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(snap.QuoteCurrency, link.Currency) {
			return nil, fmt.Errorf("%w: snapshot quotes %s but link is %s", domain.ErrValidation, snap.QuoteCurrency, link.Currency)
		}
		if req.FxRate != nil && !req.FxRate.Equal(snap.Rate) {
			log.Warn("reported fx rate differs from settlement snapshot, using snapshot",
				zap.String("reported_rate", req.FxRate.String()),
				zap.String("snapshot_rate", snap.Rate.String()))
		}
		return s.poster.PostTokenSettlement(ctx, q, ledger.TokenSettlement{
			OrganizationID: link.OrganizationID,
			PaymentLinkID:  link.ID,
			CorrelationID:  correlationID,
			TokenType:      token.Symbol,
			TokenAmount:    req.AmountReceived,
			Rate:           snap.Rate,
			QuoteCurrency:  link.Currency,
			TransactionID:  ref.Normalized,
		})

	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSettlementMedium, req.Provider)
	}
}

func (s *ConfirmationService) findPrior(ctx context.Context, req ConfirmRequest, ref providerref.Ref) (*domain.PaymentEvent, error) {
	prior, err := s.store.FindPaymentEventByRef(ctx, req.Provider, ref.Candidates())
	if err == nil {
		return prior, nil
	}
	return s.store.FindPaymentEventByLink(ctx, req.PaymentLinkID, domain.EventPaymentConfirmed)
}

func validateRequest(req *ConfirmRequest) error {
	switch {
	case req.PaymentLinkID == uuid.Nil:
		return fmt.Errorf("%w: payment link id is required", domain.ErrValidation)
	case !req.Provider.Valid():
		return fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, req.Provider)
	case !req.AmountReceived.IsPositive():
		return fmt.Errorf("%w: amount received must be positive", domain.ErrValidation)
	case req.Provider == domain.ProviderCard && strings.TrimSpace(req.CurrencyReceived) == "":
		return fmt.Errorf("%w: currency is required for card payments", domain.ErrValidation)
	case req.Provider == domain.ProviderChain && strings.TrimSpace(req.TokenType) == "":
		return fmt.Errorf("%w: token type is required for chain payments", domain.ErrValidation)
	case req.FxRate != nil && !req.FxRate.IsPositive():
		return fmt.Errorf("%w: fx rate must be positive", domain.ErrValidation)
	}

	if req.CurrencyReceived == "" && req.Provider == domain.ProviderChain {
		req.CurrencyReceived = strings.ToUpper(req.TokenType)
	}

	if req.Metadata.Kind == "" {
		switch req.Provider {
		case domain.ProviderCard:
			req.Metadata = domain.CardMetadata(domain.CardDetails{PaymentIntentID: strings.TrimSpace(req.ProviderRef)})
		case domain.ProviderChain:
			req.Metadata = domain.ChainMetadata(domain.ChainDetails{
				TransactionID: strings.TrimSpace(req.ProviderRef),
				TokenType:     strings.ToUpper(req.TokenType),
				FxRate:        req.FxRate,
			})
		}
	}
	if req.Metadata.Kind != req.Provider {
		return fmt.Errorf("%w: metadata kind %q does not match provider %q", domain.ErrValidation, req.Metadata.Kind, req.Provider)
	}
	return req.Metadata.Validate()
}
