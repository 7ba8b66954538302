package fxrate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/store"
)

// Service resolves quotes through the cache and records FX snapshots.
type Service struct {
	provider Provider
	cache    Cache
	log      *zap.Logger
	now      func() time.Time
}

// NewService returns a Service. cache may be nil.
func NewService(provider Provider, cache Cache, log *zap.Logger) *Service {
	return &Service{provider: provider, cache: cache, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Quote returns a cached quote when one is available, otherwise a live one.
// Cache failures degrade to a live lookup.
func (s *Service) Quote(ctx context.Context, token, currency string) (Quote, error) {
	if s.cache != nil {
		q, ok, err := s.cache.Get(ctx, token, currency)
		if err != nil {
			s.log.Warn("fx rate cache unavailable", zap.String("token", token), zap.Error(err))
		} else if ok {
			return q, nil
		}
	}
	return s.live(ctx, token, currency)
}

func (s *Service) live(ctx context.Context, token, currency string) (Quote, error) {
	q, err := s.provider.Quote(ctx, token, currency)
	if err != nil {
		return Quote{}, fmt.Errorf("fetch %s/%s rate: %w", token, currency, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, q); err != nil {
			s.log.Warn("fx rate cache write failed", zap.String("token", token), zap.Error(err))
		}
	}
	return q, nil
}

// CaptureSnapshot records the rate for token on the link. SETTLEMENT
// snapshots always use a live quote; CREATION snapshots may be served from
// the cache.
func (s *Service) CaptureSnapshot(ctx context.Context, q store.Queries, link *domain.PaymentLink, token string, snapshotType domain.SnapshotType) (*domain.FxSnapshot, error) {
	tok, ok := domain.LookupToken(token)
	if !ok {
		return nil, fmt.Errorf("%w: token %q", domain.ErrUnknownSettlementMedium, token)
	}

	var (
		quote Quote
		err   error
	)
	switch snapshotType {
	case domain.SnapshotSettlement:
		quote, err = s.live(ctx, tok.Symbol, link.Currency)
	case domain.SnapshotCreation:
		quote, err = s.Quote(ctx, tok.Symbol, link.Currency)
	default:
		return nil, fmt.Errorf("%w: snapshot type %q", domain.ErrValidation, snapshotType)
	}
	if err != nil {
		return nil, err
	}

	snap := &domain.FxSnapshot{
		ID:            uuid.New(),
		PaymentLinkID: link.ID,
		TokenType:     tok.Symbol,
		QuoteCurrency: quote.Currency,
		Rate:          quote.Rate,
		SnapshotType:  snapshotType,
		Source:        quote.Source,
		CapturedAt:    s.now(),
	}
	if err := q.InsertFxSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert fx snapshot: %w", err)
	}

	s.log.Info("fx snapshot captured",
		zap.String("payment_link_id", link.ID.String()),
		zap.String("token", tok.Symbol),
		zap.String("snapshot_type", string(snapshotType)),
		zap.String("rate", quote.Rate.String()))
	return snap, nil
}
