package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/rails/card"
	"github.com/punchamoorthee/settleops/internal/service"
)

type createPaymentLinkRequest struct {
	OrganizationID   string          `json:"organization_id" validate:"required,uuid"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" validate:"required,len=3,alpha"`
	Description      string          `json:"description" validate:"max=500"`
	ExpiresInSeconds int64           `json:"expires_in_seconds" validate:"gte=0"`
	QuoteTokens      []string        `json:"quote_tokens" validate:"dive,required"`
}

type createPaymentLinkResponse struct {
	*domain.PaymentLink
	Snapshots []domain.FxSnapshot `json:"fx_snapshots,omitempty"`
}

// CreatePaymentLinkHandler opens a new link. quote_tokens capture a CREATION
// snapshot per token; a failed quote does not block the link.
func (h *Handler) CreatePaymentLinkHandler(w http.ResponseWriter, r *http.Request) {
	var req createPaymentLinkRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		respondWithError(w, http.StatusUnprocessableEntity, "Positive amount required")
		return
	}

	now := h.now()
	link := &domain.PaymentLink{
		ID:             uuid.New(),
		OrganizationID: uuid.MustParse(req.OrganizationID),
		Status:         domain.LinkStatusOpen,
		Amount:         req.Amount.Round(2),
		Currency:       strings.ToUpper(req.Currency),
		Description:    req.Description,
		CreatedAt:      now,
	}
	if req.ExpiresInSeconds > 0 {
		exp := now.Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		link.ExpiresAt = &exp
	}
	if err := h.store.CreatePaymentLink(r.Context(), link); err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}

	resp := createPaymentLinkResponse{PaymentLink: link}
	if h.fx != nil {
		for _, token := range req.QuoteTokens {
			snap, err := h.fx.CaptureSnapshot(r.Context(), h.store, link, token, domain.SnapshotCreation)
			if err != nil {
				h.log.Warn("creation fx snapshot failed",
					zap.String("payment_link_id", link.ID.String()), zap.String("token", token), zap.Error(err))
				continue
			}
			resp.Snapshots = append(resp.Snapshots, *snap)
		}
	}

	w.Header().Set("Location", "/api/v1/payment-links/"+link.ID.String())
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetPaymentLinkHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	link, err := h.store.GetPaymentLink(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, link)
}

type captureSnapshotRequest struct {
	TokenType    string `json:"token_type" validate:"required"`
	SnapshotType string `json:"snapshot_type" validate:"required,oneof=CREATION SETTLEMENT"`
}

func (h *Handler) CaptureSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if h.fx == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Exchange rates not configured")
		return
	}
	var req captureSnapshotRequest
	if !h.decode(w, r, &req) {
		return
	}

	link, err := h.store.GetPaymentLink(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	snap, err := h.fx.CaptureSnapshot(r.Context(), h.store, link, req.TokenType, domain.SnapshotType(req.SnapshotType))
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	respondWithJSON(w, http.StatusCreated, snap)
}

type confirmPaymentRequest struct {
	PaymentLinkID    string                `json:"payment_link_id" validate:"required,uuid"`
	Provider         string                `json:"provider" validate:"required,oneof=card chain"`
	ProviderRef      string                `json:"provider_ref" validate:"required"`
	AmountReceived   decimal.Decimal       `json:"amount_received"`
	CurrencyReceived string                `json:"currency_received"`
	TokenType        string                `json:"token_type" validate:"required_if=Provider chain"`
	FxRate           *decimal.Decimal      `json:"fx_rate"`
	Metadata         *domain.EventMetadata `json:"metadata"`
}

type confirmationResponse struct {
	Success          bool   `json:"success"`
	PaymentEventID   string `json:"payment_event_id,omitempty"`
	AlreadyProcessed bool   `json:"already_processed"`
	CorrelationID    string `json:"correlation_id,omitempty"`
}

func (h *Handler) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	cr := service.ConfirmRequest{
		PaymentLinkID:    uuid.MustParse(req.PaymentLinkID),
		Provider:         domain.Provider(req.Provider),
		ProviderRef:      req.ProviderRef,
		AmountReceived:   req.AmountReceived,
		CurrencyReceived: strings.ToUpper(req.CurrencyReceived),
		TokenType:        req.TokenType,
		FxRate:           req.FxRate,
	}
	if req.Metadata != nil {
		cr.Metadata = *req.Metadata
	}
	h.respondWithResult(w, h.confirmations.ConfirmPayment(r.Context(), cr))
}

// CardWebhookHandler verifies and applies a card-rail webhook. Event types
// that do not confirm a payment are acknowledged with 200 so the rail stops
// redelivering them.
func (h *Handler) CardWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Stream read error")
		return
	}

	if err := card.Verify(body, r.Header.Get(card.SignatureHeader), h.webhookSecret, h.now(), card.DefaultTolerance); err != nil {
		h.log.Warn("card webhook rejected", zap.Error(err))
		respondWithError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ev, err := card.ParseEvent(body)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	req, ok, err := card.ConfirmRequest(ev)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	if !ok {
		h.log.Debug("card webhook ignored", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	h.respondWithResult(w, h.confirmations.ConfirmPayment(r.Context(), req))
}

type chainConfirmationRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	TokenType     string `json:"token_type" validate:"required"`
}

func (h *Handler) ChainConfirmationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if h.chain == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Chain confirmations not configured")
		return
	}
	var req chainConfirmationRequest
	if !h.decode(w, r, &req) {
		return
	}

	link, err := h.store.GetPaymentLink(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	cr, err := h.chain.BuildRequest(r.Context(), link, req.TransactionID, req.TokenType)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	h.respondWithResult(w, h.confirmations.ConfirmPayment(r.Context(), cr))
}

func (h *Handler) respondWithResult(w http.ResponseWriter, res service.Result) {
	if !res.Success() {
		err := res.Err
		if err == nil {
			err = errors.New("confirmation failed")
		}
		h.respondWithDomainError(w, err, res.CorrelationID)
		return
	}

	resp := confirmationResponse{
		Success:          true,
		AlreadyProcessed: res.AlreadyProcessed(),
		CorrelationID:    res.CorrelationID,
	}
	if res.PaymentEventID != uuid.Nil {
		resp.PaymentEventID = res.PaymentEventID.String()
	}
	respondWithJSON(w, http.StatusOK, resp)
}
