package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/ledger"
)

type linkBalanceResponse struct {
	PaymentLinkID uuid.UUID `json:"payment_link_id"`
	ledger.BalanceCheck
}

func (h *Handler) PaymentLinkBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetPaymentLink(r.Context(), id); err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	check, err := ledger.CheckPaymentLinkBalance(r.Context(), h.store, id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, linkBalanceResponse{PaymentLinkID: id, BalanceCheck: check})
}

func (h *Handler) PaymentLinkEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.store.ListLedgerEntries(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

type orgLedgerResponse struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	ledger.BalanceCheck
}

func (h *Handler) OrganizationLedgerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	check, err := ledger.CheckLedgerBalance(r.Context(), h.store, id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, orgLedgerResponse{OrganizationID: id, BalanceCheck: check})
}

func (h *Handler) OrganizationAccountsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	balances, err := ledger.GetAccountBalances(r.Context(), h.store, id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	respondWithJSON(w, http.StatusOK, balances)
}

func (h *Handler) UnbalancedLinksHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	links, err := ledger.FindUnbalancedPaymentLinks(r.Context(), h.store, id)
	if err != nil {
		h.respondWithDomainError(w, err, "")
		return
	}
	if links == nil {
		links = []ledger.UnbalancedLink{}
	}
	respondWithJSON(w, http.StatusOK, links)
}
