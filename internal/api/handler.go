package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/fxrate"
	"github.com/punchamoorthee/settleops/internal/integration"
	"github.com/punchamoorthee/settleops/internal/rails/chain"
	"github.com/punchamoorthee/settleops/internal/scheduler"
	"github.com/punchamoorthee/settleops/internal/service"
	"github.com/punchamoorthee/settleops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settleops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})
)

// maxBodyBytes caps request bodies, webhooks included.
const maxBodyBytes = 1 << 20

// Deps are the collaborators a Handler serves. Chain and FX may be nil when
// those rails are not configured.
type Deps struct {
	Store             store.Store
	Confirmations     *service.ConfirmationService
	Chain             *chain.Confirmer
	FX                *fxrate.Service
	Scheduler         *scheduler.Scheduler
	Breakers          *integration.Breakers
	CardWebhookSecret string
	Log               *zap.Logger
}

type Handler struct {
	store         store.Store
	confirmations *service.ConfirmationService
	chain         *chain.Confirmer
	fx            *fxrate.Service
	scheduler     *scheduler.Scheduler
	breakers      *integration.Breakers
	webhookSecret string
	log           *zap.Logger
	validate      *validator.Validate
	now           func() time.Time
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		store:         d.Store,
		confirmations: d.Confirmations,
		chain:         d.Chain,
		fx:            d.FX,
		scheduler:     d.Scheduler,
		breakers:      d.Breakers,
		webhookSecret: d.CardWebhookSecret,
		log:           d.Log,
		validate:      validator.New(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.instrument("/health", h.HealthCheckHandler)).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	route := func(method, path string, fn http.HandlerFunc) {
		v1.HandleFunc(path, h.instrument("/api/v1"+path, fn)).Methods(method)
	}

	route(http.MethodPost, "/payment-links", h.CreatePaymentLinkHandler)
	route(http.MethodGet, "/payment-links/{id}", h.GetPaymentLinkHandler)
	route(http.MethodPost, "/payment-links/{id}/fx-snapshots", h.CaptureSnapshotHandler)
	route(http.MethodPost, "/payment-links/{id}/chain-confirmations", h.ChainConfirmationHandler)
	route(http.MethodGet, "/payment-links/{id}/balance", h.PaymentLinkBalanceHandler)
	route(http.MethodGet, "/payment-links/{id}/entries", h.PaymentLinkEntriesHandler)

	route(http.MethodPost, "/confirmations", h.ConfirmPaymentHandler)
	route(http.MethodPost, "/webhooks/card", h.CardWebhookHandler)

	route(http.MethodGet, "/organizations/{id}/ledger", h.OrganizationLedgerHandler)
	route(http.MethodGet, "/organizations/{id}/accounts", h.OrganizationAccountsHandler)
	route(http.MethodGet, "/organizations/{id}/unbalanced", h.UnbalancedLinksHandler)

	route(http.MethodGet, "/jobs", h.ListJobsHandler)
	route(http.MethodPost, "/jobs/{name}/run", h.RunJobHandler)

	route(http.MethodGet, "/integrations/breakers", h.ListBreakersHandler)
	route(http.MethodDelete, "/integrations/breakers/{integration}/{identifier}", h.ResetBreakerHandler)

	route(http.MethodGet, "/sync-tasks/stats", h.SyncTaskStatsHandler)
	route(http.MethodGet, "/sync-tasks/{id}", h.GetSyncTaskHandler)
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency under the route template.
func (h *Handler) instrument(endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r.Body = http.MaxBytesReader(rec, r.Body, maxBodyBytes)
		fn(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

// statusFor maps an error onto an HTTP status through the error taxonomy.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState:
		return http.StatusConflict
	case domain.KindValidation, domain.KindImbalance:
		return http.StatusUnprocessableEntity
	case domain.KindIntegration:
		if errors.Is(err, integration.ErrCircuitOpen) {
			return http.StatusServiceUnavailable
		}
		// the upstream answered; the record it was asked for does not exist
		var ie *integration.Error
		if errors.As(err, &ie) && ie.Category == integration.CategoryNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error         string           `json:"error"`
	Kind          domain.ErrorKind `json:"kind,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, err error, correlationID string) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("correlation_id", correlationID), zap.Error(err))
		msg = "Internal Server Error"
	}
	respondWithJSON(w, code, errorResponse{Error: msg, Kind: domain.KindOf(err), CorrelationID: correlationID})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[key])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid "+key)
		return uuid.Nil, false
	}
	return id, true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
