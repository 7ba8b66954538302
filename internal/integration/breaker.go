package integration

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerState mirrors gobreaker states with stable names for APIs and logs.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

var (
	breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settleops_circuit_breaker_state",
		Help: "Circuit breaker state per integration endpoint (0 closed, 1 half-open, 2 open)",
	}, []string{"integration", "identifier"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settleops_integration_failures_total",
		Help: "Classified integration failures",
	}, []string{"integration", "category"})
)

var errRecordedFailure = errors.New("recorded failure")

// BreakerConfig controls when breakers open and how long they stay open.
type BreakerConfig struct {
	Threshold    uint32
	ResetTimeout time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 60 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, ResetTimeout: 60 * time.Second}
}

// BreakerStatus is a point-in-time view of one breaker.
type BreakerStatus struct {
	Integration   Type         `json:"integration"`
	Identifier    string       `json:"identifier"`
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
	NextRetryAt   *time.Time   `json:"next_retry_at,omitempty"`
}

type breakerInfo struct {
	failures      int
	lastFailureAt time.Time
	nextRetryAt   time.Time
}

// Breakers is a registry of circuit breakers keyed by integration and
// identifier. The zero value is not usable; call NewBreakers.
type Breakers struct {
	cfg BreakerConfig
	log *zap.Logger
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	info     map[string]*breakerInfo
}

func NewBreakers(cfg BreakerConfig, log *zap.Logger) *Breakers {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &Breakers{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		info:     make(map[string]*breakerInfo),
	}
}

func breakerKey(t Type, id string) string {
	return string(t) + ":" + id
}

func (b *Breakers) get(t Type, id string) *gobreaker.CircuitBreaker {
	key := breakerKey(t, id)

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[key]; ok {
		return cb
	}

	threshold := b.cfg.Threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(t, id, from, to)
		},
	})
	b.breakers[key] = cb
	b.info[key] = &breakerInfo{}
	breakerStateGauge.WithLabelValues(string(t), id).Set(0)
	return cb
}

// onStateChange runs under gobreaker's lock; it must not call back into the breaker.
func (b *Breakers) onStateChange(t Type, id string, from, to gobreaker.State) {
	b.mu.Lock()
	if info, ok := b.info[breakerKey(t, id)]; ok && to == gobreaker.StateOpen {
		info.nextRetryAt = b.now().Add(b.cfg.ResetTimeout)
	}
	b.mu.Unlock()

	breakerStateGauge.WithLabelValues(string(t), id).Set(stateValue(to))
	b.log.Warn("circuit breaker state changed",
		zap.String("integration", string(t)),
		zap.String("identifier", id),
		zap.String("from", string(convertState(from))),
		zap.String("to", string(convertState(to))))
}

// IsOpen reports whether calls to the endpoint should be skipped. An open
// breaker whose reset timeout has elapsed reports HALF_OPEN and lets a probe through.
func (b *Breakers) IsOpen(t Type, id string) bool {
	return b.State(t, id) == StateOpen
}

// State returns the breaker state, CLOSED for endpoints never seen.
func (b *Breakers) State(t Type, id string) BreakerState {
	return convertState(b.get(t, id).State())
}

// RecordSuccess closes the breaker and clears the failure count. A breaker
// that refuses the success because it is open, or half-open with its trial call
// already taken, is rebuilt CLOSED.
func (b *Breakers) RecordSuccess(t Type, id string) {
	cb := b.get(t, id)
	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	if rejected(err) {
		b.rebuild(t, id, convertState(cb.State()))
		return
	}

	b.mu.Lock()
	if info := b.info[breakerKey(t, id)]; info != nil {
		info.failures = 0
		info.nextRetryAt = time.Time{}
	}
	b.mu.Unlock()
}

// rebuild swaps in a fresh CLOSED breaker for the endpoint, keeping the time
// of the last failure.
func (b *Breakers) rebuild(t Type, id string, from BreakerState) {
	key := breakerKey(t, id)

	b.mu.Lock()
	var last time.Time
	if info := b.info[key]; info != nil {
		last = info.lastFailureAt
	}
	delete(b.breakers, key)
	delete(b.info, key)
	b.mu.Unlock()

	b.get(t, id)

	b.mu.Lock()
	if info := b.info[key]; info != nil {
		info.lastFailureAt = last
	}
	b.mu.Unlock()

	b.log.Warn("circuit breaker state changed",
		zap.String("integration", string(t)),
		zap.String("identifier", id),
		zap.String("from", string(from)),
		zap.String("to", string(StateClosed)))
}

// rejected reports whether gobreaker refused to run the call.
func rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// RecordFailure counts a failure toward opening the breaker. Permanent
// categories are ignored, as are failures the breaker refused to admit.
func (b *Breakers) RecordFailure(t Type, c Category, id string) {
	failuresTotal.WithLabelValues(string(t), string(c)).Inc()
	if c.IsPermanent() {
		return
	}

	cb := b.get(t, id)
	_, err := cb.Execute(func() (interface{}, error) { return nil, errRecordedFailure })

	b.mu.Lock()
	if info := b.info[breakerKey(t, id)]; info != nil {
		if !rejected(err) {
			info.failures++
		}
		info.lastFailureAt = b.now()
	}
	b.mu.Unlock()
}

// NextRetryAt is when an open breaker will admit a probe; zero if not open.
func (b *Breakers) NextRetryAt(t Type, id string) time.Time {
	if !b.IsOpen(t, id) {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if info := b.info[breakerKey(t, id)]; info != nil {
		return info.nextRetryAt
	}
	return time.Time{}
}

// Reset drops the breaker for an endpoint; the next call starts CLOSED.
func (b *Breakers) Reset(t Type, id string) {
	key := breakerKey(t, id)
	b.mu.Lock()
	delete(b.breakers, key)
	delete(b.info, key)
	b.mu.Unlock()
	breakerStateGauge.WithLabelValues(string(t), id).Set(0)
}

// Snapshot returns the status of every known breaker, sorted by key.
func (b *Breakers) Snapshot() []BreakerStatus {
	type entry struct {
		key string
		cb  *gobreaker.CircuitBreaker
	}

	b.mu.Lock()
	entries := make([]entry, 0, len(b.breakers))
	for key, cb := range b.breakers {
		entries = append(entries, entry{key: key, cb: cb})
	}
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	out := make([]BreakerStatus, 0, len(entries))
	for _, e := range entries {
		state := convertState(e.cb.State())

		t, id := splitKey(e.key)
		status := BreakerStatus{Integration: t, Identifier: id, State: state}

		b.mu.Lock()
		if info := b.info[e.key]; info != nil {
			status.Failures = info.failures
			if !info.lastFailureAt.IsZero() {
				last := info.lastFailureAt
				status.LastFailureAt = &last
			}
			if state == StateOpen && !info.nextRetryAt.IsZero() {
				next := info.nextRetryAt
				status.NextRetryAt = &next
			}
		}
		b.mu.Unlock()

		out = append(out, status)
	}
	return out
}

func splitKey(key string) (Type, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return Type(key[:i]), key[i+1:]
		}
	}
	return Type(key), ""
}

func convertState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
