package integration

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds every external call made through a Handler.
const DefaultTimeout = 8 * time.Second

// Handler runs external calls behind a breaker and a deadline and turns
// their failures into classified *Error values.
type Handler struct {
	breakers *Breakers
	timeout  time.Duration
	log      *zap.Logger
}

func NewHandler(breakers *Breakers, timeout time.Duration, log *zap.Logger) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handler{breakers: breakers, timeout: timeout, log: log}
}

func (h *Handler) Breakers() *Breakers { return h.breakers }

// Call runs fn against endpoint id of integration t. When the breaker is
// open fn is not invoked and the returned error wraps ErrCircuitOpen.
func (h *Handler) Call(ctx context.Context, t Type, id string, fn func(ctx context.Context) error) error {
	if h.breakers.IsOpen(t, id) {
		return &Error{
			Integration: t,
			Category:    CategoryServerError,
			Err:         fmt.Errorf("%s %s: %w", t, id, ErrCircuitOpen),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		h.breakers.RecordSuccess(t, id)
		return nil
	}

	// a deadline we imposed surfaces as a timeout even if fn wrapped it oddly
	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}

	ie := Classify(t, err)
	h.breakers.RecordFailure(t, ie.Category, id)

	logFn := h.log.Warn
	if ie.Permanent {
		logFn = h.log.Error
	}
	logFn("integration call failed",
		zap.String("integration", string(t)),
		zap.String("identifier", id),
		zap.String("category", string(ie.Category)),
		zap.Bool("permanent", ie.Permanent),
		zap.Error(err))
	return ie
}
