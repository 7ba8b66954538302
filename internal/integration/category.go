// Package integration classifies failures of external calls, decides how
// they are retried and keeps per-endpoint circuit breakers.
package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
)

// Type names an external collaborator.
type Type string

const (
	CardAPI          Type = "card_api"
	ChainMirror      Type = "chain_mirror"
	AccountingExport Type = "accounting_export"
	ExchangeRate     Type = "exchange_rate"
	WebhookDelivery  Type = "webhook_delivery"
)

// Category is the failure class that drives retry and breaker decisions.
type Category string

const (
	CategoryNetwork     Category = "NETWORK"
	CategoryRateLimit   Category = "RATE_LIMIT"
	CategoryAuth        Category = "AUTH"
	CategoryValidation  Category = "VALIDATION"
	CategoryNotFound    Category = "NOT_FOUND"
	CategoryServerError Category = "SERVER_ERROR"
	CategoryTimeout     Category = "TIMEOUT"
	CategoryUnknown     Category = "UNKNOWN"
)

// IsPermanent reports whether retrying can never succeed.
func (c Category) IsPermanent() bool {
	switch c {
	case CategoryValidation, CategoryNotFound, CategoryAuth:
		return true
	default:
		return false
	}
}

// ErrCircuitOpen is returned without calling out when a breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// StatusError is a non-2xx HTTP response from a collaborator.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Error is a classified integration failure.
type Error struct {
	Integration Type
	Category    Category
	Permanent   bool
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failure: %v", e.Integration, strings.ToLower(string(e.Category)), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Kind() domain.ErrorKind { return domain.KindIntegration }

// Classify wraps err as an *Error for integration t.
func Classify(t Type, err error) *Error {
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	c := Categorize(t, err)
	return &Error{Integration: t, Category: c, Permanent: c.IsPermanent(), Err: err}
}

// Categorize maps err onto a Category, first by structure (HTTP status,
// deadlines, socket errors) and then by provider error text.
func Categorize(t Type, err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var ie *Error
	if errors.As(err, &ie) {
		return ie.Category
	}

	var se *StatusError
	if errors.As(err, &se) {
		return categorizeStatus(se.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr), errors.As(err, &opErr),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return CategoryNetwork
	}

	return categorizeMessage(t, strings.ToLower(err.Error()))
}

func categorizeStatus(code int) Category {
	switch {
	case code == http.StatusTooManyRequests:
		return CategoryRateLimit
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return CategoryAuth
	case code == http.StatusNotFound:
		return CategoryNotFound
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return CategoryTimeout
	case code >= 500:
		return CategoryServerError
	case code >= 400:
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

var providerPatterns = map[Type][]struct {
	substr   string
	category Category
}{
	CardAPI: {
		{"rate_limit", CategoryRateLimit},
		{"card_declined", CategoryValidation},
		{"invalid_request_error", CategoryValidation},
		{"authentication_error", CategoryAuth},
		{"api_connection_error", CategoryNetwork},
	},
	ChainMirror: {
		{"invalid_transaction", CategoryValidation},
		{"busy", CategoryRateLimit},
		{"platform_not_active", CategoryServerError},
	},
	AccountingExport: {
		{"token expired", CategoryAuth},
		{"throttl", CategoryRateLimit},
		{"duplicate", CategoryValidation},
	},
}

var genericPatterns = []struct {
	substr   string
	category Category
}{
	{"rate limit", CategoryRateLimit},
	{"too many requests", CategoryRateLimit},
	{"timeout", CategoryTimeout},
	{"timed out", CategoryTimeout},
	{"unauthorized", CategoryAuth},
	{"forbidden", CategoryAuth},
	{"invalid api key", CategoryAuth},
	{"not found", CategoryNotFound},
	{"connection refused", CategoryNetwork},
	{"connection reset", CategoryNetwork},
	{"no such host", CategoryNetwork},
	{"network", CategoryNetwork},
	{"internal server error", CategoryServerError},
	{"service unavailable", CategoryServerError},
	{"bad gateway", CategoryServerError},
	{"validation", CategoryValidation},
	{"invalid", CategoryValidation},
}

func categorizeMessage(t Type, msg string) Category {
	for _, p := range providerPatterns[t] {
		if strings.Contains(msg, p.substr) {
			return p.category
		}
	}
	for _, p := range genericPatterns {
		if strings.Contains(msg, p.substr) {
			return p.category
		}
	}
	return CategoryUnknown
}
