package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidState            = errors.New("invalid state transition")
	ErrDuplicate               = errors.New("duplicate record")
	ErrValidation              = errors.New("validation failed")
	ErrImbalance               = errors.New("ledger imbalance")
	ErrMissingFxSnapshot       = errors.New("settlement fx snapshot missing")
	ErrUnknownSettlementMedium = errors.New("unknown settlement medium")
)

// ImbalanceError reports a payment link whose postings do not balance.
type ImbalanceError struct {
	PaymentLinkID uuid.UUID
	Debits        decimal.Decimal
	Credits       decimal.Decimal
	Variance      decimal.Decimal
	Entries       int
}

func (e *ImbalanceError) Error() string {
	return fmt.Sprintf("ledger imbalance for payment link %s: debits=%s credits=%s variance=%s entries=%d",
		e.PaymentLinkID, e.Debits.StringFixed(2), e.Credits.StringFixed(2), e.Variance.StringFixed(2), e.Entries)
}

func (e *ImbalanceError) Is(target error) bool {
	return target == ErrImbalance
}

// ErrorKind groups errors the way callers react to them.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindInvalidState ErrorKind = "INVALID_STATE"
	KindImbalance    ErrorKind = "IMBALANCE"
	KindValidation   ErrorKind = "VALIDATION"
	KindIntegration  ErrorKind = "INTEGRATION"
	KindInternal     ErrorKind = "INTERNAL"
)

// kinded is implemented by errors from outside this package that know their kind.
type kinded interface {
	Kind() ErrorKind
}

// KindOf maps err onto the error taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrImbalance):
		return KindImbalance
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMissingFxSnapshot), errors.Is(err, ErrUnknownSettlementMedium):
		return KindValidation
	default:
		return KindInternal
	}
}
