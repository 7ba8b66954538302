// Package linkstate holds the transition rules of the payment link lifecycle.
//
//	DRAFT -> OPEN
//	OPEN  -> PAID | EXPIRED | CANCELED
//
// PAID, EXPIRED and CANCELED are terminal.
package linkstate

import (
	"sort"

	"github.com/punchamoorthee/settleops/internal/domain"
)

var transitions = map[domain.LinkStatus][]domain.LinkStatus{
	domain.LinkStatusDraft: {domain.LinkStatusOpen},
	domain.LinkStatusOpen:  {domain.LinkStatusPaid, domain.LinkStatusExpired, domain.LinkStatusCanceled},
}

// IsValidTransition reports whether a link in status from may move to status to.
func IsValidTransition(from, to domain.LinkStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidNextStates returns the statuses reachable from from in one step, sorted.
func ValidNextStates(from domain.LinkStatus) []domain.LinkStatus {
	next := append([]domain.LinkStatus(nil), transitions[from]...)
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next
}

// IsTerminal reports whether no transition leaves status s.
func IsTerminal(s domain.LinkStatus) bool {
	switch s {
	case domain.LinkStatusPaid, domain.LinkStatusExpired, domain.LinkStatusCanceled:
		return true
	default:
		return false
	}
}
