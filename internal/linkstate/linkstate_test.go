package linkstate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/punchamoorthee/settleops/internal/domain"
)

var allStatuses = []domain.LinkStatus{
	domain.LinkStatusDraft,
	domain.LinkStatusOpen,
	domain.LinkStatusPaid,
	domain.LinkStatusExpired,
	domain.LinkStatusCanceled,
}

func TestIsValidTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from domain.LinkStatus
		to   domain.LinkStatus
		want bool
	}{
		{"draft to open", domain.LinkStatusDraft, domain.LinkStatusOpen, true},
		{"open to paid", domain.LinkStatusOpen, domain.LinkStatusPaid, true},
		{"open to expired", domain.LinkStatusOpen, domain.LinkStatusExpired, true},
		{"open to canceled", domain.LinkStatusOpen, domain.LinkStatusCanceled, true},
		{"paid to open", domain.LinkStatusPaid, domain.LinkStatusOpen, false},
		{"draft to paid skips open", domain.LinkStatusDraft, domain.LinkStatusPaid, false},
		{"expired to paid", domain.LinkStatusExpired, domain.LinkStatusPaid, false},
		{"canceled to open", domain.LinkStatusCanceled, domain.LinkStatusOpen, false},
		{"unknown source", domain.LinkStatus("ARCHIVED"), domain.LinkStatusOpen, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestNoSelfTransitions(t *testing.T) {
	t.Parallel()

	for _, s := range allStatuses {
		assert.False(t, IsValidTransition(s, s), "status %s must not transition to itself", s)
		assert.NotContains(t, ValidNextStates(s), s)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	t.Parallel()

	for _, s := range allStatuses {
		if !IsTerminal(s) {
			continue
		}
		assert.Empty(t, ValidNextStates(s), "terminal status %s", s)
		for _, to := range allStatuses {
			assert.False(t, IsValidTransition(s, to))
		}
	}
}

func TestValidNextStates(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		[]domain.LinkStatus{domain.LinkStatusCanceled, domain.LinkStatusExpired, domain.LinkStatusPaid},
		ValidNextStates(domain.LinkStatusOpen))
	assert.Equal(t, []domain.LinkStatus{domain.LinkStatusOpen}, ValidNextStates(domain.LinkStatusDraft))

	// callers may mutate the result without touching the table
	next := ValidNextStates(domain.LinkStatusOpen)
	next[0] = domain.LinkStatusDraft
	assert.False(t, IsValidTransition(domain.LinkStatusOpen, domain.LinkStatusDraft))
}
