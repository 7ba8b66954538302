// Package providerref normalizes the external references rails attach to a
// payment so that every encoding of one payment maps to one identity.
//
// Distributed-ledger transaction ids appear as
//
//	0.0.1234@1700000000.123456789   (SDK form, canonical)
//	0.0.1234-1700000000-123456789   (mirror API form)
//	0.0.1234-1700000000.123456789   (mixed form)
package providerref

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/punchamoorthee/settleops/internal/domain"
)

var (
	canonicalChainRef = regexp.MustCompile(`^(\d+\.\d+\.\d+)@(\d+)\.(\d+)$`)
	dashedChainRef    = regexp.MustCompile(`^(\d+\.\d+\.\d+)-(\d+)[-.](\d+)$`)
)

// Ref is a reference in canonical form together with what the rail sent.
type Ref struct {
	Normalized string
	Raw        string
}

// Normalize converts raw into the canonical form for provider.
func Normalize(provider domain.Provider, raw string) (Ref, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("%w: provider reference is required", domain.ErrValidation)
	}

	switch provider {
	case domain.ProviderCard:
		return Ref{Normalized: trimmed, Raw: raw}, nil
	case domain.ProviderChain:
		n, err := NormalizeChainTransactionID(trimmed)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Normalized: n, Raw: raw}, nil
	default:
		return Ref{}, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, provider)
	}
}

// NormalizeChainTransactionID returns the account@seconds.nanos form of id.
func NormalizeChainTransactionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if m := canonicalChainRef.FindStringSubmatch(id); m != nil {
		return m[1] + "@" + m[2] + "." + m[3], nil
	}
	if m := dashedChainRef.FindStringSubmatch(id); m != nil {
		return m[1] + "@" + m[2] + "." + m[3], nil
	}
	return "", fmt.Errorf("%w: unrecognized transaction id %q", domain.ErrValidation, id)
}

// MirrorTransactionID returns the dashed form the mirror API expects in URLs.
func MirrorTransactionID(id string) (string, error) {
	canonical, err := NormalizeChainTransactionID(id)
	if err != nil {
		return "", err
	}
	account, ts, _ := strings.Cut(canonical, "@")
	return account + "-" + strings.Replace(ts, ".", "-", 1), nil
}

// Candidates returns the distinct references to search when looking up an
// earlier event: the normalized form and the raw form, in that order.
func (r Ref) Candidates() []string {
	raw := strings.TrimSpace(r.Raw)
	if raw == "" || raw == r.Normalized {
		return []string{r.Normalized}
	}
	return []string{r.Normalized, raw}
}
