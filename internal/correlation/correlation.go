// Package correlation builds and parses the trace tokens that tie one
// payment flow together across logs, events and ledger idempotency keys.
//
// Format: source_reference_timestamp_random, where timestamp is Unix
// milliseconds and random is 8 lowercase hex characters.
package correlation

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const separator = "_"

var (
	ErrMalformed = errors.New("malformed correlation id")

	randomPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)
)

// ID is a parsed correlation id.
type ID struct {
	Source    string
	Reference string
	Timestamp time.Time
	Random    string
}

func (id ID) String() string {
	return strings.Join([]string{
		id.Source,
		id.Reference,
		strconv.FormatInt(id.Timestamp.UnixMilli(), 10),
		id.Random,
	}, separator)
}

// Generator produces correlation ids from a clock and a randomness source.
type Generator struct {
	Now  func() time.Time
	Rand io.Reader
}

var defaultGenerator = Generator{Now: time.Now, Rand: rand.Reader}

// Generate returns a new correlation id for source and reference.
func Generate(source, reference string) string {
	return defaultGenerator.Generate(source, reference)
}

// Generate returns a new correlation id for source and reference.
// Underscores in either part are replaced so the id stays parseable.
func (g Generator) Generate(source, reference string) string {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(g.Rand, buf); err != nil {
		// a clock-derived suffix still keeps ids distinct per millisecond
		ts := uint32(g.Now().UnixNano())
		buf = []byte{byte(ts >> 24), byte(ts >> 16), byte(ts >> 8), byte(ts)}
	}

	return ID{
		Source:    sanitize(source, "unknown"),
		Reference: sanitize(reference, "none"),
		Timestamp: g.Now(),
		Random:    hex.EncodeToString(buf),
	}.String()
}

// Parse splits a correlation id into its parts.
func Parse(raw string) (ID, error) {
	parts := strings.Split(raw, separator)
	if len(parts) < 4 {
		return ID{}, fmt.Errorf("%w: expected at least 4 segments, got %d", ErrMalformed, len(parts))
	}

	n := len(parts)
	source := parts[0]
	reference := strings.Join(parts[1:n-2], separator)
	if source == "" || reference == "" {
		return ID{}, fmt.Errorf("%w: empty source or reference", ErrMalformed)
	}

	millis, err := strconv.ParseInt(parts[n-2], 10, 64)
	if err != nil || millis <= 0 {
		return ID{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformed, parts[n-2])
	}

	random := parts[n-1]
	if !randomPattern.MatchString(random) {
		return ID{}, fmt.Errorf("%w: bad random suffix %q", ErrMalformed, random)
	}

	return ID{
		Source:    source,
		Reference: reference,
		Timestamp: time.UnixMilli(millis),
		Random:    random,
	}, nil
}

// IsValid reports whether raw parses as a correlation id.
func IsValid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

func sanitize(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return strings.ReplaceAll(s, separator, "-")
}
