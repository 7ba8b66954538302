package correlation

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func fixedGenerator(random []byte) Generator {
	return Generator{
		Now:  func() time.Time { return time.UnixMilli(1700000000123) },
		Rand: bytes.NewReader(random),
	}
}

func TestGenerate_Format(t *testing.T) {
	t.Parallel()

	id := fixedGenerator([]byte{0xde, 0xad, 0xbe, 0xef}).Generate("chain", "0.0.1234@1700000000.000000001")
	assert.Equal(t, "chain_0.0.1234@1700000000.000000001_1700000000123_deadbeef", id)
}

func TestGenerate_RoundTrip(t *testing.T) {
	t.Parallel()

	id := Generate("card", "pi_3Nx_abc")
	require.True(t, IsValid(id), id)

	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "card", parsed.Source)
	assert.Equal(t, "pi-3Nx-abc", parsed.Reference, "underscores are replaced")
	assert.Equal(t, id, parsed.String())
	assert.WithinDuration(t, time.Now(), parsed.Timestamp, time.Minute)
}

func TestGenerate_Unique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := Generate("card", "pi_1")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestGenerate_EmptyPartsAndRandomFailure(t *testing.T) {
	t.Parallel()

	g := Generator{Now: func() time.Time { return time.UnixMilli(1700000000123) }, Rand: failingReader{}}
	id := g.Generate("  ", "")

	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "unknown", parsed.Source)
	assert.Equal(t, "none", parsed.Reference)
	assert.Len(t, parsed.Random, 8)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"too few segments", "card_ref_123"},
		{"non numeric timestamp", "card_ref_abc_deadbeef"},
		{"negative timestamp", "card_ref_-5_deadbeef"},
		{"short random", "card_ref_1700000000123_dead"},
		{"uppercase random", "card_ref_1700000000123_DEADBEEF"},
		{"empty source", "_ref_1700000000123_deadbeef"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.False(t, IsValid(tt.in))
		})
	}
}
