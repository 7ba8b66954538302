package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@db:5432/settle?sslmode=disable", "pgx5://u:p@db:5432/settle?sslmode=disable"},
		{"postgresql://u:p@db/settle", "pgx5://u:p@db/settle"},
		{"pgx5://db/settle", "pgx5://db/settle"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, migrationURL(tt.in))
	}
}
