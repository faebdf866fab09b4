package zilliz

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vet-kb/backend/internal/vector"
)

func TestFilterExpr(t *testing.T) {
	tests := []struct {
		name   string
		filter vector.Filter
		want   string
	}{
		{"empty", vector.Filter{}, ""},
		{"focus", vector.Filter{FocusArea: "dosage_information"}, fieldFocus + ` == "dosage_information"`},
		{"species", vector.Filter{Species: "dog"}, fieldSpecies + ` like "%|dog|%"`},
		{"both", vector.Filter{FocusArea: "monitoring", Species: "cat"}, fieldFocus + ` == "monitoring" && ` + fieldSpecies + ` like "%|cat|%"`},
		{"quoted", vector.Filter{Species: `d"og`}, fieldSpecies + ` like "%|d\"og|%"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filterExpr(tt.filter))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	// "é" is two bytes; a cut inside it backs off to the rune start.
	assert.Equal(t, "ab", truncate("abé", 3))
}

func TestRetryable(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"unavailable", context.Background(), status.Error(codes.Unavailable, "connection refused"), true},
		{"deadline", context.Background(), status.Error(codes.DeadlineExceeded, "slow"), true},
		{"throttled", context.Background(), status.Error(codes.ResourceExhausted, "rate limit"), true},
		{"wrapped unavailable", context.Background(), fmt.Errorf("search: %w", status.Error(codes.Unavailable, "down")), true},
		{"invalid argument", context.Background(), status.Error(codes.InvalidArgument, "bad expr"), false},
		{"not found", context.Background(), status.Error(codes.NotFound, "collection missing"), false},
		{"sdk check", context.Background(), errors.New("collection vetkb does not exist"), false},
		{"caller gave up", canceled, status.Error(codes.Unavailable, "down"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.ctx, tt.err))
		})
	}
}
