package domain

import (
	"errors"
	"fmt"
	"testing"
)

// The review server maps sentinels to HTTP statuses with errors.Is, so the
// op-prefix wrapping used by adapters must keep the chain intact.
func TestSentinels_SurviveOpWrapping(t *testing.T) {
	wrapped := fmt.Errorf("op=image.get: %w", ErrNotFound)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("wrapped sentinel lost its identity: %v", wrapped)
	}
	double := fmt.Errorf("op=review.resolve: %w", fmt.Errorf("load image: %w", ErrConflict))
	if !errors.Is(double, ErrConflict) {
		t.Fatalf("double-wrapped sentinel lost its identity: %v", double)
	}
}

func TestSentinels_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidArgument,
		ErrNotFound,
		ErrConflict,
		ErrIllegalTransition,
		ErrRateLimited,
		ErrUpstreamTimeout,
		ErrUpstreamRateLimit,
		ErrSchemaInvalid,
		ErrInternal,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if got := errors.Is(a, b); got != (i == j) {
				t.Errorf("errors.Is(%v, %v) = %v", a, b, got)
			}
		}
	}
}
