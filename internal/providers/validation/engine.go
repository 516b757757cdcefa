package validation

import (
	"context"

	"restoration/internal/domain"
)

// Engine compares a candidate restoration against the original and returns
// per-criterion scores for the quality decision engine.
type Engine interface {
	Compare(ctx context.Context, original, candidate []byte, planSummary, requestID string) (domain.ValidationScores, error)
}
