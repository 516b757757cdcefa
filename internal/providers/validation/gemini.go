package validation

import (
	"context"
	"fmt"

	"restoration/internal/domain"
	"restoration/internal/providers/genai"
)

// GeminiEngine implements Engine on top of the Gemini client.
type GeminiEngine struct {
	client *genai.Client
}

// NewGeminiEngine wraps an existing Gemini client.
func NewGeminiEngine(client *genai.Client) *GeminiEngine {
	return &GeminiEngine{client: client}
}

// Compare scores a candidate restoration against its original.
func (e *GeminiEngine) Compare(ctx context.Context, original, candidate []byte, planSummary, requestID string) (domain.ValidationScores, error) {
	res, err := e.client.ScoreImages(ctx, genai.ScoreRequest{
		Original:    original,
		Candidate:   candidate,
		PlanSummary: planSummary,
		RequestID:   requestID,
	})
	if err != nil {
		return domain.ValidationScores{}, fmt.Errorf("compare images: %w", err)
	}
	return domain.ValidationScores{
		Overall:          res.Overall,
		Preservation:     res.Preservation,
		DefectRemoval:    res.DefectRemoval,
		Enhancement:      res.Enhancement,
		Naturalness:      res.Naturalness,
		TechnicalQuality: res.TechnicalQuality,
		Issues:           res.Issues,
	}, nil
}
