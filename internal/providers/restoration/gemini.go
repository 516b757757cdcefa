package restoration

import (
	"context"
	"fmt"

	"restoration/internal/providers/genai"
)

// GeminiEngine implements Engine and Analyzer on top of the Gemini client.
type GeminiEngine struct {
	client *genai.Client
}

// NewGeminiEngine wraps an existing Gemini client.
func NewGeminiEngine(client *genai.Client) *GeminiEngine {
	return &GeminiEngine{client: client}
}

// Apply runs one edit instruction against the model.
func (e *GeminiEngine) Apply(ctx context.Context, image []byte, instruction string, temperature, topP float64, requestID string) (*Result, error) {
	res, err := e.client.EditImage(ctx, genai.EditRequest{
		Image:       image,
		Instruction: instruction,
		Temperature: temperature,
		TopP:        topP,
		RequestID:   requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("apply edit: %w", err)
	}
	return &Result{Data: res.Data, Format: res.Format}, nil
}

// Analyze inspects the photo's subject, era and visible defects.
func (e *GeminiEngine) Analyze(ctx context.Context, image []byte, requestID string) (*Analysis, error) {
	res, err := e.client.AnalyzeImage(ctx, image, requestID)
	if err != nil {
		return nil, fmt.Errorf("analyze image: %w", err)
	}
	return &Analysis{Portrait: res.Portrait, Era: res.Era, Defects: res.Defects}, nil
}
