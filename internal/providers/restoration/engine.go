package restoration

import "context"

// Result carries one edited image plus its media type.
type Result struct {
	Data   []byte
	Format string
}

// Engine applies a single transformation instruction to an image. The
// orchestrator chains calls, feeding each output in as the next input.
type Engine interface {
	Apply(ctx context.Context, image []byte, instruction string, temperature, topP float64, requestID string) (*Result, error)
}

// Analysis describes the photo ahead of step planning.
type Analysis struct {
	Portrait bool
	Era      string
	Defects  []string
}

// Analyzer inspects a source photo so the planner can tailor the step
// sequence to what the image actually needs.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, requestID string) (*Analysis, error)
}
