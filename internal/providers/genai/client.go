package genai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"restoration/internal/infra"
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client provides a lightweight facade over Gemini for image editing and
// comparison scoring. When no API key is configured, calls fall back to
// deterministic synthetic responses so the orchestration pipeline stays
// fully exercisable in local and CI environments.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// EditRequest carries one image transformation call.
type EditRequest struct {
	Image       []byte
	Instruction string
	Temperature float64
	TopP        float64
	RequestID   string
}

// EditResult is the normalized representation of an edited image.
type EditResult struct {
	Data   []byte
	Format string
}

// Analysis describes the subject of a photo ahead of planning.
type Analysis struct {
	Portrait bool     `json:"portrait"`
	Era      string   `json:"era"`
	Defects  []string `json:"defects"`
}

// ScoreRequest carries one original-versus-candidate comparison call.
type ScoreRequest struct {
	Original    []byte
	Candidate   []byte
	PlanSummary string
	RequestID   string
}

// Scores is the per-criterion vector returned by the comparison call.
type Scores struct {
	Overall          float64  `json:"overall"`
	Preservation     float64  `json:"preservation"`
	DefectRemoval    float64  `json:"defect_removal"`
	Enhancement      float64  `json:"enhancement"`
	Naturalness      float64  `json:"naturalness"`
	TechnicalQuality float64  `json:"technical_quality"`
	Issues           []string `json:"issues"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"topP,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may
// provide a nil HTTP client; a reusable one with sensible timeouts will be
// created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash-image-preview"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
	}, nil
}

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string {
	return c.model
}

// EditImage applies one transformation instruction to an image.
func (c *Client) EditImage(ctx context.Context, req EditRequest) (*EditResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("edit request has no image")
	}

	if c.apiKey == "" {
		return c.syntheticEdit(req), nil
	}

	result, err := c.remoteEdit(ctx, req)
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.Data) == 0 {
		return nil, fmt.Errorf("no image content returned")
	}
	return result, nil
}

// AnalyzeImage inspects the subject ahead of planning.
func (c *Client) AnalyzeImage(ctx context.Context, img []byte, requestID string) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("analyze request has no image")
	}

	if c.apiKey == "" {
		return c.syntheticAnalysis(img), nil
	}

	analysis, err := c.remoteAnalyze(ctx, img, requestID)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("model", c.model).
			Msg("genai: remote analysis failed; falling back to synthetic analysis")
		return c.syntheticAnalysis(img), nil
	}
	return analysis, nil
}

// ScoreImages compares a candidate against the original and returns the
// per-criterion quality vector.
func (c *Client) ScoreImages(ctx context.Context, req ScoreRequest) (*Scores, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Original) == 0 || len(req.Candidate) == 0 {
		return nil, fmt.Errorf("score request missing images")
	}

	if c.apiKey == "" {
		return c.syntheticScores(req), nil
	}

	scores, err := c.remoteScore(ctx, req)
	if err != nil {
		return nil, err
	}
	return scores, nil
}

func (c *Client) syntheticEdit(req EditRequest) *EditResult {
	seed := deterministicSeed(req.RequestID, req.Instruction, req.Temperature, len(req.Image))
	data := renderSyntheticImage(1024, 1024, seed, req.Instruction)

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("model", c.model).
		Msg("genai: produced synthetic edit")

	return &EditResult{Data: data, Format: "image/png"}
}

func (c *Client) syntheticAnalysis(img []byte) *Analysis {
	seed := deterministicSeed("analysis", len(img), Fingerprint(img))
	defects := []string{"fading", "dust"}
	if seed[1]%3 == 0 {
		defects = append(defects, "scratches")
	}
	return &Analysis{
		Portrait: seed[0]%2 == 0,
		Era:      "mid-century",
		Defects:  defects,
	}
}

func (c *Client) syntheticScores(req ScoreRequest) *Scores {
	seed := deterministicSeed("scores", Fingerprint(req.Original), Fingerprint(req.Candidate), req.PlanSummary)
	base := 60 + float64(seed[0]%36)
	return &Scores{
		Overall:          base,
		Preservation:     60 + float64(seed[1]%36),
		DefectRemoval:    60 + float64(seed[2]%36),
		Enhancement:      60 + float64(seed[3]%36),
		Naturalness:      60 + float64(seed[4]%36),
		TechnicalQuality: 60 + float64(seed[5]%36),
	}
}

func (c *Client) remoteEdit(ctx context.Context, req EditRequest) (*EditResult, error) {
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: "Return only an image; no text.\n" + req.Instruction},
				{InlineData: &geminiInlineData{
					MimeType: "image/png",
					Data:     base64.StdEncoding.EncodeToString(req.Image),
				}},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature: req.Temperature,
			TopP:        req.TopP,
		},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response); err != nil {
		return nil, err
	}

	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode inline data: %w", err)
			}
			format := part.InlineData.MimeType
			if format == "" {
				format = "image/png"
			}
			return &EditResult{Data: data, Format: format}, nil
		}
	}
	return nil, fmt.Errorf("no image content returned")
}

func (c *Client) remoteAnalyze(ctx context.Context, img []byte, requestID string) (*Analysis, error) {
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: "Describe this photograph as JSON with fields portrait (bool), era (string), defects (string array)."},
				{InlineData: &geminiInlineData{
					MimeType: "image/png",
					Data:     base64.StdEncoding.EncodeToString(img),
				}},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{ResponseMimeType: "application/json"},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response); err != nil {
		return nil, err
	}

	text := firstText(response)
	if text == "" {
		return nil, fmt.Errorf("no analysis content returned")
	}
	var analysis Analysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &analysis, nil
}

func (c *Client) remoteScore(ctx context.Context, req ScoreRequest) (*Scores, error) {
	prompt := "Compare the candidate restoration against the original. " +
		"Score 0-100 for overall, preservation, defect_removal, enhancement, naturalness, technical_quality " +
		"and list quality issues. Respond as JSON.\nPlan: " + req.PlanSummary

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &geminiInlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(req.Original)}},
				{InlineData: &geminiInlineData{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(req.Candidate)}},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{ResponseMimeType: "application/json"},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response); err != nil {
		return nil, err
	}

	text := firstText(response)
	if text == "" {
		return nil, fmt.Errorf("no score content returned")
	}
	var scores Scores
	if err := json.Unmarshal([]byte(text), &scores); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	return &scores, nil
}

func (c *Client) invokeGemini(ctx context.Context, path string, payload any, out any) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr geminiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

func firstText(response geminiGenerateContentResponse) string {
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text
			}
		}
	}
	return ""
}

// Fingerprint is a short content hash used for deterministic synthetic
// seeds.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func deterministicSeed(parts ...any) []byte {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(fmt.Sprintf("%v", part)))
		hasher.Write([]byte{'|'})
	}
	return hasher.Sum(nil)
}

func renderSyntheticImage(width, height int, seed []byte, instruction string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := color.RGBA{R: seed[0], G: seed[1], B: seed[2], A: 255}
	accent := color.RGBA{R: seed[3], G: seed[4], B: seed[5], A: 255}
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := height / 12
	if stripeHeight < 32 {
		stripeHeight = 32
	}
	for y := 0; y < height; y += stripeHeight * 2 {
		bottom := y + stripeHeight
		if bottom > height {
			bottom = height
		}
		stripe := image.Rect(0, y, width, bottom)
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
