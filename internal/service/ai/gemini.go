package ai

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini API backend.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string

	// HTTPClient is optional; request deadlines come from the caller's context.
	HTTPClient *http.Client
}

// GeminiGenerator calls generateContent on the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator creates a generator authenticated with an API key.
func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiGenerator{client: client, model: cfg.Model}, nil
}

// Generate sends every block as an ordered part of a single user content.
func (g *GeminiGenerator) Generate(ctx context.Context, blocks []Block) (string, error) {
	parts := make([]*genai.Part, 0, len(blocks))
	for _, block := range blocks {
		switch block.Kind {
		case BlockText:
			parts = append(parts, genai.NewPartFromText(block.Text))
		case BlockInline:
			parts = append(parts, genai.NewPartFromBytes(block.Data, block.MIMEType))
		default:
			return "", fmt.Errorf("unsupported block kind %q", block.Kind)
		}
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("%w: gemini generate content: %w", ErrInferenceTransport, err)
	}

	return firstCandidateText(resp)
}

// firstCandidateText extracts candidates[0].content.parts[0].text.
func firstCandidateText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrInferenceMalformed)
	}

	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("%w: first candidate has no content parts", ErrInferenceMalformed)
	}

	part := candidate.Content.Parts[0]
	if part == nil {
		return "", fmt.Errorf("%w: first part is null", ErrInferenceMalformed)
	}

	return part.Text, nil
}
