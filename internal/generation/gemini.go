package generation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiEngine generates replies through the Gemini API.
type GeminiEngine struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGemini creates the client. The API key is required; the model name
// comes from configuration.
func NewGemini(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("generation: api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("generation: model name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("generation: create client: %w", err)
	}

	return &GeminiEngine{
		client: client,
		model:  model,
		log:    logger.Named("gemini"),
	}, nil
}

// Generate builds the prompt and runs one completion.
func (e *GeminiEngine) Generate(ctx context.Context, req Request) (string, error) {
	prompt := BuildPrompt(req)
	e.log.Debug("generating reply",
		zap.String("model", e.model),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("context_messages", len(req.ContextMessages)))

	resp, err := e.client.Models.GenerateContent(ctx, e.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generation: generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("generation: empty response (check safety filters)")
	}

	return resp.Candidates[0].Content.Parts[0].Text, nil
}

var _ Engine = (*GeminiEngine)(nil)
