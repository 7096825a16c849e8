package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiClient streams through the Google GenAI SDK.
type GeminiClient struct {
	usageTracker
	client *genai.Client
	model  string
}

// NewGeminiClient creates a client for the Gemini API backend.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{
		usageTracker: newUsageTracker(ProviderGemini),
		client:       client,
		model:        model,
	}, nil
}

// GetProvider returns the provider identifier
func (c *GeminiClient) GetProvider() AIProvider {
	return ProviderGemini
}

// Stream implements StreamingClient. The SDK exposes the stream as an
// iterator; it is adapted to the channel contract here.
func (c *GeminiClient) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}

	out := make(chan StreamEvent, 32)
	start := time.Now()
	go func() {
		defer close(out)

		if !emit(ctx, out, StreamEvent{Type: EventConnected, Provider: ProviderGemini}) {
			return
		}

		usage := &Usage{}
		for resp, err := range c.client.Models.GenerateContentStream(ctx, model, genai.Text(req.Prompt), cfg) {
			if err != nil {
				c.incrementErrorCount()
				emit(ctx, out, StreamEvent{Type: EventError, Err: c.classify(err), Provider: ProviderGemini})
				return
			}
			if resp.UsageMetadata != nil {
				usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
				usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
			}
			if text := resp.Text(); text != "" {
				if !emit(ctx, out, StreamEvent{Type: EventContentDelta, Delta: text, Provider: ProviderGemini}) {
					return
				}
			}
		}

		c.updateUsage(usage.TotalTokens, time.Since(start))
		emit(ctx, out, StreamEvent{Type: EventComplete, Usage: usage, Provider: ProviderGemini})
	}()
	return out, nil
}

func (c *GeminiClient) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return classifyStatus(ProviderGemini, apiErr.Code, apiErr.Message)
	}
	return &ProviderError{Provider: ProviderGemini, Code: CodeStreamError, Message: err.Error()}
}
