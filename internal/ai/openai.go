package ai

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient streams chat completions through go-openai.
type OpenAIClient struct {
	usageTracker
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client. baseURL may be empty.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIClient{
		usageTracker: newUsageTracker(ProviderOpenAI),
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
	}
}

// GetProvider returns the provider identifier
func (c *OpenAIClient) GetProvider() AIProvider {
	return ProviderOpenAI
}

// Stream implements StreamingClient.
func (c *OpenAIClient) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	start := time.Now()
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		c.incrementErrorCount()
		return nil, c.classify(err)
	}

	out := make(chan StreamEvent, 32)
	go func() {
		defer close(out)
		defer stream.Close()

		if !emit(ctx, out, StreamEvent{Type: EventConnected, Provider: ProviderOpenAI}) {
			return
		}

		usage := &Usage{}
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				c.updateUsage(usage.TotalTokens, time.Since(start))
				emit(ctx, out, StreamEvent{Type: EventComplete, Usage: usage, Provider: ProviderOpenAI})
				return
			}
			if err != nil {
				c.incrementErrorCount()
				emit(ctx, out, StreamEvent{Type: EventError, Err: c.classify(err), Provider: ProviderOpenAI})
				return
			}
			if resp.Usage != nil {
				usage.PromptTokens = resp.Usage.PromptTokens
				usage.CompletionTokens = resp.Usage.CompletionTokens
				usage.TotalTokens = resp.Usage.TotalTokens
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !emit(ctx, out, StreamEvent{Type: EventContentDelta, Delta: choice.Delta.Content, Provider: ProviderOpenAI}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return classifyStatus(ProviderOpenAI, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return classifyStatus(ProviderOpenAI, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return &ProviderError{Provider: ProviderOpenAI, Code: CodeStreamError, Message: err.Error()}
}
