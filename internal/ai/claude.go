package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"apex-codegen/internal/logging"

	"go.uber.org/zap"
)

const (
	defaultClaudeURL   = "https://api.anthropic.com/v1/messages"
	defaultClaudeModel = "claude-sonnet-4-20250514"
)

// ClaudeClient streams from the Anthropic Messages API.
type ClaudeClient struct {
	usageTracker
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Claude API request/stream structures
type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	System      string          `json:"system,omitempty"`
	Stream      bool            `json:"stream"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ClaudeOption customizes a ClaudeClient.
type ClaudeOption func(*ClaudeClient)

// WithClaudeBaseURL points the client at another endpoint (tests, proxies).
func WithClaudeBaseURL(url string) ClaudeOption {
	return func(c *ClaudeClient) { c.baseURL = url }
}

// WithClaudeModel overrides the default model.
func WithClaudeModel(model string) ClaudeOption {
	return func(c *ClaudeClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithClaudeHTTPClient replaces the HTTP client.
func WithClaudeHTTPClient(hc *http.Client) ClaudeOption {
	return func(c *ClaudeClient) { c.httpClient = hc }
}

// NewClaudeClient creates a new Claude API client
func NewClaudeClient(apiKey string, opts ...ClaudeOption) *ClaudeClient {
	c := &ClaudeClient{
		usageTracker: newUsageTracker(ProviderClaude),
		apiKey:       apiKey,
		baseURL:      defaultClaudeURL,
		model:        defaultClaudeModel,
		// No client timeout: streams are bounded by the request context.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetProvider returns the provider identifier
func (c *ClaudeClient) GetProvider() AIProvider {
	return ProviderClaude
}

// Stream implements StreamingClient over server-sent events.
func (c *ClaudeClient) Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8000
	}

	body, err := json.Marshal(&claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []claudeMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		System:      req.SystemPrompt,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.incrementErrorCount()
		return nil, &ProviderError{Provider: ProviderClaude, Code: CodeServiceError, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.incrementErrorCount()
		return nil, classifyStatus(ProviderClaude, resp.StatusCode, string(raw))
	}

	out := make(chan StreamEvent, 32)
	go c.pump(ctx, resp.Body, out, start)
	return out, nil
}

// pump parses the SSE body and forwards events until message_stop, an
// error event, or EOF.
func (c *ClaudeClient) pump(ctx context.Context, body io.ReadCloser, out chan<- StreamEvent, start time.Time) {
	defer close(out)
	defer body.Close()

	usage := &Usage{}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var ev claudeStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			logging.L().Debug("skipping malformed claude stream event", zap.Error(err))
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
			if !emit(ctx, out, StreamEvent{Type: EventConnected, Provider: ProviderClaude}) {
				return
			}
		case "content_block_delta":
			if ev.Delta == nil || ev.Delta.Text == "" {
				continue
			}
			if !emit(ctx, out, StreamEvent{Type: EventContentDelta, Delta: ev.Delta.Text, Provider: ProviderClaude}) {
				return
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			c.updateUsage(usage.TotalTokens, time.Since(start))
			emit(ctx, out, StreamEvent{Type: EventComplete, Usage: usage, Provider: ProviderClaude})
			return
		case "error":
			msg := "unknown stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			c.incrementErrorCount()
			emit(ctx, out, StreamEvent{
				Type:     EventError,
				Err:      &ProviderError{Provider: ProviderClaude, Code: CodeStreamError, Message: msg},
				Provider: ProviderClaude,
			})
			return
		}
	}

	c.incrementErrorCount()
	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	emit(ctx, out, StreamEvent{
		Type:     EventError,
		Err:      &ProviderError{Provider: ProviderClaude, Code: CodeStreamError, Message: err.Error()},
		Provider: ProviderClaude,
	})
}
