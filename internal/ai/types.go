package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// AIProvider represents the available AI providers
type AIProvider string

const (
	ProviderClaude AIProvider = "claude"
	ProviderOpenAI AIProvider = "openai"
	ProviderGemini AIProvider = "gemini"
)

// ParseProvider maps a config string onto a provider.
func ParseProvider(s string) (AIProvider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "claude", "anthropic":
		return ProviderClaude, nil
	case "openai", "gpt4", "gpt":
		return ProviderOpenAI, nil
	case "gemini", "google":
		return ProviderGemini, nil
	}
	return "", fmt.Errorf("unknown AI provider %q", s)
}

// AICapability tags what a stream is used for. Routing and metrics use it.
type AICapability string

const (
	CapabilitySpecification   AICapability = "specification"
	CapabilityTemplateRouting AICapability = "template_routing"
	CapabilityBackendCode     AICapability = "backend_code"
	CapabilityFrontendCode    AICapability = "frontend_code"
)

// StreamEventType is the tag of a StreamEvent.
type StreamEventType string

const (
	EventConnected    StreamEventType = "connected"
	EventContentDelta StreamEventType = "content_delta"
	EventComplete     StreamEventType = "complete"
	EventError        StreamEventType = "error"
)

// StreamEvent is one item delivered by a streaming channel. Events of one
// stream arrive in send order and the channel closes after the first
// complete or error event.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	Err      error           `json:"-"`
	Usage    *Usage          `json:"usage,omitempty"`
	Provider AIProvider      `json:"provider,omitempty"`
}

// IsTerminal reports whether no further events follow e.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// StreamRequest describes one generation call.
type StreamRequest struct {
	ID           string        `json:"id"`
	Provider     AIProvider    `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	Capability   AICapability  `json:"capability"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Prompt       string        `json:"prompt"`
	MaxTokens    int           `json:"max_tokens,omitempty"`
	Temperature  float32       `json:"temperature,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// Usage represents token usage for one request
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Streamer opens streaming channels. The generation pipeline depends only
// on this.
type Streamer interface {
	// Stream opens one streaming channel. A non-nil error means the
	// channel was never opened; failures after that arrive as an
	// EventError on the channel.
	Stream(ctx context.Context, req *StreamRequest) (<-chan StreamEvent, error)
}

// StreamingClient is implemented by every provider.
type StreamingClient interface {
	Streamer

	// GetProvider returns the provider identifier
	GetProvider() AIProvider

	// GetUsage returns usage statistics
	GetUsage() *ProviderUsage
}

// ProviderUsage tracks usage statistics for a provider
type ProviderUsage struct {
	Provider     AIProvider `json:"provider"`
	RequestCount int64      `json:"request_count"`
	TotalTokens  int64      `json:"total_tokens"`
	AvgLatency   float64    `json:"avg_latency"`
	ErrorCount   int64      `json:"error_count"`
	LastUsed     time.Time  `json:"last_used"`
}

// usageTracker is embedded by provider clients.
type usageTracker struct {
	usage   ProviderUsage
	usageMu sync.RWMutex
}

func newUsageTracker(p AIProvider) usageTracker {
	return usageTracker{usage: ProviderUsage{Provider: p, LastUsed: time.Now()}}
}

// updateUsage updates internal usage statistics (thread-safe)
func (u *usageTracker) updateUsage(totalTokens int, duration time.Duration) {
	u.usageMu.Lock()
	defer u.usageMu.Unlock()

	u.usage.RequestCount++
	u.usage.TotalTokens += int64(totalTokens)
	u.usage.AvgLatency = (u.usage.AvgLatency*float64(u.usage.RequestCount-1) + duration.Seconds()) / float64(u.usage.RequestCount)
	u.usage.LastUsed = time.Now()
}

// incrementErrorCount safely increments the error count
func (u *usageTracker) incrementErrorCount() {
	u.usageMu.Lock()
	defer u.usageMu.Unlock()
	u.usage.ErrorCount++
}

// GetUsage returns current usage statistics (thread-safe copy)
func (u *usageTracker) GetUsage() *ProviderUsage {
	u.usageMu.RLock()
	defer u.usageMu.RUnlock()
	cp := u.usage
	return &cp
}

// ErrorCode classifies provider failures.
type ErrorCode string

const (
	CodeRateLimit     ErrorCode = "RATE_LIMIT"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeForbidden     ErrorCode = "FORBIDDEN"
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	CodeServiceError  ErrorCode = "SERVICE_ERROR"
	CodeAPIError      ErrorCode = "API_ERROR"
	CodeStreamError   ErrorCode = "STREAM_ERROR"
)

// ProviderError is returned for classified provider failures.
type ProviderError struct {
	Provider   AIProvider
	Code       ErrorCode
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Code, e.Provider, e.Message)
}

// Retryable reports whether another provider may succeed where this one failed.
func (e *ProviderError) Retryable() bool {
	switch e.Code {
	case CodeRateLimit, CodeServiceError, CodeQuotaExceeded, CodeUnauthorized, CodeForbidden:
		return true
	}
	return false
}

var (
	// ErrNoProviders is returned by the router when nothing is configured.
	ErrNoProviders = errors.New("no AI providers configured")
	// ErrStreamClosed means a channel closed without a terminal event.
	ErrStreamClosed = errors.New("stream closed before completion")
)

// classifyStatus maps an HTTP status onto a ProviderError.
func classifyStatus(p AIProvider, status int, body string) *ProviderError {
	perr := &ProviderError{Provider: p, StatusCode: status}
	switch status {
	case 429:
		perr.Code = CodeRateLimit
		perr.Message = "rate limit exceeded. Please wait before retrying"
	case 403:
		perr.Code = CodeForbidden
		perr.Message = "access denied - check API key permissions"
	case 401:
		perr.Code = CodeUnauthorized
		perr.Message = "invalid API key"
	case 402:
		perr.Code = CodeQuotaExceeded
		perr.Message = "quota exhausted. Add credits or use another provider"
	case 500, 502, 503, 504, 529:
		perr.Code = CodeServiceError
		perr.Message = fmt.Sprintf("service temporarily unavailable (status %d)", status)
	default:
		perr.Code = CodeAPIError
		perr.Message = fmt.Sprintf("request failed with status %d: %s", status, body)
	}
	return perr
}

// emit sends ev unless ctx is done. It reports whether the send happened.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Collect drains a stream and returns the concatenated deltas. It is used
// by callers that need the whole response at once.
func Collect(ctx context.Context, events <-chan StreamEvent) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return sb.String(), ErrStreamClosed
			}
			switch ev.Type {
			case EventContentDelta:
				sb.WriteString(ev.Delta)
			case EventError:
				if ev.Err == nil {
					ev.Err = errors.New("stream failed")
				}
				return sb.String(), ev.Err
			case EventComplete:
				return sb.String(), nil
			}
		}
	}
}
