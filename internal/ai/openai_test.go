package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func openAIServer(t *testing.T, status int, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIStreamParsesChunks(t *testing.T) {
	srv := openAIServer(t, http.StatusOK,
		`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{"content":"// File: main.go\n"}}]}`,
		`{"id":"1","choices":[{"index":0,"delta":{"content":"package main"}}]}`,
		`{"id":"1","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":5,"total_tokens":12}}`,
	)
	defer srv.Close()

	c := NewOpenAIClient("test-key", "", srv.URL)
	assert.Equal(t, ProviderOpenAI, c.GetProvider())

	ch, err := c.Stream(context.Background(), &StreamRequest{SystemPrompt: "sys", Prompt: "hi"})
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 4)
	assert.Equal(t, EventConnected, events[0].Type)
	assert.Equal(t, "// File: main.go\n", events[1].Delta)
	assert.Equal(t, "package main", events[2].Delta)
	assert.Equal(t, EventComplete, events[3].Type)
	assert.Equal(t, 12, events[3].Usage.TotalTokens)
	assert.EqualValues(t, 12, c.GetUsage().TotalTokens)
}

func TestOpenAIStreamClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		code   ErrorCode
	}{
		{http.StatusTooManyRequests, CodeRateLimit},
		{http.StatusUnauthorized, CodeUnauthorized},
		{http.StatusBadGateway, CodeServiceError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := openAIServer(t, tt.status)
			defer srv.Close()

			c := NewOpenAIClient("test-key", "gpt-test", srv.URL)
			_, err := c.Stream(context.Background(), &StreamRequest{Prompt: "hi"})
			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, ProviderOpenAI, perr.Provider)
			assert.EqualValues(t, 1, c.GetUsage().ErrorCount)
		})
	}
}

func TestGeminiClassify(t *testing.T) {
	c := &GeminiClient{usageTracker: newUsageTracker(ProviderGemini)}

	var perr *ProviderError
	require.ErrorAs(t, c.classify(genai.APIError{Code: http.StatusTooManyRequests, Message: "slow down"}), &perr)
	assert.Equal(t, CodeRateLimit, perr.Code)
	assert.Equal(t, ProviderGemini, perr.Provider)

	require.ErrorAs(t, c.classify(fmt.Errorf("stream reset")), &perr)
	assert.Equal(t, CodeStreamError, perr.Code)
}
