// Package spec infers a structured specification from a free-text
// application request with one streaming model call.
package spec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"apex-codegen/internal/ai"
	"apex-codegen/internal/logging"

	"go.uber.org/zap"
)

// ErrEmptySpecification is returned when the model names no goals and no
// features.
var ErrEmptySpecification = errors.New("specification has no goals and no features")

// Specification is the structured reading of a request.
type Specification struct {
	ProjectName string   `json:"projectName"`
	Summary     string   `json:"summary"`
	Goals       []string `json:"goals"`
	Features    []string `json:"features"`
}

// Markdown renders the specification as the spec.md shipped with the
// generated project.
func (s *Specification) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.ProjectName)
	if s.Summary != "" {
		b.WriteString(s.Summary)
		b.WriteString("\n\n")
	}
	writeList(&b, "Goals", s.Goals)
	writeList(&b, "Features", s.Features)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

const systemPrompt = `You turn application requests into a short product specification.
Answer with one JSON object and nothing else:
{"projectName": "<2-4 words>", "summary": "<one sentence>", "goals": ["..."], "features": ["..."]}`

// Inferencer produces a Specification from a request.
type Inferencer struct {
	streamer  ai.Streamer
	maxTokens int
}

// NewInferencer creates an inferencer over streamer.
func NewInferencer(streamer ai.Streamer) *Inferencer {
	return &Inferencer{streamer: streamer, maxTokens: 1024}
}

// Infer makes exactly one streaming call and parses the first JSON object
// in the response.
func (i *Inferencer) Infer(ctx context.Context, request string) (*Specification, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, errors.New("request is empty")
	}

	events, err := i.streamer.Stream(ctx, &ai.StreamRequest{
		Capability:   ai.CapabilitySpecification,
		SystemPrompt: systemPrompt,
		Prompt:       request,
		MaxTokens:    i.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("open specification stream: %w", err)
	}
	text, err := ai.Collect(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("specification stream: %w", err)
	}

	spec, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if spec.ProjectName == "" {
		spec.ProjectName = NameFromRequest(request)
		logging.L().Debug("specification had no project name", zap.String("derived", spec.ProjectName))
	}
	return spec, nil
}

// Parse decodes a model response into a Specification.
func Parse(text string) (*Specification, error) {
	payload, err := ai.ExtractJSONObject(text)
	if err != nil {
		return nil, err
	}
	var spec Specification
	if err := json.Unmarshal([]byte(payload), &spec); err != nil {
		return nil, fmt.Errorf("decode specification: %w", err)
	}
	spec.ProjectName = strings.TrimSpace(spec.ProjectName)
	spec.Summary = strings.TrimSpace(spec.Summary)
	spec.Goals = compact(spec.Goals)
	spec.Features = compact(spec.Features)
	if len(spec.Goals) == 0 && len(spec.Features) == 0 {
		return nil, ErrEmptySpecification
	}
	return &spec, nil
}

func compact(items []string) []string {
	out := items[:0]
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

var fillerWords = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "we": true, "want": true,
	"need": true, "to": true, "build": true, "create": true, "make": true,
	"me": true, "please": true, "for": true, "with": true, "my": true,
	"our": true, "that": true, "which": true, "and": true, "of": true,
	"app": true, "application": true, "website": true, "can": true, "you": true,
}

// NameFromRequest derives a short title-cased project name from the first
// meaningful words of a request.
func NameFromRequest(request string) string {
	words := strings.FieldsFunc(request, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var picked []string
	for _, w := range words {
		lw := strings.ToLower(w)
		if fillerWords[lw] {
			continue
		}
		r := []rune(lw)
		r[0] = unicode.ToUpper(r[0])
		picked = append(picked, string(r))
		if len(picked) == 3 {
			break
		}
	}
	if len(picked) == 0 {
		return "Generated App"
	}
	return strings.Join(picked, " ")
}
