package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"apex-codegen/internal/ai"
	"apex-codegen/internal/logging"

	"go.uber.org/zap"
)

// Selection is the outcome of template routing.
type Selection struct {
	TemplateID string  `json:"template_id"`
	Confidence float64 `json:"confidence"`
	// Ambiguous marks a selection that would need a clarifying question.
	Ambiguous bool   `json:"ambiguous"`
	Reason    string `json:"reason,omitempty"`
}

// Selector chooses a template for a free-text request.
type Selector interface {
	Select(ctx context.Context, request string) (Selection, error)
}

// KeywordSelector scores templates by keyword overlap with the request.
// It never fails: with no overlap it returns the default template.
type KeywordSelector struct {
	templates []Template
}

// NewKeywordSelector creates a selector over the given templates, or the
// selectable built-in catalog when none are given.
func NewKeywordSelector(tpls ...Template) *KeywordSelector {
	if len(tpls) == 0 {
		tpls = Selectable()
	}
	return &KeywordSelector{templates: tpls}
}

type scored struct {
	id    string
	score int
}

// Select implements Selector.
func (s *KeywordSelector) Select(_ context.Context, request string) (Selection, error) {
	words := tokenize(request)

	scores := make([]scored, 0, len(s.templates))
	for _, t := range s.templates {
		score := 0
		for _, kw := range t.Keywords {
			if words[kw] {
				score++
			}
		}
		scores = append(scores, scored{id: t.ID, score: score})
	}
	// Stable keeps catalog order among equal scores.
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if len(scores) == 0 || scores[0].score == 0 {
		return Selection{
			TemplateID: DefaultTemplateID,
			Confidence: 0.3,
			Reason:     "no template keywords matched; using default",
		}, nil
	}

	best := scores[0]
	runnerUp := 0
	if len(scores) > 1 {
		runnerUp = scores[1].score
	}
	confidence := 0.5 + 0.5*float64(best.score-runnerUp)/float64(best.score)
	return Selection{
		TemplateID: best.id,
		Confidence: clamp01(confidence),
		Ambiguous:  best.score == runnerUp,
		Reason:     fmt.Sprintf("matched %d keyword(s)", best.score),
	}, nil
}

func tokenize(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	return words
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// AISelector asks the model to pick a template and degrades to a keyword
// selector on any failure.
type AISelector struct {
	streamer  ai.Streamer
	fallback  Selector
	templates []Template
}

// NewAISelector creates an AI-routed selector.
func NewAISelector(streamer ai.Streamer, fallback Selector) *AISelector {
	if fallback == nil {
		fallback = NewKeywordSelector()
	}
	return &AISelector{streamer: streamer, fallback: fallback, templates: Selectable()}
}

type routingAnswer struct {
	TemplateID string  `json:"templateId"`
	Confidence float64 `json:"confidence"`
	Ambiguous  bool    `json:"ambiguous"`
	Reason     string  `json:"reason"`
}

// Select implements Selector.
func (s *AISelector) Select(ctx context.Context, request string) (Selection, error) {
	sel, err := s.selectWithModel(ctx, request)
	if err == nil {
		return sel, nil
	}
	logging.L().Warn("AI template routing failed, using keyword selection", zap.Error(err))
	return s.fallback.Select(ctx, request)
}

func (s *AISelector) selectWithModel(ctx context.Context, request string) (Selection, error) {
	events, err := s.streamer.Stream(ctx, &ai.StreamRequest{
		Capability:   ai.CapabilityTemplateRouting,
		SystemPrompt: "You route application requests to templates. Answer with a single JSON object only.",
		Prompt:       s.prompt(request),
		MaxTokens:    256,
	})
	if err != nil {
		return Selection{}, err
	}
	text, err := ai.Collect(ctx, events)
	if err != nil {
		return Selection{}, err
	}
	payload, err := ai.ExtractJSONObject(text)
	if err != nil {
		return Selection{}, err
	}

	var answer routingAnswer
	if err := json.Unmarshal([]byte(payload), &answer); err != nil {
		return Selection{}, fmt.Errorf("decode routing answer: %w", err)
	}
	if !s.known(answer.TemplateID) {
		return Selection{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, answer.TemplateID)
	}
	return Selection{
		TemplateID: answer.TemplateID,
		Confidence: clamp01(answer.Confidence),
		Ambiguous:  answer.Ambiguous,
		Reason:     answer.Reason,
	}, nil
}

func (s *AISelector) known(id string) bool {
	for _, t := range s.templates {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (s *AISelector) prompt(request string) string {
	var b strings.Builder
	b.WriteString("Templates:\n")
	for _, t := range s.templates {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Description)
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(request)
	b.WriteString("\n\nReply as {\"templateId\": \"<id>\", \"confidence\": <0..1>, \"ambiguous\": <bool>, \"reason\": \"<short>\"}.")
	return b.String()
}
