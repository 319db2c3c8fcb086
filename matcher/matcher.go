// Package matcher maps a free-form user message to at most one template.
// Selection is LLM-first with a deterministic trigger-based fallback used
// only when the LLM call itself fails.
package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/taskmend/taskmend/llm"
	"github.com/taskmend/taskmend/model"
	"github.com/taskmend/taskmend/store"
	"github.com/taskmend/taskmend/template"
)

// fallbackThreshold is the minimum deterministic score that selects a
// template.
const fallbackThreshold = 0.3

// reportPhrases start messages that are almost certainly template requests.
var reportPhrases = []string{
	"generate", "create", "run", "show me report", "show me a report",
}

// Match is a selection outcome. A nil Match means no template fits and the
// outer system should synthesize a new one.
type Match struct {
	Template   *store.Template
	Confidence string
	Reasoning  string
	// Fallback marks selections made by the deterministic scorer after an
	// LLM failure.
	Fallback bool
	Score    float64
}

// Matcher selects templates. It never executes or modifies them.
type Matcher struct {
	templates *template.Repository
	llm       *llm.Client
	logger    *slog.Logger
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// New creates a matcher.
func New(templates *template.Repository, client *llm.Client, opts ...Option) *Matcher {
	m := &Matcher{
		templates: templates,
		llm:       client,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// matchResponse is the strict JSON contract for the selection call.
type matchResponse struct {
	TemplateID *string `json:"templateId"`
	Confidence string  `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

var matchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"templateId": {"type": ["string", "null"]},
		"confidence": {"type": "string", "enum": ["high", "medium", "none"]},
		"reasoning": {"type": "string"}
	},
	"required": ["templateId", "confidence", "reasoning"]
}`)

// Match selects at most one template for the message. An empty candidate
// set returns no match without calling the LLM.
func (m *Matcher) Match(ctx context.Context, message, contextType string) (*Match, error) {
	candidates, err := m.templates.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load candidate templates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	byID := make(map[string]*store.Template, len(candidates))
	for _, t := range candidates {
		byID[t.ID] = t
	}

	var parsed matchResponse
	_, err = m.llm.CompleteJSON(ctx, llm.Request{
		Capability:     string(model.CapabilityMatching),
		Messages:       m.buildMessages(message, contextType, candidates),
		ResponseSchema: matchSchema,
	}, &parsed)
	if err != nil {
		m.logger.Warn("Matcher LLM call failed, using deterministic fallback", "error", err)
		return m.fallback(message, candidates), nil
	}

	if parsed.Confidence == "none" || parsed.TemplateID == nil {
		m.logger.Debug("No template matched", "reasoning", parsed.Reasoning)
		return nil, nil
	}

	selected, ok := byID[*parsed.TemplateID]
	if !ok {
		// Hallucinated id: treat as no match, never fall back.
		m.logger.Warn("Matcher returned unknown template id", "template_id", *parsed.TemplateID)
		return nil, nil
	}

	return &Match{
		Template:   selected,
		Confidence: parsed.Confidence,
		Reasoning:  parsed.Reasoning,
	}, nil
}

func (m *Matcher) buildMessages(message, contextType string, candidates []*store.Template) []llm.Message {
	var table strings.Builder
	for _, t := range candidates {
		fmt.Fprintf(&table, "- id=%s name=%q category=%s keywords=%s\n  %s\n",
			t.ID, t.Name,
			strings.Join(t.Categories, ","),
			strings.Join(t.Triggers.Keywords, ","),
			t.Description)
	}

	system := "You select the single best task template for a user message, " +
		"or none. Respond with strict JSON: " +
		`{"templateId": "<id or null>", "confidence": "high|medium|none", "reasoning": "<short>"}. ` +
		"Use confidence \"none\" and templateId null when no template clearly fits."

	user := fmt.Sprintf("Context type: %s\n\nUser message:\n%s\n\nAvailable templates:\n%s",
		contextType, message, table.String())

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

// fallback is the deterministic scorer, used only when the LLM call fails.
func (m *Matcher) fallback(message string, candidates []*store.Template) *Match {
	lower := strings.ToLower(message)

	var best *Match
	for _, t := range candidates {
		score := scoreTemplate(lower, t)
		if score <= fallbackThreshold {
			continue
		}
		if best == nil ||
			score > best.Score ||
			(score == best.Score && t.Priority > best.Template.Priority) {
			best = &Match{
				Template:   t,
				Confidence: "medium",
				Reasoning:  fmt.Sprintf("deterministic trigger score %.2f", score),
				Fallback:   true,
				Score:      score,
			}
		}
	}
	return best
}

// scoreTemplate computes the deterministic trigger score: pattern matches
// start at 0.6 and add 0.1 each up to 0.8; keyword overlap contributes up
// to 0.25 with a 0.15 floor; an explicit report-request opening adds 0.1.
func scoreTemplate(lowerMessage string, t *store.Template) float64 {
	var score float64

	patternHits := 0
	for _, p := range t.Triggers.Patterns {
		if matchPattern(lowerMessage, p) {
			patternHits++
		}
	}
	if patternHits > 0 {
		patternScore := 0.6 + 0.1*float64(patternHits-1)
		if patternScore > 0.8 {
			patternScore = 0.8
		}
		score += patternScore
	}

	if len(t.Triggers.Keywords) > 0 {
		hits := 0
		for _, kw := range t.Triggers.Keywords {
			if strings.Contains(lowerMessage, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > 0 {
			keywordScore := 0.25 * float64(hits) / float64(len(t.Triggers.Keywords))
			if keywordScore < 0.15 {
				keywordScore = 0.15
			}
			score += keywordScore
		}
	}

	for _, phrase := range reportPhrases {
		if strings.HasPrefix(lowerMessage, phrase) {
			score += 0.1
			break
		}
	}

	return score
}

// matchPattern treats the trigger as a regular expression, degrading to a
// substring check when it does not compile.
func matchPattern(lowerMessage, pattern string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return strings.Contains(lowerMessage, strings.ToLower(pattern))
	}
	return re.MatchString(lowerMessage)
}
