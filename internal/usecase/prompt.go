package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"chat-insights/internal/domain"
)

const (
	selfPrefix   = "You: "
	otherPrefix  = "Other: "
	noMessages   = "(no messages)"
	schemaName   = "conversation_analysis"
	systemPrompt = "You are a careful assistant that analyzes two-party chat conversations and answers only with JSON."
)

// roleStreams is a conversation split by author, each side kept in
// append order.
type roleStreams struct {
	self  []string
	other []string
}

func partitionByRole(msgs []domain.Message, selfID, otherID string) roleStreams {
	var rs roleStreams
	for _, m := range msgs {
		switch m.SenderID {
		case selfID:
			rs.self = append(rs.self, selfPrefix+normalizePromptInput(m.Content))
		case otherID:
			rs.other = append(rs.other, otherPrefix+normalizePromptInput(m.Content))
		}
	}
	return rs
}

func buildAnalysisPrompt(rs roleStreams) domain.Prompt {
	return domain.Prompt{
		System: systemPrompt,
		User: strings.Join([]string{
			"Task:",
			"Analyze the conversation below between two participants, \"You\" and \"Other\".",
			"",
			"Scoring Rules:",
			scoringRules(),
			"",
			"Messages written by You:",
			renderStream(rs.self),
			"",
			"Messages written by Other:",
			renderStream(rs.other),
			"",
			"Output Contract:",
			analysisOutputContract(),
		}, "\n"),
	}
}

func scoringRules() string {
	return strings.Join([]string{
		"1) Score Keirsey's four temperaments (artisan, guardian, idealist, rational) from 1 to 10 for You and for Other separately, using only that participant's messages.",
		"2) Score these emotional aspects of the whole conversation from 1 to 10: positiveness, agreeableness, toxicity, empathy, emotional_depth.",
		"3) Decide is_trafficker using ONLY the messages written by Other: true if Other recruits, solicits, or grooms You toward trafficking or exploitative work or travel, false otherwise.",
		"4) Write summary as one sentence explaining the scores.",
		"5) Write leaderboard_summary as one short sentence describing the conversation's tone for a public toxicity leaderboard.",
		"6) Every score is a whole number between 1 and 10 inclusive.",
	}, "\n")
}

func analysisOutputContract() string {
	return strings.Join([]string{
		"Respond with a single JSON object and nothing else: no prose, no markdown. Use exactly this schema:",
		`{`,
		`  "temperaments": {`,
		`    "you":   {"artisan": <int>, "guardian": <int>, "idealist": <int>, "rational": <int>},`,
		`    "other": {"artisan": <int>, "guardian": <int>, "idealist": <int>, "rational": <int>}`,
		`  },`,
		`  "emotional_aspects": {`,
		`    "positiveness": <int>, "agreeableness": <int>, "toxicity": <int>,`,
		`    "empathy": <int>, "emotional_depth": <int>`,
		`  },`,
		`  "summary": "<one sentence>",`,
		`  "is_trafficker": <true|false>,`,
		`  "leaderboard_summary": "<one sentence>"`,
		`}`,
	}, "\n")
}

func renderStream(lines []string) string {
	if len(lines) == 0 {
		return noMessages
	}
	return strings.Join(lines, "\n")
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

// analysisSchema is the JSON Schema of domain.Analysis sent as the
// structured-output contract.
var analysisSchema = sync.OnceValue(func() json.RawMessage {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	raw, err := json.Marshal(reflector.Reflect(&domain.Analysis{}))
	if err != nil {
		panic(fmt.Sprintf("usecase: marshal analysis schema: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("usecase: decode analysis schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	out, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("usecase: encode analysis schema: %v", err))
	}
	return out
})

type temperamentWire struct {
	Artisan  *int `json:"artisan" validate:"required,min=1,max=10"`
	Guardian *int `json:"guardian" validate:"required,min=1,max=10"`
	Idealist *int `json:"idealist" validate:"required,min=1,max=10"`
	Rational *int `json:"rational" validate:"required,min=1,max=10"`
}

type temperamentsWire struct {
	You   *temperamentWire `json:"you" validate:"required"`
	Other *temperamentWire `json:"other" validate:"required"`
}

type emotionalAspectsWire struct {
	Positiveness   *int `json:"positiveness" validate:"required,min=1,max=10"`
	Agreeableness  *int `json:"agreeableness" validate:"required,min=1,max=10"`
	Toxicity       *int `json:"toxicity" validate:"required,min=1,max=10"`
	Empathy        *int `json:"empathy" validate:"required,min=1,max=10"`
	EmotionalDepth *int `json:"emotional_depth" validate:"required,min=1,max=10"`
}

// analysisWire mirrors domain.Analysis with pointers so absent fields are
// told apart from zero values.
type analysisWire struct {
	Temperaments       *temperamentsWire     `json:"temperaments" validate:"required"`
	EmotionalAspects   *emotionalAspectsWire `json:"emotional_aspects" validate:"required"`
	Summary            *string               `json:"summary" validate:"required"`
	IsTrafficker       *bool                 `json:"is_trafficker" validate:"required"`
	LeaderboardSummary *string               `json:"leaderboard_summary" validate:"required"`
}

var schemaValidator = validator.New(validator.WithRequiredStructEnabled())

func parseAnalysis(raw string) (domain.Analysis, error) {
	var wire analysisWire
	dec := json.NewDecoder(bytes.NewBufferString(stripCodeFence(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return domain.Analysis{}, fmt.Errorf("usecase: decode analysis: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return domain.Analysis{}, errors.New("usecase: decode analysis: multiple JSON values")
		}
		return domain.Analysis{}, fmt.Errorf("usecase: decode analysis trailing data: %w", err)
	}
	if err := schemaValidator.Struct(wire); err != nil {
		return domain.Analysis{}, fmt.Errorf("usecase: validate analysis: %w", err)
	}
	return wire.toDomain(), nil
}

// stripCodeFence removes a single surrounding markdown code fence, which
// some models emit even when told not to.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(s)
}

func (w analysisWire) toDomain() domain.Analysis {
	return domain.Analysis{
		Temperaments: domain.Temperaments{
			You:   w.Temperaments.You.toDomain(),
			Other: w.Temperaments.Other.toDomain(),
		},
		EmotionalAspects: domain.EmotionalAspects{
			Positiveness:   *w.EmotionalAspects.Positiveness,
			Agreeableness:  *w.EmotionalAspects.Agreeableness,
			Toxicity:       *w.EmotionalAspects.Toxicity,
			Empathy:        *w.EmotionalAspects.Empathy,
			EmotionalDepth: *w.EmotionalAspects.EmotionalDepth,
		},
		Summary:            *w.Summary,
		IsTrafficker:       *w.IsTrafficker,
		LeaderboardSummary: *w.LeaderboardSummary,
	}
}

func (w *temperamentWire) toDomain() domain.Temperament {
	return domain.Temperament{
		Artisan:  *w.Artisan,
		Guardian: *w.Guardian,
		Idealist: *w.Idealist,
		Rational: *w.Rational,
	}
}
