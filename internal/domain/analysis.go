package domain

import "time"

// Temperament holds Keirsey temperament scores, each 1-10.
type Temperament struct {
	Artisan  int `json:"artisan" jsonschema:"minimum=1,maximum=10"`
	Guardian int `json:"guardian" jsonschema:"minimum=1,maximum=10"`
	Idealist int `json:"idealist" jsonschema:"minimum=1,maximum=10"`
	Rational int `json:"rational" jsonschema:"minimum=1,maximum=10"`
}

// Temperaments scores each conversation role separately.
type Temperaments struct {
	You   Temperament `json:"you"`
	Other Temperament `json:"other"`
}

// EmotionalAspects scores the whole conversation, each 1-10.
type EmotionalAspects struct {
	Positiveness   int `json:"positiveness" jsonschema:"minimum=1,maximum=10"`
	Agreeableness  int `json:"agreeableness" jsonschema:"minimum=1,maximum=10"`
	Toxicity       int `json:"toxicity" jsonschema:"minimum=1,maximum=10"`
	Empathy        int `json:"empathy" jsonschema:"minimum=1,maximum=10"`
	EmotionalDepth int `json:"emotional_depth" jsonschema:"minimum=1,maximum=10"`
}

// Analysis is the structured judgement returned by the text-generation
// service. Field names and nesting are part of the public API.
type Analysis struct {
	Temperaments       Temperaments     `json:"temperaments"`
	EmotionalAspects   EmotionalAspects `json:"emotional_aspects"`
	Summary            string           `json:"summary" jsonschema:"description=One sentence explaining the scores."`
	IsTrafficker       bool             `json:"is_trafficker" jsonschema:"description=Whether the other participant shows recruitment or trafficking solicitation."`
	LeaderboardSummary string           `json:"leaderboard_summary" jsonschema:"description=One sentence suitable for a toxicity leaderboard."`
}

// Annotation is the current stored analysis of a conversation. A new
// analysis replaces it wholesale.
type Annotation struct {
	ConversationID string
	Analysis       Analysis
	AnalyzedAt     time.Time
}

// Toxicity is the leaderboard ranking key.
func (a Annotation) Toxicity() int {
	return a.Analysis.EmotionalAspects.Toxicity
}

// LeaderboardEntry is one ranked row of the leaderboard.
type LeaderboardEntry struct {
	ConversationID     string
	Participants       []string
	Toxicity           int
	LeaderboardSummary string
}
