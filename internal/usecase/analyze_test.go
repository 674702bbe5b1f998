package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-insights/internal/domain"
	"chat-insights/internal/repository/memory"
)

// seeded returns an env with one two-party conversation and its id.
func seeded(t *testing.T, store Store) (*env, string, string, string) {
	t.Helper()
	e := newEnv(t, store)
	u1 := e.login(t, "+1555")
	u2 := e.login(t, "+1666")
	c := e.open(t, u1, u2)
	e.send(t, c, u1, "hello there")
	e.send(t, c, u2, "hi,   how are you?")
	e.send(t, c, u1, "fine thanks")
	return e, c, u1, u2
}

// ---------------------------------------------------------------------------
// Analyze: success paths
// ---------------------------------------------------------------------------

func TestAnalyze_StoresAnnotation(t *testing.T) {
	e, c, u1, _ := seeded(t, nil)
	e.gen.out = analysisJSON(7)

	analysis, err := e.annotator.Analyze(context.Background(), c, u1)
	require.NoError(t, err)
	require.Equal(t, 7, analysis.EmotionalAspects.Toxicity)
	require.Equal(t, 9, analysis.Temperaments.Other.Rational)
	require.Equal(t, "Polite small talk.", analysis.LeaderboardSummary)
	require.False(t, analysis.IsTrafficker)

	ann, err := e.annotator.Annotation(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, c, ann.ConversationID)
	require.Equal(t, analysis, ann.Analysis)
	require.False(t, ann.AnalyzedAt.IsZero())
}

func TestAnalyze_PromptSplitsMessagesByRole(t *testing.T) {
	e, c, u1, u2 := seeded(t, nil)

	_, err := e.annotator.Analyze(context.Background(), c, u1)
	require.NoError(t, err)
	prompt := e.gen.lastPrompt(t)
	require.Equal(t, systemPrompt, prompt.System)
	require.Contains(t, prompt.User, "Messages written by You:\nYou: hello there\nYou: fine thanks\n")
	require.Contains(t, prompt.User, "Messages written by Other:\nOther: hi, how are you?\n")

	_, err = e.annotator.Analyze(context.Background(), c, u2)
	require.NoError(t, err)
	prompt = e.gen.lastPrompt(t)
	require.Contains(t, prompt.User, "Messages written by You:\nYou: hi, how are you?\n")
	require.Contains(t, prompt.User, "Messages written by Other:\nOther: hello there\nOther: fine thanks\n")
}

func TestAnalyze_OutsiderSeesInitiatorAsYou(t *testing.T) {
	e, c, _, _ := seeded(t, nil)

	_, err := e.annotator.Analyze(context.Background(), c, "someone-else")
	require.NoError(t, err)
	require.Contains(t, e.gen.lastPrompt(t).User, "Messages written by You:\nYou: hello there")
}

func TestAnalyze_OneSidedConversation(t *testing.T) {
	e := newEnv(t, nil)
	c := e.open(t, "alice", "bob")
	e.send(t, c, "alice", "anyone there?")

	_, err := e.annotator.Analyze(context.Background(), c, "alice")
	require.NoError(t, err)
	require.Contains(t, e.gen.lastPrompt(t).User, "Messages written by Other:\n"+noMessages+"\n")
}

func TestAnalyze_ForwardsGenerationOptions(t *testing.T) {
	e, c, u1, _ := seeded(t, nil)

	_, err := e.annotator.Analyze(context.Background(), c, u1)
	require.NoError(t, err)
	require.Len(t, e.gen.opts, 1)
	opts := e.gen.opts[0]
	require.Equal(t, "test-model", opts.Model)
	require.NotNil(t, opts.Temperature)
	require.Equal(t, defaultTemperature, *opts.Temperature)
	require.Equal(t, defaultTopP, opts.TopP)
	require.Equal(t, defaultMaxTokens, opts.MaxTokens)
	require.Equal(t, "conversation_analysis", opts.SchemaName)
	require.True(t, json.Valid(opts.Schema))
}

func TestAnalyze_ZeroTemperatureIsKept(t *testing.T) {
	store := memory.New()
	e, c, u1, _ := seeded(t, store)

	zero := 0.0
	annotator, err := NewAnnotator(store, store, store, e.gen, nil, AnnotatorOptions{Temperature: &zero}, nil)
	require.NoError(t, err)
	zero = 0.7

	_, err = annotator.Analyze(context.Background(), c, u1)
	require.NoError(t, err)
	require.Len(t, e.gen.opts, 1)
	require.NotNil(t, e.gen.opts[0].Temperature)
	require.Zero(t, *e.gen.opts[0].Temperature)
}

func TestAnalyze_AcceptsFencedJSON(t *testing.T) {
	e, c, u1, _ := seeded(t, nil)
	e.gen.out = "```json\n" + analysisJSON(3) + "\n```"

	analysis, err := e.annotator.Analyze(context.Background(), c, u1)
	require.NoError(t, err)
	require.Equal(t, 3, analysis.EmotionalAspects.Toxicity)
}

func TestAnalyze_ReanalysisReplacesAnnotation(t *testing.T) {
	e, c, u1, _ := seeded(t, nil)

	_, err := e.annotator.Analyze(context.Background(), c, u1)
	require.NoError(t, err)
	e.gen.out = analysisJSON(9)
	_, err = e.annotator.Analyze(context.Background(), c, u1)
	require.NoError(t, err)

	anns, err := e.store.ListAnnotations(context.Background())
	require.NoError(t, err)
	require.Len(t, anns, 1)
	require.Equal(t, 9, anns[0].Toxicity())
}

// ---------------------------------------------------------------------------
// Analyze: failures
// ---------------------------------------------------------------------------

func TestAnalyze_InputErrors(t *testing.T) {
	e, c, u1, _ := seeded(t, nil)
	empty := e.open(t, "carol", "dave")

	cases := []struct {
		name   string
		convID string
		userID string
		code   ErrorCode
		reason string
	}{
		{"missing conversation", "", u1, ErrorInvalidInput, "missing_conversation_id"},
		{"missing user", c, " ", ErrorInvalidInput, "missing_user_id"},
		{"unknown conversation", "nope", u1, ErrorNotFound, "conversation_not_found"},
		{"no messages", empty, "carol", ErrorNotFound, "conversation_empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.annotator.Analyze(context.Background(), tc.convID, tc.userID)
			requireCode(t, err, tc.code, tc.reason)
		})
	}
	require.Empty(t, e.gen.prompts)
}

func TestAnalyze_MalformedResponses(t *testing.T) {
	cases := map[string]string{
		"not json":          "I think they are nice.",
		"out of range":      analysisJSON(15),
		"wrong type":        strings.Replace(analysisJSON(5), `"toxicity": 5`, `"toxicity": "high"`, 1),
		"missing field":     strings.Replace(analysisJSON(5), `"is_trafficker": false,`, "", 1),
		"unknown field":     strings.Replace(analysisJSON(5), `"summary"`, `"mood": "calm", "summary"`, 1),
		"two objects":       analysisJSON(5) + analysisJSON(5),
		"zero score":        analysisJSON(0),
		"empty temperament": strings.Replace(analysisJSON(5), `{"artisan": 5, "guardian": 6, "idealist": 7, "rational": 4}`, `{}`, 1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			e, c, u1, _ := seeded(t, nil)
			e.gen.out = raw

			_, err := e.annotator.Analyze(context.Background(), c, u1)
			requireCode(t, err, ErrorMalformedResponse, "llm_malformed_response")
			var malformed *MalformedResponseError
			require.ErrorAs(t, err, &malformed)
			require.Equal(t, raw, malformed.Raw)

			_, err = e.annotator.Annotation(context.Background(), c)
			requireCode(t, err, ErrorNotFound, "annotation_not_found")
		})
	}
}

func TestAnalyze_UpstreamErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason string
	}{
		{"rate limited", statusError{code: http.StatusTooManyRequests}, "llm_rate_limited"},
		{"server error", statusError{code: http.StatusBadGateway}, "llm_error"},
		{"transport", errors.New("connection reset"), "llm_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, c, u1, _ := seeded(t, nil)
			e.gen.err = tc.err

			_, err := e.annotator.Analyze(context.Background(), c, u1)
			requireCode(t, err, ErrorUpstreamUnavailable, tc.reason)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestAnalyze_Timeout(t *testing.T) {
	store := memory.New()
	e, c, u1, _ := seeded(t, store)
	e.gen.block = true

	annotator, err := NewAnnotator(store, store, store, e.gen, nil, AnnotatorOptions{Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = annotator.Analyze(context.Background(), c, u1)
	requireCode(t, err, ErrorUpstreamUnavailable, "llm_error")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnalyze_FailureKeepsPreviousAnnotation(t *testing.T) {
	e, c, u1, _ := seeded(t, nil)
	e.gen.out = analysisJSON(4)
	_, err := e.annotator.Analyze(context.Background(), c, u1)
	require.NoError(t, err)

	e.gen.out = "garbage"
	_, err = e.annotator.Analyze(context.Background(), c, u1)
	require.Error(t, err)

	ann, err := e.annotator.Annotation(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, 4, ann.Toxicity())
}

func TestAnalyze_StoreErrors(t *testing.T) {
	store := &failingStore{Store: memory.New()}
	e, c, u1, _ := seeded(t, store)

	store.putAnnotationErr = errStoreDown
	_, err := e.annotator.Analyze(context.Background(), c, u1)
	requireCode(t, err, ErrorInternal, "store_annotation_error")
	require.ErrorIs(t, err, errStoreDown)

	store.putAnnotationErr = nil
	store.listMessagesErr = errStoreDown
	_, err = e.annotator.Analyze(context.Background(), c, u1)
	requireCode(t, err, ErrorInternal, "store_message_error")
}

func TestAnnotation_Errors(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.annotator.Annotation(context.Background(), "")
	requireCode(t, err, ErrorInvalidInput, "missing_conversation_id")
	_, err = e.annotator.Annotation(context.Background(), "nope")
	requireCode(t, err, ErrorNotFound, "annotation_not_found")
}

func TestResolveRoles(t *testing.T) {
	conv := domain.Conversation{Participants: [2]string{"a", "b"}}

	self, other := resolveRoles(conv, "b")
	require.Equal(t, "b", self)
	require.Equal(t, "a", other)

	self, other = resolveRoles(conv, "z")
	require.Equal(t, "a", self)
	require.Equal(t, "b", other)
}
