package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"chat-insights/internal/domain"
)

type fakeModels struct {
	resp *genai.GenerateContentResponse
	err  error

	gotModel    string
	gotContents []*genai.Content
	gotConfig   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	f.gotContents = contents
	f.gotConfig = cfg
	return f.resp, f.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
	}
}

const analysisSchema = `{
	"type": "object",
	"properties": {
		"score": {"type": "integer", "minimum": 1, "maximum": 10},
		"tags": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["score", "tags"],
	"additionalProperties": false
}`

func TestGenerate_ForwardsPromptAndOptions(t *testing.T) {
	fm := &fakeModels{resp: textResponse(`{"score":3,"tags":[]}`)}
	c := newClient(fm, "", nil)

	out, err := c.Generate(context.Background(), domain.Prompt{System: "sys", User: "hello"}, domain.GenerateOptions{
		Temperature: genai.Ptr(0.2),
		TopP:        0.95,
		MaxTokens:   256,
		Schema:      json.RawMessage(analysisSchema),
	})
	require.NoError(t, err)
	require.Equal(t, `{"score":3,"tags":[]}`, out)

	require.Equal(t, DefaultModel, fm.gotModel)
	require.Len(t, fm.gotContents, 1)
	require.Equal(t, "hello", fm.gotContents[0].Parts[0].Text)

	cfg := fm.gotConfig
	require.Equal(t, "application/json", cfg.ResponseMIMEType)
	require.Equal(t, "sys", cfg.SystemInstruction.Parts[0].Text)
	require.InDelta(t, 0.2, float64(*cfg.Temperature), 1e-6)
	require.InDelta(t, 0.95, float64(*cfg.TopP), 1e-6)
	require.Equal(t, int32(256), cfg.MaxOutputTokens)
	require.NotNil(t, cfg.ResponseSchema)
	require.Equal(t, genai.TypeObject, cfg.ResponseSchema.Type)
}

func TestGenerate_ModelOverride(t *testing.T) {
	fm := &fakeModels{resp: textResponse("{}")}
	c := newClient(fm, "gemini-default", nil)
	_, err := c.Generate(context.Background(), domain.Prompt{User: "x"}, domain.GenerateOptions{Model: "gemini-other"})
	require.NoError(t, err)
	require.Equal(t, "gemini-other", fm.gotModel)
	require.Nil(t, fm.gotConfig.SystemInstruction)
	require.Nil(t, fm.gotConfig.Temperature)
}

func TestGenerate_ZeroTemperatureIsForwarded(t *testing.T) {
	fm := &fakeModels{resp: textResponse("{}")}
	c := newClient(fm, "", nil)
	_, err := c.Generate(context.Background(), domain.Prompt{User: "x"}, domain.GenerateOptions{Temperature: genai.Ptr(0.0)})
	require.NoError(t, err)
	require.NotNil(t, fm.gotConfig.Temperature)
	require.Zero(t, *fm.gotConfig.Temperature)
}

func TestGenerate_APIErrorKeepsStatus(t *testing.T) {
	fm := &fakeModels{err: genai.APIError{Code: 429, Message: "quota"}}
	c := newClient(fm, "", nil)

	_, err := c.Generate(context.Background(), domain.Prompt{User: "x"}, domain.GenerateOptions{})
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 429, statusErr.HTTPStatusCode())
}

func TestGenerate_TransportError(t *testing.T) {
	fm := &fakeModels{err: errors.New("dial tcp: refused")}
	c := newClient(fm, "", nil)
	_, err := c.Generate(context.Background(), domain.Prompt{User: "x"}, domain.GenerateOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "generate content")
}

func TestGenerate_Blocked(t *testing.T) {
	fm := &fakeModels{resp: &genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{
			BlockReason:        genai.BlockedReasonSafety,
			BlockReasonMessage: "unsafe",
		},
	}}
	c := newClient(fm, "", nil)
	_, err := c.Generate(context.Background(), domain.Prompt{User: "x"}, domain.GenerateOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsafe")
}

func TestGenerate_NoCandidates(t *testing.T) {
	fm := &fakeModels{resp: &genai.GenerateContentResponse{}}
	c := newClient(fm, "", nil)
	_, err := c.Generate(context.Background(), domain.Prompt{User: "x"}, domain.GenerateOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no content")
}

func TestSchemaFromJSON(t *testing.T) {
	s, err := schemaFromJSON(json.RawMessage(analysisSchema))
	require.NoError(t, err)
	require.Equal(t, genai.TypeObject, s.Type)
	require.Equal(t, []string{"score", "tags"}, s.Required)
	require.Equal(t, []string{"score", "tags"}, s.PropertyOrdering)

	score := s.Properties["score"]
	require.Equal(t, genai.TypeInteger, score.Type)
	require.Equal(t, 1.0, *score.Minimum)
	require.Equal(t, 10.0, *score.Maximum)

	tags := s.Properties["tags"]
	require.Equal(t, genai.TypeArray, tags.Type)
	require.Equal(t, genai.TypeString, tags.Items.Type)
}

func TestSchemaFromJSON_UnsupportedType(t *testing.T) {
	_, err := schemaFromJSON(json.RawMessage(`{"type":"object","properties":{"x":{"type":"null"}}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "$.x")
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), " ", "", nil)
	require.Error(t, err)
}
