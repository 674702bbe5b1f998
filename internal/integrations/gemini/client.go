// Package gemini adapts the Google Gemini API to the text generation port.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"chat-insights/internal/domain"
)

const DefaultModel = "gemini-2.0-flash"

// modelsAPI is the subset of *genai.Models used by Client.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// StatusError carries the HTTP status of a failed Gemini call.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.Code }

// Abusive conversations are the input being scored, so no category is
// filtered.
var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
}

type Client struct {
	models       modelsAPI
	defaultModel string
	log          *slog.Logger
}

// NewClient creates a Gemini API client authenticated with apiKey.
func NewClient(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newClient(gi.Models, model, logger), nil
}

func newClient(models modelsAPI, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		models:       models,
		defaultModel: model,
		log:          logger.With("component", "gemini_client"),
	}
}

// Generate sends the prompt and returns the response text. Gemini is always
// asked for application/json; a schema in opts is forwarded as the
// response schema.
func (c *Client) Generate(ctx context.Context, prompt domain.Prompt, opts domain.GenerateOptions) (string, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = c.defaultModel
	}

	cfg, err := contentConfig(prompt, opts)
	if err != nil {
		return "", err
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt.User, genai.RoleUser)}

	resp, err := c.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", &StatusError{Code: apiErr.Code, Err: err}
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			return "", &StatusError{Code: apiErrPtr.Code, Err: err}
		}
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	return c.extractText(ctx, resp)
}

func contentConfig(prompt domain.Prompt, opts domain.GenerateOptions) (*genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		SafetySettings:   safetySettings,
	}
	if prompt.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: prompt.System}}}
	}
	if opts.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*opts.Temperature))
	}
	if opts.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(opts.TopP))
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if len(opts.Schema) > 0 {
		schema, err := schemaFromJSON(opts.Schema)
		if err != nil {
			return nil, fmt.Errorf("gemini: convert response schema: %w", err)
		}
		cfg.ResponseSchema = schema
	}
	return cfg, nil
}

func (c *Client) extractText(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("gemini: empty response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reason := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "gemini request blocked", "reason", reason)
		return "", fmt.Errorf("gemini: blocked by safety filter: %s", reason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finish := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finish = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "gemini response missing content", "finish_reason", finish)
		return "", fmt.Errorf("gemini: no content, finish reason: %s", finish)
	}
	return resp.Text(), nil
}

// jsonSchemaNode is the JSON Schema subset produced for structured output.
type jsonSchemaNode struct {
	Type        string                     `json:"type"`
	Description string                     `json:"description"`
	Properties  map[string]*jsonSchemaNode `json:"properties"`
	Required    []string                   `json:"required"`
	Items       *jsonSchemaNode            `json:"items"`
	Minimum     *float64                   `json:"minimum"`
	Maximum     *float64                   `json:"maximum"`
	Enum        []string                   `json:"enum"`
}

var schemaTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"array":   genai.TypeArray,
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
}

// schemaFromJSON converts a JSON Schema document into Gemini's OpenAPI
// flavoured schema. Keywords Gemini does not understand are dropped.
func schemaFromJSON(raw json.RawMessage) (*genai.Schema, error) {
	var root jsonSchemaNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	return convertNode(&root, "$")
}

func convertNode(n *jsonSchemaNode, path string) (*genai.Schema, error) {
	t, ok := schemaTypes[n.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported type %q at %s", n.Type, path)
	}
	out := &genai.Schema{
		Type:        t,
		Description: n.Description,
		Required:    n.Required,
		Minimum:     n.Minimum,
		Maximum:     n.Maximum,
		Enum:        n.Enum,
	}
	if len(n.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(n.Properties))
		for name, child := range n.Properties {
			converted, err := convertNode(child, path+"."+name)
			if err != nil {
				return nil, err
			}
			out.Properties[name] = converted
		}
		// Keep the declared required order so the model emits fields predictably.
		out.PropertyOrdering = n.Required
	}
	if n.Items != nil {
		items, err := convertNode(n.Items, path+"[]")
		if err != nil {
			return nil, err
		}
		out.Items = items
	}
	return out, nil
}
