package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chat-insights/internal/domain"
	"chat-insights/internal/metrics"
)

const (
	defaultTemperature = 0.2
	defaultTopP        = 0.95
	defaultMaxTokens   = 1024
	defaultTimeout     = 30 * time.Second
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type AnnotatorOptions struct {
	Model string
	// Temperature defaults to 0.2 when nil.
	Temperature *float64
	TopP        float64
	MaxTokens   int
	Timeout     time.Duration
}

// Annotator runs conversation analyses through a TextGenerator and keeps
// the latest result per conversation.
type Annotator struct {
	convs       ConversationStore
	messages    MessageLog
	annotations AnnotationStore
	generator   TextGenerator
	locks       *ConversationLocks
	opts        AnnotatorOptions
	log         *slog.Logger
}

func NewAnnotator(convs ConversationStore, messages MessageLog, annotations AnnotationStore, generator TextGenerator, locks *ConversationLocks, opts AnnotatorOptions, logger *slog.Logger) (*Annotator, error) {
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if messages == nil {
		return nil, errors.New("usecase: message log must not be nil")
	}
	if annotations == nil {
		return nil, errors.New("usecase: annotation store must not be nil")
	}
	if generator == nil {
		return nil, errors.New("usecase: text generator must not be nil")
	}
	if locks == nil {
		locks = NewConversationLocks()
	}
	temperature := defaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	opts.Temperature = &temperature
	if opts.TopP <= 0 {
		opts.TopP = defaultTopP
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Annotator{
		convs:       convs,
		messages:    messages,
		annotations: annotations,
		generator:   generator,
		locks:       locks,
		opts:        opts,
		log:         componentLogger(logger, "annotator"),
	}, nil
}

// Analyze scores a conversation from the point of view of requestingUserID
// and stores the result as the conversation's current annotation.
//
// The requesting user is the "you" role when they take part in the
// conversation; otherwise the participant who opened it is. The remaining
// participant is "other".
func (a *Annotator) Analyze(ctx context.Context, conversationID, requestingUserID string) (domain.Analysis, error) {
	conversationID = strings.TrimSpace(conversationID)
	requestingUserID = strings.TrimSpace(requestingUserID)
	if conversationID == "" {
		return domain.Analysis{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if requestingUserID == "" {
		return domain.Analysis{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}

	conv, err := a.convs.GetConversation(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Analysis{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if err != nil {
		return domain.Analysis{}, newError(ErrorInternal, "store_conversation_error", err)
	}
	if conv.Participants[0] == "" || conv.Participants[1] == "" {
		return domain.Analysis{}, newError(ErrorNotFound, "conversation_without_participants", nil)
	}

	msgs, err := a.messages.ListMessages(ctx, conversationID)
	if err != nil {
		return domain.Analysis{}, newError(ErrorInternal, "store_message_error", err)
	}
	if len(msgs) == 0 {
		return domain.Analysis{}, newError(ErrorNotFound, "conversation_empty", nil)
	}

	selfID, otherID := resolveRoles(conv, requestingUserID)
	prompt := buildAnalysisPrompt(partitionByRole(msgs, selfID, otherID))

	log := a.log.With("conversation_id", conversationID)
	log.InfoContext(ctx, "analysis started", "messages", len(msgs))

	raw, err := a.generate(ctx, prompt)
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues("upstream_error").Inc()
		log.ErrorContext(ctx, "text generation failed", "err", err)
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return domain.Analysis{}, newError(ErrorUpstreamUnavailable, "llm_rate_limited", err)
		}
		return domain.Analysis{}, newError(ErrorUpstreamUnavailable, "llm_error", err)
	}

	analysis, err := parseAnalysis(raw)
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues("malformed").Inc()
		log.WarnContext(ctx, "malformed analysis response", "err", err, "raw", raw)
		return domain.Analysis{}, newError(ErrorMalformedResponse, "llm_malformed_response", &MalformedResponseError{Raw: raw, Err: err})
	}

	if err := a.store(ctx, domain.Annotation{
		ConversationID: conversationID,
		Analysis:       analysis,
		AnalyzedAt:     now(),
	}); err != nil {
		metrics.AnalysesTotal.WithLabelValues("store_error").Inc()
		return domain.Analysis{}, newError(ErrorInternal, "store_annotation_error", err)
	}

	metrics.AnalysesTotal.WithLabelValues("ok").Inc()
	log.InfoContext(ctx, "analysis stored",
		"toxicity", analysis.EmotionalAspects.Toxicity,
		"is_trafficker", analysis.IsTrafficker)
	return analysis, nil
}

// Annotation returns the stored annotation of a conversation.
func (a *Annotator) Annotation(ctx context.Context, conversationID string) (domain.Annotation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Annotation{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	ann, err := a.annotations.GetAnnotation(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Annotation{}, newError(ErrorNotFound, "annotation_not_found", nil)
	}
	if err != nil {
		return domain.Annotation{}, newError(ErrorInternal, "store_annotation_error", err)
	}
	return ann, nil
}

func (a *Annotator) generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.AnalysisDuration.Observe(time.Since(start).Seconds()) }()

	return a.generator.Generate(ctx, prompt, domain.GenerateOptions{
		Model:       a.opts.Model,
		Temperature: a.temperature(),
		TopP:        a.opts.TopP,
		MaxTokens:   a.opts.MaxTokens,
		SchemaName:  schemaName,
		Schema:      analysisSchema(),
	})
}

func (a *Annotator) temperature() *float64 {
	t := *a.opts.Temperature
	return &t
}

func (a *Annotator) store(ctx context.Context, ann domain.Annotation) error {
	unlock := a.locks.Lock(ann.ConversationID)
	defer unlock()
	return a.annotations.PutAnnotation(ctx, ann)
}

func resolveRoles(conv domain.Conversation, requestingUserID string) (selfID, otherID string) {
	selfID = conv.Participants[0]
	if conv.HasParticipant(requestingUserID) {
		selfID = requestingUserID
	}
	return selfID, conv.Counterpart(selfID)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
