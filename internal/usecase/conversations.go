package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chat-insights/internal/domain"
	"chat-insights/internal/metrics"
)

// Conversations owns the conversation store and each conversation's
// message log.
type Conversations struct {
	registry *Registry
	convs    ConversationStore
	messages MessageLog
	locks    *ConversationLocks
	log      *slog.Logger

	requireRegisteredRecipient bool
}

type ConversationsOption func(*Conversations)

// WithRegisteredRecipients makes OpenWithRecipient refuse phone numbers that
// never logged in instead of registering them implicitly.
func WithRegisteredRecipients(required bool) ConversationsOption {
	return func(c *Conversations) {
		c.requireRegisteredRecipient = required
	}
}

func NewConversations(registry *Registry, convs ConversationStore, messages MessageLog, locks *ConversationLocks, logger *slog.Logger, opts ...ConversationsOption) (*Conversations, error) {
	if registry == nil {
		return nil, errors.New("usecase: registry must not be nil")
	}
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if messages == nil {
		return nil, errors.New("usecase: message log must not be nil")
	}
	if locks == nil {
		locks = NewConversationLocks()
	}
	c := &Conversations{
		registry: registry,
		convs:    convs,
		messages: messages,
		locks:    locks,
		log:      componentLogger(logger, "conversations"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Open returns the conversation between userA and userB, creating it if the
// unordered pair has none yet.
func (c *Conversations) Open(ctx context.Context, userA, userB string) (string, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return "", newError(ErrorInvalidInput, "missing_participant", nil)
	}
	if userA == userB {
		return "", newError(ErrorInvalidInput, "same_participant", nil)
	}

	pairKey := domain.PairKey(userA, userB)
	existing, err := c.convs.FindConversationByPair(ctx, pairKey)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", newError(ErrorInternal, "store_conversation_error", err)
	}

	candidate := domain.Conversation{
		ID:           newUUID(),
		Participants: [2]string{userA, userB},
		PairKey:      pairKey,
		CreatedAt:    now(),
	}
	conv, err := c.convs.CreateConversation(ctx, candidate)
	if err != nil {
		return "", newError(ErrorInternal, "store_conversation_error", err)
	}
	if conv.ID == candidate.ID {
		metrics.ConversationsCreatedTotal.Inc()
		c.log.InfoContext(ctx, "conversation created", "conversation_id", conv.ID)
	}
	return conv.ID, nil
}

// OpenWithRecipient resolves the recipient phone number to a user and opens
// the conversation between userID and that user.
func (c *Conversations) OpenWithRecipient(ctx context.Context, userID, recipientPhone string) (string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(recipientPhone) == "" {
		return "", newError(ErrorInvalidInput, "missing_fields", nil)
	}

	var (
		recipient domain.User
		err       error
	)
	if c.requireRegisteredRecipient {
		recipient, err = c.registry.Lookup(ctx, recipientPhone)
		if CodeOf(err) == ErrorNotFound {
			return "", newError(ErrorNotFound, "recipient_not_registered", nil)
		}
	} else {
		recipient, err = c.registry.Identify(ctx, recipientPhone)
	}
	if err != nil {
		return "", err
	}
	return c.Open(ctx, userID, recipient.ID)
}

// List returns every conversation userID takes part in, oldest first.
func (c *Conversations) List(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	convs, err := c.convs.ListConversations(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "store_conversation_error", err)
	}

	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		counterpart, err := c.registry.DisplayName(ctx, conv.Counterpart(userID))
		if err != nil {
			return nil, err
		}
		summary := domain.ConversationSummary{
			ConversationID: conv.ID,
			Counterpart:    counterpart,
		}
		last, err := c.messages.LastMessage(ctx, conv.ID)
		switch {
		case err == nil:
			content := last.Content
			summary.LastMessage = &content
		case !errors.Is(err, domain.ErrNotFound):
			return nil, newError(ErrorInternal, "store_message_error", err)
		}
		out = append(out, summary)
	}
	return out, nil
}

// Get returns a conversation by id.
func (c *Conversations) Get(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	conv, err := c.convs.GetConversation(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "store_conversation_error", err)
	}
	return conv, nil
}

type AppendInput struct {
	ConversationID string
	SenderID       string
	Content        string
}

// Append adds a message to the end of a conversation's log.
func (c *Conversations) Append(ctx context.Context, in AppendInput) (domain.Message, error) {
	convID := strings.TrimSpace(in.ConversationID)
	senderID := strings.TrimSpace(in.SenderID)
	if convID == "" || senderID == "" || strings.TrimSpace(in.Content) == "" {
		return domain.Message{}, newError(ErrorInvalidInput, "missing_fields", nil)
	}

	conv, err := c.Get(ctx, convID)
	if err != nil {
		return domain.Message{}, err
	}
	if !conv.HasParticipant(senderID) {
		return domain.Message{}, newError(ErrorInvalidInput, "sender_not_participant", nil)
	}

	unlock := c.locks.Lock(convID)
	defer unlock()

	createdAt := now()
	last, err := c.messages.LastMessage(ctx, convID)
	switch {
	case err == nil:
		// Wall clocks can step backwards; the log never does.
		if !createdAt.After(last.CreatedAt) {
			createdAt = last.CreatedAt.Add(time.Nanosecond)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Message{}, newError(ErrorInternal, "store_message_error", err)
	}

	msg, err := c.messages.AppendMessage(ctx, domain.Message{
		ID:             newUUID(),
		ConversationID: convID,
		SenderID:       senderID,
		Content:        in.Content,
		CreatedAt:      createdAt,
	})
	if err != nil {
		return domain.Message{}, newError(ErrorInternal, "store_message_error", err)
	}
	metrics.MessagesSentTotal.Inc()
	return msg, nil
}

// Read returns the conversation's messages in append order. Unknown
// conversations read as empty.
func (c *Conversations) Read(ctx context.Context, conversationID string) ([]domain.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return []domain.Message{}, nil
	}
	msgs, err := c.messages.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "store_message_error", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}
