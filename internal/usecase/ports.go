package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-insights/internal/domain"
)

// UserStore persists phone-number identities. GetOrCreateUser must be
// atomic: when the phone is already registered the stored user is returned
// and candidate is discarded.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, candidate domain.User) (domain.User, error)
	GetUser(ctx context.Context, userID string) (domain.User, error)
	FindUserByPhone(ctx context.Context, phone string) (domain.User, error)
}

// ConversationStore persists two-party conversations. CreateConversation
// returns the already registered conversation when the pair exists.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	FindConversationByPair(ctx context.Context, pairKey string) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
}

// MessageLog is the append-only message sequence of each conversation.
// AppendMessage assigns Seq.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	LastMessage(ctx context.Context, conversationID string) (domain.Message, error)
}

// AnnotationStore keeps at most one annotation per conversation.
// PutAnnotation replaces the previous one atomically.
type AnnotationStore interface {
	PutAnnotation(ctx context.Context, ann domain.Annotation) error
	GetAnnotation(ctx context.Context, conversationID string) (domain.Annotation, error)
	ListAnnotations(ctx context.Context) ([]domain.Annotation, error)
}

// Store is implemented by every repository backend.
type Store interface {
	UserStore
	ConversationStore
	MessageLog
	AnnotationStore
}

// TextGenerator is the external text-generation capability.
type TextGenerator interface {
	Generate(ctx context.Context, prompt domain.Prompt, opts domain.GenerateOptions) (string, error)
}

// ConversationLocks serializes writers of a single conversation. Locks for
// different conversations never contend.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[string]*conversationLock
}

type conversationLock struct {
	sync.Mutex
	refs int
}

func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[string]*conversationLock)}
}

// Lock blocks until the conversation is free and returns its release func.
func (l *ConversationLocks) Lock(conversationID string) func() {
	l.mu.Lock()
	cl, ok := l.locks[conversationID]
	if !ok {
		cl = &conversationLock{}
		l.locks[conversationID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, conversationID)
		}
		l.mu.Unlock()
	}
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = func() time.Time {
	return time.Now().UTC()
}
