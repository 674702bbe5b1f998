package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-insights/internal/domain"
	"chat-insights/internal/repository/memory"
)

type fakeGenerator struct {
	mu      sync.Mutex
	out     string
	err     error
	prompts []domain.Prompt
	opts    []domain.GenerateOptions
	block   bool
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt domain.Prompt, opts domain.GenerateOptions) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	out, err, block := f.out, f.err, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return out, err
}

func (f *fakeGenerator) lastPrompt(t *testing.T) domain.Prompt {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.prompts)
	return f.prompts[len(f.prompts)-1]
}

type statusError struct{ code int }

func (e statusError) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusError) HTTPStatusCode() int { return e.code }

// failingStore wraps the memory store and fails selected operations.
type failingStore struct {
	*memory.Store
	putAnnotationErr error
	listMessagesErr  error
	getOrCreateErr   error
}

func (f *failingStore) PutAnnotation(ctx context.Context, ann domain.Annotation) error {
	if f.putAnnotationErr != nil {
		return f.putAnnotationErr
	}
	return f.Store.PutAnnotation(ctx, ann)
}

func (f *failingStore) ListMessages(ctx context.Context, id string) ([]domain.Message, error) {
	if f.listMessagesErr != nil {
		return nil, f.listMessagesErr
	}
	return f.Store.ListMessages(ctx, id)
}

func (f *failingStore) GetOrCreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if f.getOrCreateErr != nil {
		return domain.User{}, f.getOrCreateErr
	}
	return f.Store.GetOrCreateUser(ctx, u)
}

var errStoreDown = errors.New("store down")

func analysisJSON(toxicity int) string {
	return fmt.Sprintf(`{
		"temperaments": {
			"you":   {"artisan": 5, "guardian": 6, "idealist": 7, "rational": 4},
			"other": {"artisan": 3, "guardian": 2, "idealist": 8, "rational": 9}
		},
		"emotional_aspects": {
			"positiveness": 6, "agreeableness": 5, "toxicity": %d,
			"empathy": 4, "emotional_depth": 3
		},
		"summary": "Scores follow the friendly tone.",
		"is_trafficker": false,
		"leaderboard_summary": "Polite small talk."
	}`, toxicity)
}

// env is a fully wired set of services over one store.
type env struct {
	store       Store
	gen         *fakeGenerator
	registry    *Registry
	convs       *Conversations
	annotator   *Annotator
	leaderboard *Leaderboard
}

func newEnv(t *testing.T, store Store, opts ...ConversationsOption) *env {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	gen := &fakeGenerator{out: analysisJSON(5)}
	locks := NewConversationLocks()

	registry, err := NewRegistry(store, nil)
	require.NoError(t, err)
	convs, err := NewConversations(registry, store, store, locks, nil, opts...)
	require.NoError(t, err)
	annotator, err := NewAnnotator(store, store, store, gen, locks, AnnotatorOptions{Model: "test-model"}, nil)
	require.NoError(t, err)
	board, err := NewLeaderboard(store, store, registry, 0)
	require.NoError(t, err)

	return &env{store: store, gen: gen, registry: registry, convs: convs, annotator: annotator, leaderboard: board}
}

func (e *env) login(t *testing.T, phone string) string {
	t.Helper()
	u, err := e.registry.Identify(context.Background(), phone)
	require.NoError(t, err)
	return u.ID
}

func (e *env) open(t *testing.T, a, b string) string {
	t.Helper()
	id, err := e.convs.Open(context.Background(), a, b)
	require.NoError(t, err)
	return id
}

func (e *env) send(t *testing.T, convID, sender, content string) domain.Message {
	t.Helper()
	msg, err := e.convs.Append(context.Background(), AppendInput{ConversationID: convID, SenderID: sender, Content: content})
	require.NoError(t, err)
	return msg
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	if reason != "" {
		require.Equal(t, reason, ue.Reason)
	}
}
