package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"

	"chat-insights/internal/domain"
)

const defaultLeaderboardSize = 10

// Leaderboard is a read-only projection of stored annotations ranked by
// toxicity.
type Leaderboard struct {
	annotations AnnotationStore
	convs       ConversationStore
	registry    *Registry
	size        int
}

func NewLeaderboard(annotations AnnotationStore, convs ConversationStore, registry *Registry, size int) (*Leaderboard, error) {
	if annotations == nil {
		return nil, errors.New("usecase: annotation store must not be nil")
	}
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("usecase: registry must not be nil")
	}
	if size <= 0 {
		size = defaultLeaderboardSize
	}
	return &Leaderboard{annotations: annotations, convs: convs, registry: registry, size: size}, nil
}

// Top returns at most n analyzed conversations, most toxic first. Ties are
// broken by the most recent analysis, then by conversation id. n <= 0
// selects the configured size.
func (l *Leaderboard) Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	if n <= 0 {
		n = l.size
	}
	anns, err := l.annotations.ListAnnotations(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "store_annotation_error", err)
	}

	sort.SliceStable(anns, func(i, j int) bool {
		if anns[i].Toxicity() != anns[j].Toxicity() {
			return anns[i].Toxicity() > anns[j].Toxicity()
		}
		if !anns[i].AnalyzedAt.Equal(anns[j].AnalyzedAt) {
			return anns[i].AnalyzedAt.After(anns[j].AnalyzedAt)
		}
		return anns[i].ConversationID < anns[j].ConversationID
	})
	if len(anns) > n {
		anns = anns[:n]
	}

	out := make([]domain.LeaderboardEntry, 0, len(anns))
	for _, ann := range anns {
		participants, err := l.participantNames(ctx, ann.ConversationID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.LeaderboardEntry{
			ConversationID:     ann.ConversationID,
			Participants:       participants,
			Toxicity:           ann.Toxicity(),
			LeaderboardSummary: ann.Analysis.LeaderboardSummary,
		})
	}
	return out, nil
}

// PairScore returns the stored toxicity of the conversation between two
// users, or 0 when they have none or it was never analyzed.
func (l *Leaderboard) PairScore(ctx context.Context, userA, userB string) (int, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return 0, newError(ErrorInvalidInput, "missing_participant", nil)
	}
	conv, err := l.convs.FindConversationByPair(ctx, domain.PairKey(userA, userB))
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, newError(ErrorInternal, "store_conversation_error", err)
	}
	ann, err := l.annotations.GetAnnotation(ctx, conv.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, newError(ErrorInternal, "store_annotation_error", err)
	}
	return ann.Toxicity(), nil
}

// participantNames resolves both participants to display names, falling
// back to the raw user id for identities without a phone number.
func (l *Leaderboard) participantNames(ctx context.Context, conversationID string) ([]string, error) {
	conv, err := l.convs.GetConversation(ctx, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, newError(ErrorInternal, "store_conversation_error", err)
	}
	names := make([]string, 0, len(conv.Participants))
	for _, id := range conv.Participants {
		name, err := l.registry.DisplayName(ctx, id)
		if err != nil {
			return nil, err
		}
		if name == nil {
			names = append(names, id)
			continue
		}
		names = append(names, *name)
	}
	return names, nil
}
