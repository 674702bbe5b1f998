// Package memory is a process-local Store. It is safe for concurrent use
// and loses everything on restart.
package memory

import (
	"context"
	"sync"

	"chat-insights/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	usersByID    map[string]domain.User
	usersByPhone map[string]string

	convs       map[string]domain.Conversation
	convsByPair map[string]string
	convOrder   []string

	messages    map[string][]domain.Message
	annotations map[string]domain.Annotation
}

func New() *Store {
	return &Store{
		usersByID:    make(map[string]domain.User),
		usersByPhone: make(map[string]string),
		convs:        make(map[string]domain.Conversation),
		convsByPair:  make(map[string]string),
		messages:     make(map[string][]domain.Message),
		annotations:  make(map[string]domain.Annotation),
	}
}

func (s *Store) GetOrCreateUser(_ context.Context, candidate domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.usersByPhone[candidate.PhoneNumber]; ok {
		return s.usersByID[id], nil
	}
	s.usersByPhone[candidate.PhoneNumber] = candidate.ID
	s.usersByID[candidate.ID] = candidate
	return candidate, nil
}

func (s *Store) GetUser(_ context.Context, userID string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *Store) FindUserByPhone(_ context.Context, phone string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByPhone[phone]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return s.usersByID[id], nil
}

func (s *Store) CreateConversation(_ context.Context, conv domain.Conversation) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.convsByPair[conv.PairKey]; ok {
		return s.convs[id], nil
	}
	s.convs[conv.ID] = conv
	s.convsByPair[conv.PairKey] = conv.ID
	s.convOrder = append(s.convOrder, conv.ID)
	s.messages[conv.ID] = nil
	return conv, nil
}

func (s *Store) GetConversation(_ context.Context, conversationID string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) FindConversationByPair(_ context.Context, pairKey string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.convsByPair[pairKey]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return s.convs[id], nil
}

func (s *Store) ListConversations(_ context.Context, userID string) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Conversation
	for _, id := range s.convOrder {
		if c := s.convs[id]; c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) AppendMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[msg.ConversationID]; !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	log := s.messages[msg.ConversationID]
	msg.Seq = int64(len(log)) + 1
	s.messages[msg.ConversationID] = append(log, msg)
	return msg, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[conversationID]
	out := make([]domain.Message, len(log))
	copy(out, log)
	return out, nil
}

func (s *Store) LastMessage(_ context.Context, conversationID string) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[conversationID]
	if len(log) == 0 {
		return domain.Message{}, domain.ErrNotFound
	}
	return log[len(log)-1], nil
}

func (s *Store) PutAnnotation(_ context.Context, ann domain.Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations[ann.ConversationID] = ann
	return nil
}

func (s *Store) GetAnnotation(_ context.Context, conversationID string) (domain.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ann, ok := s.annotations[conversationID]
	if !ok {
		return domain.Annotation{}, domain.ErrNotFound
	}
	return ann, nil
}

func (s *Store) ListAnnotations(_ context.Context) ([]domain.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Annotation, 0, len(s.annotations))
	for _, ann := range s.annotations {
		out = append(out, ann)
	}
	return out, nil
}
