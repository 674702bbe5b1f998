package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// User is a phone-number identity. Created on first sight, never mutated.
type User struct {
	ID          string
	PhoneNumber string
	CreatedAt   time.Time
}

// Conversation is a two-party thread. Participants holds the pair in
// registration order: the initiator first.
type Conversation struct {
	ID           string
	Participants [2]string
	PairKey      string
	CreatedAt    time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Counterpart returns the participant that is not userID.
func (c Conversation) Counterpart(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// PairKey returns the order-independent key for a pair of user ids.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "#" + b
}

// Message is an immutable entry in a conversation's log. Seq is the
// per-conversation ordering token, starting at 1.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Seq            int64
	CreatedAt      time.Time
}

// ConversationSummary is a conversation as seen from one participant.
type ConversationSummary struct {
	ConversationID string
	Counterpart    *string
	LastMessage    *string
}
