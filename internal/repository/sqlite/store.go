package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-insights/internal/domain"
)

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlite: db must not be nil")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type userRow struct {
	ID          string `db:"id"`
	PhoneNumber string `db:"phone_number"`
	CreatedAt   int64  `db:"created_at"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{ID: r.ID, PhoneNumber: r.PhoneNumber, CreatedAt: fromUnixNano(r.CreatedAt)}
}

type conversationRow struct {
	ID           string `db:"id"`
	ParticipantA string `db:"participant_a"`
	ParticipantB string `db:"participant_b"`
	PairKey      string `db:"pair_key"`
	CreatedAt    int64  `db:"created_at"`
}

func (r conversationRow) toDomain() domain.Conversation {
	return domain.Conversation{
		ID:           r.ID,
		Participants: [2]string{r.ParticipantA, r.ParticipantB},
		PairKey:      r.PairKey,
		CreatedAt:    fromUnixNano(r.CreatedAt),
	}
}

type messageRow struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	Content        string `db:"content"`
	Seq            int64  `db:"seq"`
	CreatedAt      int64  `db:"created_at"`
}

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Seq:            r.Seq,
		CreatedAt:      fromUnixNano(r.CreatedAt),
	}
}

type annotationRow struct {
	ConversationID string `db:"conversation_id"`
	AnalysisJSON   string `db:"analysis_json"`
	AnalyzedAt     int64  `db:"analyzed_at"`
}

func (r annotationRow) toDomain() (domain.Annotation, error) {
	var a domain.Analysis
	if err := json.Unmarshal([]byte(r.AnalysisJSON), &a); err != nil {
		return domain.Annotation{}, fmt.Errorf("decode analysis for %s: %w", r.ConversationID, err)
	}
	return domain.Annotation{ConversationID: r.ConversationID, Analysis: a, AnalyzedAt: fromUnixNano(r.AnalyzedAt)}, nil
}

func (s *Store) GetOrCreateUser(ctx context.Context, candidate domain.User) (domain.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone_number, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(phone_number) DO NOTHING`,
		candidate.ID, candidate.PhoneNumber, candidate.CreatedAt.UnixNano())
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetOrCreateUser insert: %w", err)
	}
	u, err := s.FindUserByPhone(ctx, candidate.PhoneNumber)
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetOrCreateUser: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT id, phone_number, created_at FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) FindUserByPhone(ctx context.Context, phone string) (domain.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT id, phone_number, created_at FROM users WHERE phone_number = ?`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: FindUserByPhone: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, participant_a, participant_b, pair_key, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(pair_key) DO NOTHING`,
		conv.ID, conv.Participants[0], conv.Participants[1], conv.PairKey, conv.CreatedAt.UnixNano())
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation insert: %w", err)
	}
	stored, err := s.FindConversationByPair(ctx, conv.PairKey)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return stored, nil
}

const conversationColumns = `id, participant_a, participant_b, pair_key, created_at`

func (s *Store) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) FindConversationByPair(ctx context.Context, pairKey string) (domain.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE pair_key = ?`, pairKey)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindConversationByPair: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE participant_a = ? OR participant_b = ?
		 ORDER BY created_at, id`,
		userID, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations: %w", err)
	}
	out := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// AppendMessage assigns the next sequence number inside a transaction so
// concurrent appends cannot share one.
func (s *Store) AppendMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(1) FROM conversations WHERE id = ?`, msg.ConversationID); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage lookup: %w", err)
	}
	if exists == 0 {
		return domain.Message{}, domain.ErrNotFound
	}

	if err := tx.GetContext(ctx, &msg.Seq,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, msg.ConversationID); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage next seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, seq, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Seq, msg.CreatedAt.UnixNano()); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("repository: AppendMessage commit: %w", err)
	}
	return msg, nil
}

const messageColumns = `id, conversation_id, sender_id, content, seq, created_at`

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) LastMessage(ctx context.Context, conversationID string) (domain.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: LastMessage: %w", err)
	}
	return row.toDomain(), nil
}

// PutAnnotation replaces the conversation's annotation in one statement.
func (s *Store) PutAnnotation(ctx context.Context, ann domain.Annotation) error {
	body, err := json.Marshal(ann.Analysis)
	if err != nil {
		return fmt.Errorf("repository: PutAnnotation encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO annotations (conversation_id, toxicity, summary, leaderboard_summary, is_trafficker, analysis_json, analyzed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   toxicity = excluded.toxicity,
		   summary = excluded.summary,
		   leaderboard_summary = excluded.leaderboard_summary,
		   is_trafficker = excluded.is_trafficker,
		   analysis_json = excluded.analysis_json,
		   analyzed_at = excluded.analyzed_at`,
		ann.ConversationID,
		ann.Toxicity(),
		ann.Analysis.Summary,
		ann.Analysis.LeaderboardSummary,
		boolToInt(ann.Analysis.IsTrafficker),
		string(body),
		ann.AnalyzedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("repository: PutAnnotation: %w", err)
	}
	return nil
}

func (s *Store) GetAnnotation(ctx context.Context, conversationID string) (domain.Annotation, error) {
	var row annotationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT conversation_id, analysis_json, analyzed_at FROM annotations WHERE conversation_id = ?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Annotation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Annotation{}, fmt.Errorf("repository: GetAnnotation: %w", err)
	}
	ann, err := row.toDomain()
	if err != nil {
		return domain.Annotation{}, fmt.Errorf("repository: GetAnnotation: %w", err)
	}
	return ann, nil
}

func (s *Store) ListAnnotations(ctx context.Context) ([]domain.Annotation, error) {
	var rows []annotationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT conversation_id, analysis_json, analyzed_at FROM annotations ORDER BY toxicity DESC, conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("repository: ListAnnotations: %w", err)
	}
	out := make([]domain.Annotation, 0, len(rows))
	for _, r := range rows {
		ann, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("repository: ListAnnotations: %w", err)
		}
		out = append(out, ann)
	}
	return out, nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
