package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/convo/internal/identity"
)

const conversationColumns = `id, initiator_id, initiator_name, subject_kind, subject_id, archived, created_at, last_activity_at`

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c                 Conversation
		created, activity int64
	)
	if err := row.Scan(&c.ID, &c.Initiator.UserID, &c.Initiator.DisplayName, &c.Subject.Kind, &c.Subject.ID,
		&c.Archived, &created, &activity); err != nil {
		return nil, err
	}
	c.Initiator.Role = identity.Initiator
	c.CreatedAt = fromMillis(created)
	c.LastActivityAt = fromMillis(activity)
	return &c, nil
}

// CreateConversation inserts a new conversation owned by initiator. When a
// subject is given and a conversation for it already exists, the existing one
// is returned instead; its participants are never reassigned.
func (db *DB) CreateConversation(ctx context.Context, initiator identity.Identity, subject Subject, now time.Time) (*Conversation, error) {
	if initiator.Role != identity.Initiator || initiator.UserID == "" {
		return nil, fmt.Errorf("create conversation: initiator identity required")
	}
	if !subject.IsZero() && subject.ID == "" {
		return nil, fmt.Errorf("create conversation: subject %s without id", subject.Kind)
	}

	id := uuid.NewString()
	ms := millis(now)
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (subject_kind, subject_id) WHERE subject_kind != '' DO NOTHING`,
		id, initiator.UserID, initiator.DisplayName, subject.Kind, subject.ID, ms, ms)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if subject.IsZero() {
		return db.GetConversation(ctx, id)
	}
	return db.ConversationBySubject(ctx, subject)
}

// GetConversation returns a conversation by id.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return c, err
}

// ConversationBySubject returns the conversation attached to subject.
func (db *DB) ConversationBySubject(ctx context.Context, subject Subject) (*Conversation, error) {
	c, err := scanConversation(db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE subject_kind = ? AND subject_id = ?`,
		subject.Kind, subject.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, subject)
	}
	return c, err
}

// ListFilter selects conversations visible to a viewer.
type ListFilter struct {
	Viewer          identity.Identity
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ListConversations returns conversations ordered by last activity, newest
// first, each with the number of unread messages sent by the viewer's
// opposite role. Initiators only see their own conversations.
func (db *DB) ListConversations(ctx context.Context, f ListFilter) ([]Conversation, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `
		SELECT c.id, c.initiator_id, c.initiator_name, c.subject_kind, c.subject_id, c.archived,
			c.created_at, c.last_activity_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.read = 0 AND m.sender_role != ?) AS unread
		FROM conversations c
		WHERE (? = 1 OR c.archived = 0)`
	args := []any{f.Viewer.Role, f.IncludeArchived}
	if f.Viewer.Role != identity.Staff {
		query += ` AND c.initiator_id = ?`
		args = append(args, f.Viewer.UserID)
	}
	query += ` ORDER BY c.last_activity_at DESC, c.id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var (
			c                 Conversation
			created, activity int64
		)
		if err := rows.Scan(&c.ID, &c.Initiator.UserID, &c.Initiator.DisplayName, &c.Subject.Kind, &c.Subject.ID,
			&c.Archived, &created, &activity, &c.Unread); err != nil {
			return nil, err
		}
		c.Initiator.Role = identity.Initiator
		c.CreatedAt = fromMillis(created)
		c.LastActivityAt = fromMillis(activity)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ArchiveConversation hides a conversation from default listings and closes it
// to further appends. Archiving twice is a no-op.
func (db *DB) ArchiveConversation(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE conversations SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}
