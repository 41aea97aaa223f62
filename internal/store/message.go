package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convo/internal/identity"
)

const messageColumns = `id, conversation_id, client_id, sender_id, sender_name, sender_role, kind, body,
	attachment_url, thumbnail_url, attachment_size, attachment_mime, attachment_name, duration_sec, sent_at, read`

func scanMessage(row scanner) (Message, error) {
	var (
		m      Message
		a      Attachment
		sentAt int64
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.ClientID, &m.SenderID, &m.SenderName, &m.SenderRole, &m.Kind, &m.Body,
		&a.URL, &a.ThumbnailURL, &a.Size, &a.MimeType, &a.FileName, &a.DurationSec, &sentAt, &m.Read)
	if err != nil {
		return Message{}, err
	}
	if a.URL != "" {
		m.Attachment = &a
	}
	m.SentAt = fromMillis(sentAt)
	return m, nil
}

// attachmentArgs flattens an optional attachment into column values.
func attachmentArgs(a *Attachment) []any {
	if a == nil {
		a = &Attachment{}
	}
	return []any{a.URL, a.ThumbnailURL, a.Size, a.MimeType, a.FileName, a.DurationSec}
}

// AppendMessage appends d to a conversation in one transaction and returns the
// stored message. The send time is max(now, last activity) so it never moves
// backwards within a conversation; ties are ordered by id.
//
// Appending a draft whose client id is already stored returns the existing
// message with created=false when sender and payload match, and
// ErrClientIDConflict otherwise.
func (db *DB) AppendMessage(ctx context.Context, convID string, d Draft, now time.Time) (msg Message, created bool, err error) {
	if err := d.Validate(); err != nil {
		return Message{}, false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, fmt.Errorf("append: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, convID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, rejected(convID, "conversation does not exist", ErrConversationNotFound)
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("append: load conversation: %w", err)
	}

	existing, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND client_id = ?`, convID, d.ClientID))
	switch {
	case err == nil:
		if !d.Repeats(existing) {
			return Message{}, false, fmt.Errorf("append: %w: %s", ErrClientIDConflict, d.ClientID)
		}
		if err := tx.Commit(); err != nil {
			return Message{}, false, fmt.Errorf("append: commit: %w", err)
		}
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Message{}, false, fmt.Errorf("append: lookup client id: %w", err)
	}

	if !conv.Admits(d.Sender) {
		return Message{}, false, rejected(convID,
			fmt.Sprintf("%s %s is not a participant", d.Sender.Role, d.Sender.UserID), nil)
	}
	if conv.Archived {
		return Message{}, false, rejected(convID, "conversation is archived", nil)
	}

	sentAt := now
	if conv.LastActivityAt.After(sentAt) {
		sentAt = conv.LastActivityAt
	}

	args := []any{convID, d.ClientID, d.Sender.UserID, d.Sender.DisplayName, d.Sender.Role, d.Kind, d.Body}
	args = append(args, attachmentArgs(d.Attachment)...)
	args = append(args, millis(sentAt))
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, client_id, sender_id, sender_name, sender_role, kind, body,
			attachment_url, thumbnail_url, attachment_size, attachment_mime, attachment_name, duration_sec, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return Message{}, false, fmt.Errorf("append: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, false, fmt.Errorf("append: last insert id: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET last_activity_at = ? WHERE id = ?`,
		millis(sentAt), convID); err != nil {
		return Message{}, false, fmt.Errorf("append: touch conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return Message{}, false, fmt.Errorf("append: commit: %w", err)
	}

	return Message{
		ID:             id,
		ConversationID: convID,
		ClientID:       d.ClientID,
		SenderID:       d.Sender.UserID,
		SenderName:     d.Sender.DisplayName,
		SenderRole:     d.Sender.Role,
		Kind:           d.Kind,
		Body:           d.Body,
		Attachment:     d.Attachment,
		SentAt:         fromMillis(millis(sentAt)),
	}, true, nil
}

// Messages returns the full log of a conversation in send order.
func (db *DB) Messages(ctx context.Context, convID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, id ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns one message by id.
func (db *DB) GetMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: %d", ErrMessageNotFound, id)
	}
	return m, err
}

// MarkRead sets the read flag of a message. It reports whether the flag
// changed; marking an already read message is a no-op.
func (db *DB) MarkRead(ctx context.Context, id int64) (convID string, changed bool, err error) {
	res, err := db.ExecContext(ctx, `UPDATE messages SET read = 1 WHERE id = ? AND read = 0`, id)
	if err != nil {
		return "", false, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("mark read: %w", err)
	}
	err = db.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, id).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("%w: %d", ErrMessageNotFound, id)
	}
	if err != nil {
		return "", false, fmt.Errorf("mark read: %w", err)
	}
	return convID, n > 0, nil
}

// UnreadFrom returns ids of unread messages in a conversation sent by role.
func (db *DB) UnreadFrom(ctx context.Context, convID string, role identity.Role) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ? AND sender_role = ? AND read = 0
		ORDER BY sent_at, id`, convID, role)
	if err != nil {
		return nil, fmt.Errorf("unread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
