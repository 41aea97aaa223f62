package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `client_id, conversation_id, sender_id, sender_name, sender_role, kind, body,
	attachment_url, thumbnail_url, attachment_size, attachment_mime, attachment_name, duration_sec,
	status, attempts, last_error, message_id, created_at, updated_at`

func scanOutbox(row scanner) (OutboxEntry, error) {
	var (
		e                OutboxEntry
		a                Attachment
		created, updated int64
	)
	err := row.Scan(&e.ClientID, &e.ConversationID, &e.Sender.UserID, &e.Sender.DisplayName, &e.Sender.Role, &e.Kind, &e.Body,
		&a.URL, &a.ThumbnailURL, &a.Size, &a.MimeType, &a.FileName, &a.DurationSec,
		&e.Status, &e.Attempts, &e.LastError, &e.MessageID, &created, &updated)
	if err != nil {
		return OutboxEntry{}, err
	}
	if a.URL != "" {
		e.Attachment = &a
	}
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}

// QueueOutbox journals a pending send with status queued.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	now := time.Now()
	e.Status = OutboxQueued
	e.CreatedAt = fromMillis(millis(now))
	e.UpdatedAt = e.CreatedAt

	args := []any{e.ClientID, e.ConversationID, e.Sender.UserID, e.Sender.DisplayName, e.Sender.Role, e.Kind, e.Body}
	args = append(args, attachmentArgs(e.Attachment)...)
	args = append(args, e.Status, millis(now), millis(now))
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_id, conversation_id, sender_id, sender_name, sender_role, kind, body,
			attachment_url, thumbnail_url, attachment_size, attachment_mime, attachment_name, duration_sec,
			status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("queue outbox: %w", err)
	}
	return nil
}

// MarkOutboxSending moves an entry to sending and counts the attempt.
func (db *DB) MarkOutboxSending(ctx context.Context, clientID string) error {
	return db.updateOutbox(ctx, clientID,
		`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_id = ?`,
		millis(time.Now()), clientID)
}

// MarkOutboxSent records the authoritative message id of a delivered entry.
func (db *DB) MarkOutboxSent(ctx context.Context, clientID string, messageID int64) error {
	return db.updateOutbox(ctx, clientID,
		`UPDATE outbox SET status = 'sent', message_id = ?, last_error = '', updated_at = ? WHERE client_id = ?`,
		messageID, millis(time.Now()), clientID)
}

// MarkOutboxFailed keeps a failed entry with its error for manual retry.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientID, errMsg string) error {
	return db.updateOutbox(ctx, clientID,
		`UPDATE outbox SET status = 'failed', last_error = ?, updated_at = ? WHERE client_id = ?`,
		errMsg, millis(time.Now()), clientID)
}

// RequeueOutbox moves a failed entry back to queued. Entries in any other
// state are left untouched and reported as not requeued.
func (db *DB) RequeueOutbox(ctx context.Context, clientID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'queued', updated_at = ? WHERE client_id = ? AND status = 'failed'`,
		millis(time.Now()), clientID)
	if err != nil {
		return false, fmt.Errorf("requeue outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) updateOutbox(ctx context.Context, clientID, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox %s: %w", clientID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrOutboxNotFound, clientID)
	}
	return nil
}

// OutboxEntry returns one journaled entry.
func (db *DB) OutboxEntry(ctx context.Context, clientID string) (OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE client_id = ?`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, fmt.Errorf("%w: %s", ErrOutboxNotFound, clientID)
	}
	return e, err
}

// PendingOutbox returns entries left queued or sending, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	return db.queryOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status IN ('queued', 'sending')
		ORDER BY created_at ASC, rowid ASC`)
}

// UndeliveredOutbox returns the entries of a conversation that have not been
// sent yet, failed ones included, oldest first.
func (db *DB) UndeliveredOutbox(ctx context.Context, convID string) ([]OutboxEntry, error) {
	return db.queryOutbox(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE conversation_id = ? AND status != 'sent'
		ORDER BY created_at ASC, rowid ASC`, convID)
}

func (db *DB) queryOutbox(ctx context.Context, query string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
