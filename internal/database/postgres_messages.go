package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/models"
)

const messageColumns = `id, swap_request_id, sender_id, sender_name, receiver_id, receiver_name,
	content, message_type, attachments, is_read, read_at, edited_at, is_deleted, deleted_at,
	reply_to, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                         models.Message
		attachments               []byte
		readAt, editedAt, deleted sql.NullTime
		replyTo                   uuid.NullUUID
	)
	err := row.Scan(&m.ID, &m.SwapRequestID, &m.Sender.UserID, &m.Sender.Name, &m.Receiver.UserID,
		&m.Receiver.Name, &m.Content, &m.MessageType, &attachments, &m.IsRead, &readAt, &editedAt,
		&m.IsDeleted, &deleted, &replyTo, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	m.ReadAt = nullTime(readAt)
	m.EditedAt = nullTime(editedAt)
	m.DeletedAt = nullTime(deleted)
	if replyTo.Valid {
		id := replyTo.UUID
		m.ReplyTo = &id
	}
	return &m, nil
}

func (db *PostgresDB) CreateMessage(ctx context.Context, msg *models.Message) error {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	payload, err := jsonArg(attachments)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, swap_request_id, sender_id, sender_name, receiver_id, receiver_name,
			content, message_type, attachments, is_read, reply_to, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12
		WHERE EXISTS (SELECT 1 FROM swap_requests WHERE id = $2)`,
		msg.ID, msg.SwapRequestID, msg.Sender.UserID, msg.Sender.Name, msg.Receiver.UserID,
		msg.Receiver.Name, msg.Content, string(msg.MessageType), payload, msg.IsRead, msg.ReplyTo, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSwapRequestNotFound
	}
	return nil
}

func (db *PostgresDB) GetMessageByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (db *PostgresDB) EditMessage(ctx context.Context, id, senderID uuid.UUID, content string, editedAt, createdAfter time.Time) (*models.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `
		UPDATE messages SET content = $3, edited_at = $4
		WHERE id = $1 AND sender_id = $2 AND NOT is_deleted AND message_type = 'text' AND created_at > $5
		RETURNING `+messageColumns,
		id, senderID, content, editedAt, createdAfter))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.conflictOr(ctx, "messages", id, ErrMessageNotFound, ErrMessageConflict)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (db *PostgresDB) SoftDeleteMessage(ctx context.Context, id, senderID uuid.UUID, deletedAt, createdAfter time.Time) (*models.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `
		UPDATE messages SET is_deleted = TRUE, deleted_at = $3, content = $5
		WHERE id = $1 AND sender_id = $2 AND NOT is_deleted AND created_at > $4
		RETURNING `+messageColumns,
		id, senderID, deletedAt, createdAfter, models.DeletedTombstone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.conflictOr(ctx, "messages", id, ErrMessageNotFound, ErrMessageConflict)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (db *PostgresDB) MarkMessageAsRead(ctx context.Context, id, readerID uuid.UUID, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE, read_at = $3
		WHERE id = $1 AND receiver_id = $2 AND NOT is_read`, id, readerID, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if cerr := db.conflictOr(ctx, "messages", id, ErrMessageNotFound, nil); cerr != nil {
			return false, cerr
		}
		return false, nil
	}
	return true, nil
}

func (db *PostgresDB) MarkConversationRead(ctx context.Context, swapRequestID, readerID uuid.UUID, at time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE messages SET is_read = TRUE, read_at = $3
		WHERE swap_request_id = $1 AND receiver_id = $2 AND NOT is_read AND NOT is_deleted`,
		swapRequestID, readerID, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (db *PostgresDB) ListMessages(ctx context.Context, swapRequestID uuid.UUID, limit, offset int) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE swap_request_id = $1 AND NOT is_deleted
		ORDER BY created_at ASC`
	args := []any{swapRequestID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *PostgresDB) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT count(*) FROM messages WHERE receiver_id = $1 AND NOT is_read AND NOT is_deleted`,
		userID).Scan(&n)
	return n, err
}
