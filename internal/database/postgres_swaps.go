package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/models"
)

const swapColumns = `id, requester, receiver, skill_exchange, status, message, proposed_format,
	proposed_duration, expires_at, accepted_at, rejected_at, cancelled_at, completed_at,
	recent_messages, message_count, last_message_at, requester_rating, receiver_rating,
	is_archived, created_at, updated_at`

func scanSwap(row rowScanner) (*models.SwapRequest, error) {
	var (
		r                                        models.SwapRequest
		requester, receiver, exchange, recent    []byte
		requesterRating, receiverRating          []byte
		accepted, rejected, cancelled, completed sql.NullTime
		lastMessage                              sql.NullTime
	)
	err := row.Scan(&r.ID, &requester, &receiver, &exchange, &r.Status, &r.Message, &r.ProposedFormat,
		&r.ProposedDuration, &r.ExpiresAt, &accepted, &rejected, &cancelled, &completed,
		&recent, &r.MessageCount, &lastMessage, &requesterRating, &receiverRating,
		&r.IsArchived, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{requester, &r.Requester},
		{receiver, &r.Receiver},
		{exchange, &r.SkillExchange},
		{recent, &r.RecentMessages},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode swap request %s: %w", r.ID, err)
		}
	}
	if requesterRating != nil {
		r.Ratings.RequesterRating = &models.Rating{}
		if err := json.Unmarshal(requesterRating, r.Ratings.RequesterRating); err != nil {
			return nil, err
		}
	}
	if receiverRating != nil {
		r.Ratings.ReceiverRating = &models.Rating{}
		if err := json.Unmarshal(receiverRating, r.Ratings.ReceiverRating); err != nil {
			return nil, err
		}
	}

	r.AcceptedAt = nullTime(accepted)
	r.RejectedAt = nullTime(rejected)
	r.CancelledAt = nullTime(cancelled)
	r.CompletedAt = nullTime(completed)
	r.LastMessageAt = nullTime(lastMessage)
	return &r, nil
}

func scanSwaps(rows *sql.Rows) ([]*models.SwapRequest, error) {
	defer rows.Close()

	var out []*models.SwapRequest
	for rows.Next() {
		r, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// pairLockKey is the same for (a, b) and (b, a)
func pairLockKey(a, b uuid.UUID) string {
	sa, sb := a.String(), b.String()
	if sa > sb {
		sa, sb = sb, sa
	}
	return "swap:" + sa + ":" + sb
}

func (db *PostgresDB) CreateSwapRequest(ctx context.Context, req *models.SwapRequest, now time.Time) error {
	requester, err := jsonArg(req.Requester)
	if err != nil {
		return err
	}
	receiver, err := jsonArg(req.Receiver)
	if err != nil {
		return err
	}
	exchange, err := jsonArg(req.SkillExchange)
	if err != nil {
		return err
	}
	recent := req.RecentMessages
	if recent == nil {
		recent = []models.EmbeddedMessage{}
	}
	recentJSON, err := jsonArg(recent)
	if err != nil {
		return err
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		// Serialize creators for the same pair so the existence check and the
		// insert behave as one step.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			pairLockKey(req.Requester.UserID, req.Receiver.UserID)); err != nil {
			return err
		}

		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM swap_requests
				WHERE ((requester_id = $1 AND receiver_id = $2) OR (requester_id = $2 AND receiver_id = $1))
				  AND (status = 'accepted' OR (status = 'pending' AND expires_at > $3))
			)`, req.Requester.UserID, req.Receiver.UserID, now).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return ErrActiveSwapExists
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO swap_requests (id, requester_id, requester, receiver_id, receiver, skill_exchange,
				status, message, proposed_format, proposed_duration, expires_at, recent_messages,
				message_count, created_at, updated_at)
			VALUES ($1, $2, $3::jsonb, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10, $11, $12::jsonb, $13, $14, $15)`,
			req.ID, req.Requester.UserID, requester, req.Receiver.UserID, receiver, exchange,
			req.Status, req.Message, req.ProposedFormat, req.ProposedDuration, req.ExpiresAt, recentJSON,
			req.MessageCount, req.CreatedAt, req.UpdatedAt)
		return err
	})
}

func (db *PostgresDB) GetSwapRequest(ctx context.Context, id uuid.UUID) (*models.SwapRequest, error) {
	r, err := scanSwap(db.QueryRowContext(ctx, `SELECT `+swapColumns+` FROM swap_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwapRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// conflictOr distinguishes a missing row from a failed condition after a
// conditional UPDATE matched nothing.
func (db *PostgresDB) conflictOr(ctx context.Context, table string, id uuid.UUID, notFound, conflict error) error {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return conflict
}

func (db *PostgresDB) TransitionSwapStatus(ctx context.Context, id uuid.UUID, from, to models.SwapStatus, at time.Time) (*models.SwapRequest, error) {
	r, err := scanSwap(db.QueryRowContext(ctx, `
		UPDATE swap_requests SET
			status = $3::text,
			updated_at = $4,
			accepted_at  = CASE WHEN $3::text = 'accepted'  THEN $4 ELSE accepted_at END,
			rejected_at  = CASE WHEN $3::text = 'rejected'  THEN $4 ELSE rejected_at END,
			cancelled_at = CASE WHEN $3::text = 'cancelled' THEN $4 ELSE cancelled_at END,
			completed_at = CASE WHEN $3::text = 'completed' THEN $4 ELSE completed_at END
		WHERE id = $1 AND status = $2
		RETURNING `+swapColumns,
		id, string(from), string(to), at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.conflictOr(ctx, "swap_requests", id, ErrSwapRequestNotFound, ErrStatusConflict)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (db *PostgresDB) SetSwapRating(ctx context.Context, id uuid.UUID, slot models.RatingSlot, rating models.Rating) (*models.SwapRequest, error) {
	var col, rated string
	switch slot {
	case models.SlotRequester:
		col, rated = "requester_rating", "requester_id"
	case models.SlotReceiver:
		col, rated = "receiver_rating", "receiver_id"
	default:
		return nil, ErrRatingConflict
	}
	payload, err := jsonArg(rating)
	if err != nil {
		return nil, err
	}

	// The dirty flag is written by the same statement as the slot, so a
	// crash between here and the aggregate update still leaves a trace.
	query := fmt.Sprintf(`
		WITH slot AS (
			UPDATE swap_requests SET %[1]s = $2::jsonb, updated_at = $3
			WHERE id = $1 AND status = 'completed' AND %[1]s IS NULL
			RETURNING *
		), flagged AS (
			UPDATE users SET rating_dirty = TRUE
			WHERE id = (SELECT %[2]s FROM slot)
		)
		SELECT `+swapColumns+` FROM slot`, col, rated)
	r, err := scanSwap(db.QueryRowContext(ctx, query, id, payload, rating.CreatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.conflictOr(ctx, "swap_requests", id, ErrSwapRequestNotFound, ErrRatingConflict)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (db *PostgresDB) AppendRecentMessage(ctx context.Context, id uuid.UUID, msg models.EmbeddedMessage, limit int) error {
	payload, err := jsonArg(msg)
	if err != nil {
		return err
	}
	// The window is rebuilt from the current row inside the UPDATE, so
	// concurrent appends serialize on the row lock and each sees the other.
	result, err := db.ExecContext(ctx, `
		UPDATE swap_requests SET
			recent_messages = (
				SELECT COALESCE(jsonb_agg(w.elem ORDER BY w.ord), '[]'::jsonb)
				FROM (
					SELECT t.elem, t.ord
					FROM jsonb_array_elements(swap_requests.recent_messages || jsonb_build_array($2::jsonb))
						WITH ORDINALITY AS t(elem, ord)
					ORDER BY t.ord DESC
					LIMIT $3
				) w
			),
			message_count = message_count + 1,
			last_message_at = $4,
			updated_at = $4
		WHERE id = $1`,
		id, payload, limit, msg.Timestamp)
	if err != nil {
		return err
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

func (db *PostgresDB) MarkRecentMessagesRead(ctx context.Context, id, readerID uuid.UUID) (int, error) {
	var changed int
	err := db.QueryRowContext(ctx, `
		WITH target AS (
			SELECT id, (
				SELECT count(*) FROM jsonb_array_elements(recent_messages) e
				WHERE e->>'sender_id' <> $2::text AND NOT (e->>'is_read')::boolean
			) AS unread
			FROM swap_requests WHERE id = $1
			FOR UPDATE
		)
		UPDATE swap_requests s SET recent_messages = (
			SELECT jsonb_agg(
				CASE WHEN t.elem->>'sender_id' <> $2::text
					THEN jsonb_set(t.elem, '{is_read}', 'true'::jsonb)
					ELSE t.elem END
				ORDER BY t.ord)
			FROM jsonb_array_elements(s.recent_messages) WITH ORDINALITY AS t(elem, ord)
		)
		FROM target
		WHERE s.id = target.id AND target.unread > 0
		RETURNING target.unread`,
		id, readerID.String()).Scan(&changed)
	if errors.Is(err, sql.ErrNoRows) {
		// Either nothing to flag or no such request.
		if cerr := db.conflictOr(ctx, "swap_requests", id, ErrSwapRequestNotFound, nil); cerr != nil {
			return 0, cerr
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (db *PostgresDB) ListSwapRequestsByUser(ctx context.Context, userID uuid.UUID, filter models.SwapFilter) ([]*models.SwapRequest, error) {
	var (
		where []string
		args  = []any{userID}
	)
	switch filter.Role {
	case "sent":
		where = append(where, "requester_id = $1")
	case "received":
		where = append(where, "receiver_id = $1")
	default:
		where = append(where, "(requester_id = $1 OR receiver_id = $1)")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Archived != nil {
		args = append(args, *filter.Archived)
		where = append(where, fmt.Sprintf("is_archived = $%d", len(args)))
	}

	query := `SELECT ` + swapColumns + ` FROM swap_requests WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query swap requests: %w", err)
	}
	return scanSwaps(rows)
}

func (db *PostgresDB) ListPendingForReceiver(ctx context.Context, userID uuid.UUID, now time.Time) ([]*models.SwapRequest, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+swapColumns+` FROM swap_requests
		WHERE receiver_id = $1 AND status = 'pending' AND expires_at > $2
		ORDER BY created_at DESC`, userID, now)
	if err != nil {
		return nil, err
	}
	return scanSwaps(rows)
}

func (db *PostgresDB) ListActiveCounterparts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT CASE WHEN requester_id = $1 THEN receiver_id ELSE requester_id END
		FROM swap_requests
		WHERE (requester_id = $1 OR receiver_id = $1) AND status IN ('pending', 'accepted')`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (db *PostgresDB) ArchiveCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE swap_requests SET is_archived = TRUE
		WHERE status = 'completed' AND NOT is_archived AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
