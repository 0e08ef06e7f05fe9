package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/models"
)

const sessionColumns = `id, user_id, token_digest, socket_id, is_online, is_active, last_activity,
	login_at, logout_at, device_info, session_type`

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s        models.Session
		socketID uuid.NullUUID
		logout   sql.NullTime
		device   []byte
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TokenDigest, &socketID, &s.IsOnline, &s.IsActive,
		&s.LastActivity, &s.LoginAt, &logout, &device, &s.SessionType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(device, &s.DeviceInfo); err != nil {
		return nil, err
	}
	if socketID.Valid {
		id := socketID.UUID
		s.SocketID = &id
	}
	s.LogoutAt = nullTime(logout)
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *PostgresDB) CreateSession(ctx context.Context, s *models.Session, maxActive int) ([]*models.Session, error) {
	device, err := jsonArg(s.DeviceInfo)
	if err != nil {
		return nil, err
	}

	var evicted []*models.Session
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 1))`,
			"session:"+s.UserID.String()); err != nil {
			return err
		}

		var active int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM user_sessions WHERE user_id = $1 AND is_active`, s.UserID).Scan(&active); err != nil {
			return err
		}

		if excess := active - maxActive + 1; excess > 0 {
			rows, err := tx.QueryContext(ctx, `
				UPDATE user_sessions SET is_active = FALSE, is_online = FALSE, socket_id = NULL, logout_at = $2
				WHERE id IN (
					SELECT id FROM user_sessions
					WHERE user_id = $1 AND is_active
					ORDER BY last_activity ASC
					LIMIT $3
				)
				RETURNING `+sessionColumns,
				s.UserID, s.LoginAt, excess)
			if err != nil {
				return err
			}
			if evicted, err = collectSessions(rows); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_sessions (id, user_id, token_digest, socket_id, is_online, is_active,
				last_activity, login_at, device_info, session_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
			s.ID, s.UserID, s.TokenDigest, s.SocketID, s.IsOnline, s.IsActive,
			s.LastActivity, s.LoginAt, device, s.SessionType)
		return err
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

func (db *PostgresDB) GetSessionByTokenDigest(ctx context.Context, digest string) (*models.Session, error) {
	s, err := scanSession(db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions WHERE token_digest = $1 AND is_active`, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (db *PostgresDB) AttachSession(ctx context.Context, id, socketID uuid.UUID, at time.Time) (*models.Session, error) {
	s, err := scanSession(db.QueryRowContext(ctx, `
		UPDATE user_sessions SET socket_id = $2, is_online = TRUE, last_activity = $3
		WHERE id = $1 AND is_active
		RETURNING `+sessionColumns, id, socketID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (db *PostgresDB) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE user_sessions SET last_activity = $2 WHERE id = $1 AND is_active`, id, at)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (db *PostgresDB) SetSessionOffline(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := db.ExecContext(ctx, `
		UPDATE user_sessions SET is_online = FALSE, socket_id = NULL, last_activity = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (db *PostgresDB) LatestSession(ctx context.Context, userID uuid.UUID) (*models.Session, error) {
	s, err := scanSession(db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM user_sessions
		WHERE user_id = $1 AND is_active
		ORDER BY last_activity DESC
		LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (db *PostgresDB) InvalidateUserSessions(ctx context.Context, userID, except uuid.UUID, at time.Time) ([]*models.Session, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE user_sessions SET is_active = FALSE, is_online = FALSE, socket_id = NULL, logout_at = $3
		WHERE user_id = $1 AND is_active AND id <> $2
		RETURNING `+sessionColumns, userID, except, at)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (db *PostgresDB) ExpireIdleSessions(ctx context.Context, cutoff, at time.Time) ([]*models.Session, error) {
	rows, err := db.QueryContext(ctx, `
		UPDATE user_sessions SET is_active = FALSE, is_online = FALSE, socket_id = NULL, logout_at = $2
		WHERE is_active AND last_activity < $1
		RETURNING `+sessionColumns, cutoff, at)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}
