package database

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/skillswap/swapcore/internal/models"
)

//go:embed schema.sql
var schema string

type PostgresDB struct {
	*sql.DB
}

func NewPostgresDB(connStr string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresDB{db}, nil
}

// EnsureSchema creates missing tables and indexes
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) Close() error {
	return db.DB.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// jsonArg encodes v as a string so lib/pq sends it as text, not bytea.
func jsonArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// withTx runs fn in a transaction and commits when it returns nil
func (db *PostgresDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const userColumns = `id, name, COALESCE(email, ''), COALESCE(profile_photo_url, ''), is_active,
	skills_offered, skills_wanted, rating_total, rating_count, rating_average, created_at, last_active`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var offered, wanted []byte
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.ProfilePhotoURL, &u.IsActive,
		&offered, &wanted, &u.Rating.Total, &u.Rating.Count, &u.Rating.Average, &u.CreatedAt, &u.LastActive)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(offered, &u.SkillsOffered); err != nil {
		return nil, fmt.Errorf("decode skills_offered: %w", err)
	}
	if err := json.Unmarshal(wanted, &u.SkillsWanted); err != nil {
		return nil, fmt.Errorf("decode skills_wanted: %w", err)
	}
	return &u, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, err := scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (db *PostgresDB) GetSkillByID(ctx context.Context, id uuid.UUID) (*models.Skill, error) {
	var s models.Skill
	err := db.QueryRowContext(ctx, `SELECT id, name, category FROM skills WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSkillNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *PostgresDB) SaveUser(ctx context.Context, u *models.User) error {
	offered, err := jsonArg(nonNilSkills(u.SkillsOffered))
	if err != nil {
		return err
	}
	wanted, err := jsonArg(nonNilSkills(u.SkillsWanted))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, profile_photo_url, is_active, skills_offered, skills_wanted,
		                   rating_total, rating_count, rating_average, created_at, last_active)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			profile_photo_url = EXCLUDED.profile_photo_url,
			is_active = EXCLUDED.is_active,
			skills_offered = EXCLUDED.skills_offered,
			skills_wanted = EXCLUDED.skills_wanted`,
		u.ID, u.Name, u.Email, u.ProfilePhotoURL, u.IsActive, offered, wanted,
		u.Rating.Total, u.Rating.Count, u.Rating.Average, u.CreatedAt, u.LastActive)
	return err
}

func (db *PostgresDB) SaveSkill(ctx context.Context, s *models.Skill) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO skills (id, name, category) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category`,
		s.ID, s.Name, s.Category)
	return err
}

func (db *PostgresDB) IncrementUserRating(ctx context.Context, userID uuid.UUID, rating int) (*models.RatingAggregate, error) {
	var agg models.RatingAggregate
	err := db.QueryRowContext(ctx, `
		UPDATE users SET
			rating_total = rating_total + $2,
			rating_count = rating_count + 1,
			rating_average = (rating_total + $2)::double precision / (rating_count + 1),
			rating_dirty = TRUE
		WHERE id = $1
		RETURNING rating_total, rating_count, rating_average`,
		userID, rating).Scan(&agg.Total, &agg.Count, &agg.Average)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// RecomputeUserRating locks the user row first so the aggregate is read in a
// statement that sees every rating committed before the lock was granted.
func (db *PostgresDB) RecomputeUserRating(ctx context.Context, userID uuid.UUID) (*models.RatingAggregate, error) {
	var agg models.RatingAggregate
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var locked uuid.UUID
		if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&locked); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			WITH received AS (
				SELECT (requester_rating->>'rating')::int AS r FROM swap_requests
				WHERE requester_id = $1 AND requester_rating IS NOT NULL
				UNION ALL
				SELECT (receiver_rating->>'rating')::int FROM swap_requests
				WHERE receiver_id = $1 AND receiver_rating IS NOT NULL
			)
			UPDATE users SET
				rating_total = (SELECT COALESCE(SUM(r), 0) FROM received),
				rating_count = (SELECT COUNT(*) FROM received),
				rating_average = (SELECT COALESCE(AVG(r), 0) FROM received),
				rating_dirty = FALSE
			WHERE id = $1
			RETURNING rating_total, rating_count, rating_average`,
			userID).Scan(&agg.Total, &agg.Count, &agg.Average)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (db *PostgresDB) ListDirtyRatings(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM users WHERE rating_dirty ORDER BY id LIMIT $1`, limit)
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

func nonNilSkills(s []models.UserSkill) []models.UserSkill {
	if s == nil {
		return []models.UserSkill{}
	}
	return s
}
