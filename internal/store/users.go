package store

import (
	"context"
	"errors"
	"time"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/jackc/pgx/v5"
)

// User row.
type User struct {
	ID        int64
	Email     string
	Name      string
	AvatarURL *string
	Status    string
	LastSeen  *time.Time
}

const userColumns = `id, email, name, avatar_url, status, last_seen`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.AvatarURL, &u.Status, &u.LastSeen); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser loads one user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, classify("get user", err)
	}
	return u, nil
}

// GetUsers loads users by id, keyed by id. Missing ids are absent.
func (s *Store) GetUsers(ctx context.Context, q Querier, ids []int64) (map[int64]*User, error) {
	out := make(map[int64]*User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, classify("get users", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.AvatarURL, &u.Status, &u.LastSeen); err != nil {
			return nil, classify("scan user", err)
		}
		out[u.ID] = &u
	}
	return out, rows.Err()
}

// CreateUser inserts a user. Account provisioning belongs to the
// sibling auth service; the core needs this for seeding and tests.
func (s *Store) CreateUser(ctx context.Context, email, name string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (email, name) VALUES ($1, $2)
		 RETURNING `+userColumns, email, name))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Validation("email already registered")
		}
		return nil, classify("create user", err)
	}
	return u, nil
}

// SetUserStatus persists the presence status and refreshes last_seen.
func (s *Store) SetUserStatus(ctx context.Context, id int64, status string, lastSeen time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET status = $2, last_seen = $3, updated_at = now() WHERE id = $1`,
		id, status, lastSeen)
	if err != nil {
		return classify("set user status", err)
	}
	return nil
}
