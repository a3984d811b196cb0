package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/septivank/packetmeter/internal/db"
)

const userColumns = `id, username, email, timezone, created_at`

func scanUser(row pgx.Row) (*db.User, error) {
	var u db.User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Timezone, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user. Registration itself lives outside this service;
// this exists for provisioning and tests.
func (r *Repository) CreateUser(ctx context.Context, user *db.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	query := `
		INSERT INTO users (id, username, email, timezone, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query, user.ID, user.Username, user.Email, user.Timezone, r.now()).Scan(&user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser loads a user by id
func (r *Repository) GetUser(ctx context.Context, userID uuid.UUID) (*db.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

// ListUsers returns every user, oldest first
func (r *Repository) ListUsers(ctx context.Context) ([]db.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []db.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return users, nil
}

// UpdateUserTimezone stores the user's IANA timezone
func (r *Repository) UpdateUserTimezone(ctx context.Context, userID uuid.UUID, tz string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET timezone = $1 WHERE id = $2`, tz, userID)
	if err != nil {
		return fmt.Errorf("failed to update timezone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(pgx.ErrNoRows, "user")
	}
	return nil
}
