// ABOUTME: Admin user store methods for dashboard operators
// ABOUTME: Usernames are unique; passwords are stored as bcrypt hashes only

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAdminUser creates a new admin user. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) CreateAdminUser(ctx context.Context, user *AdminUser) error {
	if user.Username == "" {
		return errors.New("username is required")
	}
	if user.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO admin_users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		toMillis(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("inserting admin user: %w", err)
	}

	s.logger.Info("created admin user", "id", user.ID, "username", user.Username)
	return nil
}

// GetAdminUser retrieves an admin user by ID.
func (s *SQLiteStore) GetAdminUser(ctx context.Context, id string) (*AdminUser, error) {
	return s.getAdminUser(ctx, "id", id)
}

// GetAdminUserByUsername retrieves an admin user by username.
func (s *SQLiteStore) GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error) {
	return s.getAdminUser(ctx, "username", username)
}

// getAdminUser looks a user up by one of its unique columns
func (s *SQLiteStore) getAdminUser(ctx context.Context, column, value string) (*AdminUser, error) {
	query := `SELECT id, username, password_hash, created_at FROM admin_users WHERE ` + column + ` = ?`

	var user AdminUser
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin user: %w", err)
	}

	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

// CountAdminUsers returns the number of admin users.
func (s *SQLiteStore) CountAdminUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting admin users: %w", err)
	}
	return count, nil
}
