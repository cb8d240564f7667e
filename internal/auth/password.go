// ABOUTME: Admin password hashing and the username/password login flow
// ABOUTME: Hashes with bcrypt; successful logins receive a signed JWT

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/inbox-gateway/internal/store"
)

// BcryptCost is the work factor for admin password hashes
const BcryptCost = 10

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
// The two cases are not distinguished.
var ErrInvalidCredentials = errors.New("invalid username or password")

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// AdminUserStore is what the auth package needs from storage
type AdminUserStore interface {
	GetAdminUser(ctx context.Context, id string) (*store.AdminUser, error)
	GetAdminUserByUsername(ctx context.Context, username string) (*store.AdminUser, error)
}

// Authenticator exchanges admin credentials for bearer tokens.
type Authenticator struct {
	users    AdminUserStore
	verifier *JWTVerifier
	ttl      time.Duration
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator issuing tokens valid for ttl.
func NewAuthenticator(users AdminUserStore, verifier *JWTVerifier, ttl time.Duration, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		users:    users,
		verifier: verifier,
		ttl:      ttl,
		logger:   logger.With("component", "auth"),
	}
}

// Login checks the credentials and returns a signed token and its expiry.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	user, err := a.users.GetAdminUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn comparable time so unknown usernames are not distinguishable
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		a.logger.Warn("login failed", "username", username, "reason", "unknown user")
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("looking up admin user: %w", err)
	}

	if !CheckPassword(user.PasswordHash, password) {
		a.logger.Warn("login failed", "username", username, "reason", "wrong password")
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expiresAt, err := a.verifier.Generate(user.ID, a.ttl)
	if err != nil {
		return "", time.Time{}, err
	}

	a.logger.Info("admin logged in", "user_id", user.ID)
	return token, expiresAt, nil
}

// dummyHash is compared against when the username is unknown
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("inbox-gateway"), BcryptCost)
