// ABOUTME: setup-admin command: creates a dashboard operator account
// ABOUTME: Prompts for credentials, refuses duplicates and stores a bcrypt hash

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/2389/inbox-gateway/internal/auth"
	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/store"
)

// minPasswordLength is enforced for new admin accounts
const minPasswordLength = 8

func runSetupAdmin(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("INBOX_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	fmt.Println("=== inbox-gateway admin setup ===")
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	username := prompt(reader, "Admin username (email)", "")
	password, err := readPassword(reader, "Admin password")
	if err != nil {
		return err
	}

	user, err := createAdmin(ctx, s, username, password)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Println("  ✓ Admin user created")
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  ID:       %s\n", user.ID)
	if cfg.Auth.JWTSecret == "" {
		color.New(color.FgYellow).Println("\n  auth.jwt_secret is not set; the API is unauthenticated until it is.")
	}
	fmt.Println("\nLog in with POST /api/auth/login.")
	return nil
}

// createAdmin validates the credentials and stores a new admin user.
func createAdmin(ctx context.Context, s store.AdminStore, username, password string) (*store.AdminUser, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &store.AdminUser{Username: username, PasswordHash: hash}
	if err := s.CreateAdminUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUsernameExists) {
			return nil, fmt.Errorf("admin user %q already exists", username)
		}
		return nil, fmt.Errorf("creating admin user: %w", err)
	}
	return user, nil
}

// readPassword reads a password without echo when stdin is a terminal and
// falls back to a plain line read for piped input.
func readPassword(reader *bufio.Reader, question string) (string, error) {
	fmt.Printf("%s: ", question)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
