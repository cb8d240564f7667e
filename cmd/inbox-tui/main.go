// ABOUTME: Terminal console for operating the WhatsApp inbox via the gateway HTTP API
// ABOUTME: Readline-style commands, live SSE change feed and JWT auth

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	dim    = color.New(color.Faint)
	blue   = color.New(color.FgBlue)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
)

// tokenPath is where /login stores the bearer token.
func tokenPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "inbox", "token")
}

// getToken returns the JWT from INBOX_TOKEN or the saved token file.
func getToken() string {
	if token := os.Getenv("INBOX_TOKEN"); token != "" {
		return token
	}

	path := tokenPath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func saveToken(token string) error {
	path := tokenPath()
	if path == "" {
		return errors.New("cannot resolve config directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token+"\n"), 0600)
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Gateway server URL")
	flag.Parse()

	token := getToken()
	fmt.Printf("inbox-tui connected to %s\n", *server)
	if token != "" {
		fmt.Println("Auth: JWT token configured")
	} else {
		fmt.Println("Auth: none (use /login or set INBOX_TOKEN)")
	}
	fmt.Println("Type /help for commands. Ctrl+C to quit.")
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &console{api: newAPIClient(*server, token), out: os.Stdout}
	if err := c.run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// console holds the interactive session state.
type console struct {
	api *apiClient
	out io.Writer

	// selected is the open conversation; plain text lines are sent to it
	selected *contactInfo

	stopWatch context.CancelFunc
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	defer c.unwatch()

	for {
		if c.selected != nil {
			fmt.Fprintf(c.out, "[%s]> ", c.selected.DisplayName())
		} else {
			fmt.Fprint(c.out, "> ")
		}

		// Read input with context awareness
		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		quit, err := c.dispatch(ctx, input)
		if err != nil {
			red.Fprintf(c.out, "[error] %v\n", err)
		}
		if quit {
			return nil
		}
		fmt.Fprintln(c.out)
	}
}

// dispatch runs one input line. It reports whether the session should end.
func (c *console) dispatch(ctx context.Context, input string) (bool, error) {
	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help":
		c.printHelp()
		return false, nil
	case "/login":
		return false, c.login(ctx, args)
	case "/contacts", "/ls":
		return false, c.listContacts(ctx, args)
	case "/new":
		return false, c.newContact(ctx, args)
	case "/open":
		return false, c.open(ctx, args)
	case "/close":
		c.selected = nil
		return false, nil
	case "/clear":
		return false, c.clear(ctx)
	case "/watch":
		c.watch(ctx, args)
		return false, nil
	case "/unwatch":
		c.unwatch()
		return false, nil
	}

	if strings.HasPrefix(cmd, "/") {
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, c.send(ctx, input)
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  /login <username>      Log in and save the token")
	fmt.Fprintln(c.out, "  /contacts [search]     List contacts, most recent first")
	fmt.Fprintln(c.out, "  /new <phone> [name]    Add a contact")
	fmt.Fprintln(c.out, "  /open <phone|id>       Show a conversation and mark it read")
	fmt.Fprintln(c.out, "  /close                 Leave the open conversation")
	fmt.Fprintln(c.out, "  /clear                 Delete the open conversation's history")
	fmt.Fprintln(c.out, "  /watch [contact id]    Print live changes")
	fmt.Fprintln(c.out, "  /unwatch               Stop printing live changes")
	fmt.Fprintln(c.out, "  /quit                  Exit")
	fmt.Fprintln(c.out, "Any other text is sent to the open conversation.")
}

func (c *console) login(ctx context.Context, username string) error {
	if username == "" {
		return errors.New("usage: /login <username>")
	}
	fmt.Fprint(c.out, "Password: ")
	password, err := readSecret()
	if err != nil {
		return err
	}

	token, err := c.api.login(ctx, username, password)
	if err != nil {
		return err
	}
	if err := saveToken(token); err != nil {
		yellow.Fprintf(c.out, "logged in, but the token was not saved: %v\n", err)
		return nil
	}
	green.Fprintln(c.out, "logged in")
	return nil
}

// readSecret reads a line without echo when stdin is a terminal.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password input requires a terminal")
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func (c *console) listContacts(ctx context.Context, search string) error {
	contacts, err := c.api.contacts(ctx, search)
	if err != nil {
		return err
	}
	if len(contacts) == 0 {
		fmt.Fprintln(c.out, "No contacts")
		return nil
	}

	for _, ct := range contacts {
		unread := ""
		if ct.UnreadCount > 0 {
			unread = yellow.Sprintf(" (%d unread)", ct.UnreadCount)
		}
		fmt.Fprintf(c.out, "  %s %s%s\n", ct.DisplayName(), dim.Sprint(ct.ExternalID), unread)
		if ct.LastMessage != nil {
			fmt.Fprintf(c.out, "    %s\n", dim.Sprint(truncate(ct.LastMessage.Content, 60)))
		}
	}
	return nil
}

func (c *console) newContact(ctx context.Context, args string) error {
	phone, name, _ := strings.Cut(args, " ")
	if phone == "" {
		return errors.New("usage: /new <phone> [name]")
	}
	ct, err := c.api.createContact(ctx, phone, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	green.Fprintf(c.out, "added %s (%s)\n", ct.DisplayName(), ct.ID)
	return nil
}

// resolve finds a contact by id or phone number.
func (c *console) resolve(ctx context.Context, ref string) (*contactInfo, error) {
	contacts, err := c.api.contacts(ctx, "")
	if err != nil {
		return nil, err
	}
	digits := strings.TrimPrefix(ref, "+")
	for i := range contacts {
		if contacts[i].ID == ref || contacts[i].ExternalID == digits {
			return &contacts[i], nil
		}
	}
	return nil, fmt.Errorf("no contact matches %q", ref)
}

func (c *console) open(ctx context.Context, ref string) error {
	if ref == "" {
		return errors.New("usage: /open <phone|id>")
	}
	ct, err := c.resolve(ctx, ref)
	if err != nil {
		return err
	}
	msgs, err := c.api.openConversation(ctx, ct.ID)
	if err != nil {
		return err
	}
	c.selected = ct

	if len(msgs) == 0 {
		fmt.Fprintln(c.out, "No messages")
		return nil
	}
	fmt.Fprintln(c.out, strings.Repeat("-", 60))
	for _, m := range msgs {
		c.printMessage(m)
	}
	fmt.Fprintln(c.out, strings.Repeat("-", 60))
	return nil
}

func (c *console) printMessage(m messageInfo) {
	prefix := blue.Sprint("→ ")
	if m.Direction == "outbound" {
		prefix = green.Sprint("← ")
	}
	status := ""
	if m.Status != nil {
		status = dim.Sprintf(" [%s]", *m.Status)
	}
	fmt.Fprintf(c.out, "%s%s%s\n", prefix, m.Content, status)
}

func (c *console) clear(ctx context.Context) error {
	if c.selected == nil {
		return errors.New("no conversation open (use /open)")
	}
	if err := c.api.clearConversation(ctx, c.selected.ID); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "history cleared")
	return nil
}

func (c *console) send(ctx context.Context, text string) error {
	if c.selected == nil {
		return errors.New("no conversation open (use /open)")
	}
	id, err := c.api.send(ctx, c.selected.ExternalID, c.selected.ID, text)
	if err != nil {
		return err
	}
	dim.Fprintf(c.out, "sent %s\n", id)
	return nil
}

// watch prints updates in the background until /unwatch or exit.
func (c *console) watch(ctx context.Context, contactID string) {
	c.unwatch()
	watchCtx, cancel := context.WithCancel(ctx)
	c.stopWatch = cancel

	go func() {
		err := c.api.watch(watchCtx, contactID, func(u update) {
			dim.Fprintf(c.out, "\n[%s] contact=%s %s\n", u.Kind, u.ContactID, u.MessageID)
		})
		if err != nil {
			red.Fprintf(c.out, "\n[watch] %v\n", err)
		}
	}()
	fmt.Fprintln(c.out, "watching for changes")
}

func (c *console) unwatch() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
