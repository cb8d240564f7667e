// ABOUTME: Entry point for inbox-gateway, the WhatsApp inbox dashboard backend
// ABOUTME: Provides serve, init, setup-admin and health commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/inbox-gateway/internal/config"
	"github.com/2389/inbox-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _       _                                 _
 (_)_ __ | |__   _____  __     __ _  __ _| |_ _____      ____ _ _   _
 | | '_ \| '_ \ / _ \ \/ /____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | | | | |_) | (_) >  <_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|_| |_|_.__/ \___/_/\_\     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                              |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: INBOX_CONFIG env var > XDG_CONFIG_HOME/inbox/gateway.yaml > ~/.config/inbox/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("INBOX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "inbox", "gateway.yaml")
}

// getDataPath returns the path to the inbox data directory.
// Priority: XDG_DATA_HOME/inbox > ~/.local/share/inbox
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "inbox")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: inbox-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve         Start the gateway server")
		fmt.Println("  init          Create a new config file interactively")
		fmt.Println("  setup-admin   Create a dashboard admin user")
		fmt.Println("  health        Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "setup-admin":
		err = runSetupAdmin(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Webhook:   /webhook/whatsapp")
	if cfg.WhatsApp.AppSecret == "" {
		yellow.Print(" [unsigned]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Outbound:  ")
	if err := cfg.WhatsApp.ChannelReady(); err != nil {
		yellow.Println("not configured")
	} else {
		fmt.Println("ready")
	}
	if cfg.NATS.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      %s ", cfg.NATS.URL)
		gray.Printf("(%s.*)\n", cfg.NATS.Subject)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting inbox-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// initAnswers holds the values collected by runInit.
type initAnswers struct {
	HTTPAddr        string
	DBPath          string
	VerifyToken     string
	PhoneNumberID   string
	AccountID       string
	JWTSecret       string
	TailscaleOn     bool
	TailscaleHost   string
	TailscaleFunnel bool
	LogLevel        string
	LogFormat       string
}

// renderConfig produces the YAML written by runInit. Secrets that belong in
// the environment are referenced with ${VAR} placeholders.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# inbox-gateway configuration\n")
	cfg.WriteString("# Generated by inbox-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", a.HTTPAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", a.DBPath)

	cfg.WriteString("whatsapp:\n")
	fmt.Fprintf(&cfg, "  phone_number_id: %q\n", a.PhoneNumberID)
	fmt.Fprintf(&cfg, "  business_account_id: %q\n", a.AccountID)
	cfg.WriteString("  access_token: \"${WHATSAPP_ACCESS_TOKEN}\"\n")
	fmt.Fprintf(&cfg, "  verify_token: %q\n", a.VerifyToken)
	cfg.WriteString("  app_secret: \"${WHATSAPP_APP_SECRET}\"\n")
	cfg.WriteString("  send_timeout: \"15s\"\n")
	cfg.WriteString("  status_fallback: false\n\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n", a.JWTSecret)
	cfg.WriteString("  token_ttl: \"168h\"\n\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.TailscaleOn)
	if a.TailscaleOn {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TailscaleHost)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.TailscaleFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("dedupe:\n")
	cfg.WriteString("  ttl: \"24h\"\n")
	cfg.WriteString("  max_entries: 50000\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)

	return cfg.String()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("inbox-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDBPath := filepath.Join(getDataPath(), "inbox.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	verifyToken, err := randomSecret(18)
	if err != nil {
		return fmt.Errorf("generating verify token: %w", err)
	}
	jwtSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var a initAnswers
	a.JWTSecret = jwtSecret

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- WhatsApp Configuration ---")
	a.PhoneNumberID = prompt(reader, "Phone number ID", "")
	a.AccountID = prompt(reader, "Business account ID", "")
	a.VerifyToken = prompt(reader, "Webhook verify token", verifyToken)

	fmt.Println("\n--- Tailscale Configuration ---")
	a.TailscaleOn = isYes(prompt(reader, "Enable Tailscale?", "no"))
	if a.TailscaleOn {
		a.TailscaleHost = prompt(reader, "Tailscale hostname", "inbox-gateway")
		a.TailscaleFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS for the webhook)?", "yes"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the JWT secret
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Printf("Webhook verify token: %s\n", a.VerifyToken)
	fmt.Println("\nSet WHATSAPP_ACCESS_TOKEN and WHATSAPP_APP_SECRET (or a .env file), then:")
	fmt.Println("  inbox-gateway setup-admin")
	fmt.Println("  inbox-gateway serve")

	return nil
}

// randomSecret returns n random bytes, base64url encoded.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
