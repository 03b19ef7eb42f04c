// ABOUTME: Entry point for the bazaar-relay messaging server
// ABOUTME: Relays conversation messages between storefront buyers and vendors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/bazaar-relay/internal/auth"
	"github.com/2389/bazaar-relay/internal/config"
	"github.com/2389/bazaar-relay/internal/dedupe"
	"github.com/2389/bazaar-relay/internal/membership"
	"github.com/2389/bazaar-relay/internal/registry"
	"github.com/2389/bazaar-relay/internal/relay"
	"github.com/2389/bazaar-relay/internal/store"
	"github.com/2389/bazaar-relay/internal/typing"
	"github.com/2389/bazaar-relay/internal/ws"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _
| |__   __ _ ______ _  __ _ _ __      _ __ ___| | __ _ _   _
| '_ \ / _' |_  / _' |/ _' | '__|____| '__/ _ \ |/ _' | | | |
| |_) | (_| |/ / (_| | (_| | | |_____| | |  __/ | (_| | |_| |
|_.__/ \__,_/___\__,_|\__,_|_|       |_|  \___|_|\__,_|\__, |
                                                       |___/
`

const (
	defaultDedupeTTL     = 5 * time.Minute
	defaultDedupeMaxSize = 10000
	shutdownTimeout      = 10 * time.Second
)

// getConfigPath returns the path to the relay config file.
// Priority: BAZAAR_RELAY_CONFIG env var > XDG_CONFIG_HOME/bazaar-relay/relay.yaml > ~/.config/bazaar-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BAZAAR_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "bazaar-relay", "relay.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: bazaar-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the relay server")
		fmt.Println("  init     Create a starter config file")
		fmt.Println("  health   Check relay health")
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
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting bazaar-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Relay.MaxMessageBytes)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	dedupeTTL := cfg.Relay.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = defaultDedupeTTL
	}
	dedupeMax := cfg.Relay.DedupeMaxSize
	if dedupeMax <= 0 {
		dedupeMax = defaultDedupeMaxSize
	}
	sends := dedupe.New(dedupeTTL, dedupeMax)
	defer sends.Close()

	reg := registry.New(logger)
	rooms := membership.New(st, logger)
	typers := typing.New(cfg.Relay.TypingDebounce)
	dispatcher := relay.NewDispatcher(st, rooms, typers, sends, cfg.Relay.HistoryPage, logger)

	// Disconnects cascade: drop subscriptions, clear typing state
	reg.OnUnregister(dispatcher.CleanupConnection)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	server := ws.NewServer(verifier, reg, dispatcher, st, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

const starterConfig = `server:
  http_addr: "127.0.0.1:8380"

database:
  path: "bazaar-relay.db"

auth:
  jwt_secret: "${BAZAAR_RELAY_JWT_SECRET}"
  token_ttl: "24h"

relay:
  max_message_bytes: 4096
  history_page: 50
  typing_debounce: "1s"
  dedupe_ttl: "5m"
  dedupe_max_size: 10000

logging:
  level: "info"
  format: "text"
`

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(starterConfig), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("Config written to %s", configPath)
	fmt.Println("Set BAZAAR_RELAY_JWT_SECRET before starting the relay.")
	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
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

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
