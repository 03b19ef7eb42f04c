// ABOUTME: Operator CLI for bazaar-relay
// ABOUTME: Mints user tokens and inspects the conversation directory

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/bazaar-relay/internal/auth"
	"github.com/2389/bazaar-relay/internal/config"
	"github.com/2389/bazaar-relay/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: bazaar-admin <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  token --user USER [--ttl DURATION]   Mint a user token")
		fmt.Println("  conversations --user USER            List a user's conversations")
		fmt.Println("  health                               Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "conversations":
		err = runConversations(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv("BAZAAR_RELAY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("BAZAAR_RELAY_CONFIG is not set")
	}
	return config.Load(path)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user id to mint a token for")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = cfg.Auth.TokenTTL
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(*user, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("user:    ")
	fmt.Println(*user)
	cyan.Printf("expires: ")
	fmt.Println(time.Now().Add(lifetime).Format(time.RFC3339))
	fmt.Println(token)
	return nil
}

func runConversations(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("conversations", flag.ExitOnError)
	user := fs.String("user", "", "user id to list conversations for")
	limit := fs.Int("limit", 20, "maximum conversations to list")
	fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Relay.MaxMessageBytes)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	convs, err := st.ListConversations(ctx, *user, *limit)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	if len(convs) == 0 {
		fmt.Println("no conversations")
		return nil
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	for _, conv := range convs {
		green.Printf("%s ", conv.ID)
		if conv.VendorID != "" {
			yellow.Printf("[vendor %s] ", conv.VendorID)
		}
		fmt.Printf("%v", conv.Participants)
		if unread := conv.Unread[*user]; unread > 0 {
			yellow.Printf("  %d unread", unread)
		}
		fmt.Println()
		if conv.LastMessagePreview != "" {
			gray.Printf("  %s  %s\n", conv.LastMessageAt.Format(time.RFC3339), conv.LastMessagePreview)
		}
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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

	color.Green("healthy")
	return nil
}
