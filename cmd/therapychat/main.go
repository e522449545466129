package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"therapychat/internal/app"
	"therapychat/internal/auth"
	"therapychat/internal/config"
	"therapychat/internal/logging"
)

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// The optional "token" subcommand mints a development bearer token with the
// configured secret; anything else starts the server.
func run(args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "token" {
		return runToken(args[1:], stdout)
	}

	fs := flag.NewFlagSet("therapychat", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("THERAPYCHAT_CONFIG_FILE"), "path to JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// STEP 1: Load configuration with precedence (env > file > defaults)
	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Development)

	// STEP 2: Signal-bound context for startup and lifetime
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 3: Create and start the application
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 4: Wait for shutdown signal
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("therapychat token", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("THERAPYCHAT_CONFIG_FILE"), "path to JSON config file")
	participant := fs.String("participant", "", "participant id to embed in the token")
	role := fs.String("role", "", "optional role claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *participant == "" {
		return errors.New("-participant is required")
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var opts []auth.Option
	if cfg.Auth.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, opts...)
	if err != nil {
		return err
	}

	token, err := verifier.Sign(*participant, *role, *ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
