package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/getskiff/skiff/internal/api"
	"github.com/getskiff/skiff/internal/config"
	"github.com/getskiff/skiff/internal/db"
)

func main() {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveConfig := serveCmd.String("config", config.DefaultPath(), "Path to config file")
	serveHost := serveCmd.String("host", "", "Host to bind to (overrides config)")
	servePort := serveCmd.Int("port", 0, "Port to listen on (overrides config)")

	migrateCmd := flag.NewFlagSet("migrate", flag.ExitOnError)
	migrateConfig := migrateCmd.String("config", config.DefaultPath(), "Path to config file")

	passwordCmd := flag.NewFlagSet("set-password", flag.ExitOnError)
	passwordConfig := passwordCmd.String("config", config.DefaultPath(), "Path to config file")

	if len(os.Args) < 2 {
		fmt.Println("Usage: skiff <command> [options]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve         Start the Skiff host process")
		fmt.Println("  migrate       Run database migrations")
		fmt.Println("  set-password  Require a password for renderer pairing")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd.Parse(os.Args[2:])
		runServer(*serveConfig, *serveHost, *servePort)

	case "migrate":
		migrateCmd.Parse(os.Args[2:])
		runMigrations(*migrateConfig)

	case "set-password":
		passwordCmd.Parse(os.Args[2:])
		runSetPassword(*passwordConfig, passwordCmd.Arg(0))

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runServer(configPath, host string, port int) {
	cfg := loadConfig(configPath)
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	database, err := db.Open(filepath.Join(cfg.DataDir, "skiff.db"))
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(database, cfg)

	// The renderer reads the pairing token from the data dir and exchanges it
	// for a bearer token over /api/auth/pair.
	if _, err := server.MintPairingToken(); err != nil {
		slog.Error("failed to mint pairing token", "error", err)
		os.Exit(1)
	}
	slog.Info("pairing token written", "path", filepath.Join(cfg.DataDir, api.PairingTokenFile))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	slog.Info("starting skiff host", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(addr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error after shutdown", "error", err)
			os.Exit(1)
		}
	}
}

func runMigrations(configPath string) {
	cfg := loadConfig(configPath)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	database, err := db.Open(filepath.Join(cfg.DataDir, "skiff.db"))
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations completed successfully")
}

func runSetPassword(configPath, password string) {
	if len(password) < 8 {
		fmt.Fprintln(os.Stderr, "password must be at least 8 characters")
		os.Exit(1)
	}

	cfg := loadConfig(configPath)

	hash, err := api.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	cfg.Auth.PasswordHash = hash

	if err := cfg.Save(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Password set. Renderer pairing now requires it.")
}
