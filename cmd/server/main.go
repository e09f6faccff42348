package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/manpreetbhatti/docrelay/internal/api"
	"github.com/manpreetbhatti/docrelay/internal/config"
	"github.com/manpreetbhatti/docrelay/internal/db"
	"github.com/manpreetbhatti/docrelay/internal/room"
	"github.com/manpreetbhatti/docrelay/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	flagSet := pflag.NewFlagSet("docrelay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("DOCRELAY_CONFIG"), "path to a YAML config file")
	port := flagSet.Int("port", 0, "listen port (overrides SOCKET_PORT)")
	dbPath := flagSet.String("db", "", "sqlite database path")
	origins := flagSet.StringSlice("allowed-origins", nil, "browser origins allowed to connect, \"*\" for any")
	grace := flagSet.Duration("grace-period", 0, "how long an empty room is kept before it is destroyed")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error")
	logFormat := flagSet.String("log-format", "", "text or json")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if flagSet.Changed("port") {
		cfg.Port = *port
	}
	if flagSet.Changed("db") {
		cfg.DatabasePath = *dbPath
	}
	if flagSet.Changed("allowed-origins") {
		cfg.AllowedOrigins = *origins
	}
	if flagSet.Changed("grace-period") {
		cfg.GracePeriod = *grace
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	cfg = cfg.Sanitize()

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	database, err := db.New(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer database.Close()

	registry := room.NewRegistry(room.Config{
		GracePeriod: cfg.GracePeriod,
		Logger:      logger,
	})

	hub := ws.NewHub(registry, ws.Config{
		AllowedOrigins:    cfg.AllowedOrigins,
		MaxMessageSize:    cfg.MaxMessageSize,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MaxViolations:     cfg.RateLimit.MaxViolations,
		ConnectsPerMinute: cfg.RateLimit.ConnectsPerMinute,
		Logger:            logger,
	})
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	api.New(hub, database, logger).Register(mux)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.CORS(cfg.AllowedOrigins, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("docrelay server starting",
			"addr", server.Addr,
			"origins", strings.Join(cfg.AllowedOrigins, ","),
			"database", cfg.DatabasePath,
			"grace_period", cfg.GracePeriod,
		)
		serveErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listening on %s: %w", server.Addr, err)
		}
		return nil
	case sig := <-sigChan:
		logger.Info("shutting down server", "signal", sig.String())
	}

	// Upgraded websocket connections are hijacked, so the HTTP server does
	// not wait for them; the hub closes them itself.
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}
