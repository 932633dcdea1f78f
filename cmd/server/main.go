package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/config"
	"github.com/duochat/duochat/internal/db"
	"github.com/duochat/duochat/internal/event"
	"github.com/duochat/duochat/internal/httpapi"
	"github.com/duochat/duochat/internal/presence"
	"github.com/duochat/duochat/internal/service"
	"github.com/duochat/duochat/internal/store"
	"github.com/duochat/duochat/internal/ws"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "duochat").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx := context.Background()

	// Database connection
	pool, err := db.Open(ctx, cfg.DatabaseURL(), cfg.DBMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if cfg.IsDevelopment() {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure schema")
		}
	}

	st := store.New(pool)
	messages := service.NewMessageService(st)
	conversations := service.NewConversationService(st)
	reg := presence.New(presence.DefaultTypingWindow)
	events := event.New(st)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	hub := ws.New(messages, st, reg, events, verifier, cfg.CORSOrigin)

	srv := &httpapi.Server{
		Messages:      messages,
		Conversations: conversations,
		Hub:           hub,
		Verifier:      verifier,
	}

	httpAddr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Str("env", cfg.Env).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	hub.Shutdown()

	log.Info().Msg("server stopped")
}
