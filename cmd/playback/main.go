// main.go — Perch Playback Service.
// Decides whether an account/device may stream a title, negotiates
// quality, enforces device and concurrent-stream limits, and mints the
// signed credentials the storage gateway verifies.
// Port: 8090 (env: PORT).
//
// Routes (subscriber access token):
//   GET    /stream/movie/:id          — admit stream, issue credential
//   GET    /stream/episode/:id        — same, with series/season claims
//   GET    /stream/qualities          — plan quality ladder
//   POST   /stream/stop               — release a stream slot
//   GET    /stream/playback-position  — resume point for a title
//   POST   /stream/playback-position  — record a progress report
//   GET    /devices                   — device registry with stream state
//   POST   /devices                   — register the requesting device
//   PATCH  /devices/:id               — rename
//   DELETE /devices/:id               — revoke + terminate its streams
//   DELETE /devices                   — revoke all except current
//
// Unauthenticated:
//   GET /health
//   GET /metrics
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perchtv/perch/internal/blobstore"
	"github.com/perchtv/perch/internal/config"
	"github.com/perchtv/perch/internal/logger"
	"github.com/perchtv/perch/internal/telemetry"
	"github.com/perchtv/perch/services/playback"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// The auth package reads its secret from the environment; propagate
	// the development fallback so token validation works without a .env.
	if os.Getenv("AUTH_JWT_SECRET") == "" {
		os.Setenv("AUTH_JWT_SECRET", cfg.JWTSecret)
	}

	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := telemetry.InitSentry(dsn, "playback", os.Getenv("RELEASE")); err != nil {
			log.Warn("sentry init failed", "error", err)
		}
		defer telemetry.Flush()
	}

	db, err := playback.ConnectDB(cfg.PostgresURL)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	blob, err := blobstore.New(cfg.StorageBucket)
	if err != nil {
		log.Error("blobstore init failed", "error", err)
		os.Exit(1)
	}

	srv, err := playback.NewServer(cfg, db, blob, log)
	if err != nil {
		log.Error("server init failed", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("playback service listening", "port", cfg.Port, "env", cfg.Env)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("shutdown incomplete", "error", err)
	}
}
