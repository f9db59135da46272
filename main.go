package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"pvp-match-server/api"
	"pvp-match-server/auth"
	"pvp-match-server/config"
	"pvp-match-server/expiry"
	"pvp-match-server/loghandler"
	"pvp-match-server/matchmaking"
	"pvp-match-server/scoring"
	"pvp-match-server/storage"
	"pvp-match-server/ws"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	logger, logCloser := loghandler.New(cfg.Log, os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)
	if envErr != nil {
		slog.Debug("no .env file found; using environment variables", "tag", "main")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "tag", "main", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.sweeper.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("PvP match server listening", "tag", "main", "addr", srv.Addr, "backend", cfg.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down", "tag", "main")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// app wires the store, services and transports of one server process.
type app struct {
	cfg      *config.Config
	store    storage.MatchStore
	pool     *pgxpool.Pool
	rdb      *redis.Client
	history  *storage.HistoryStore
	verifier *auth.Verifier
	matches  *matchmaking.Service
	scores   *scoring.Coordinator
	sweeper  *expiry.Sweeper
	hub      *ws.Hub
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if cfg.DatabaseURL != "" {
		pool, err := storage.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.pool = pool
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	if a.history, err = storage.NewHistoryStore(ctx, a.pool); err != nil {
		a.Close()
		return nil, err
	}
	var recorder scoring.Recorder
	if a.history != nil {
		recorder = a.history
	} else {
		slog.Info("DATABASE_URL not set; match history is not archived", "tag", "main")
	}

	if cfg.NeonAuthBaseURL != "" {
		if a.verifier, err = auth.NewVerifier(cfg.NeonAuthBaseURL); err != nil {
			a.Close()
			return nil, err
		}
		slog.Info("auth configured", "tag", "main", "baseURL", cfg.NeonAuthBaseURL)
	} else {
		slog.Warn("NEON_AUTH_BASE_URL is not set; player ids are trusted as sent", "tag", "main")
	}

	a.matches = matchmaking.NewService(store, cfg)
	a.scores = scoring.NewCoordinator(store, recorder, cfg)
	a.sweeper = expiry.NewSweeper(store, cfg)
	a.hub = ws.NewHub(cfg, a.matches, a.scores, a.verifier)
	go a.hub.Run(ctx)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (storage.MatchStore, error) {
	switch a.cfg.StoreBackend {
	case config.BackendMemory, "":
		return storage.NewMemoryStore(), nil
	case config.BackendPostgres:
		if a.pool == nil {
			return nil, errors.New("store backend postgres requires DATABASE_URL")
		}
		return storage.NewPostgresStore(ctx, a.pool)
	case config.BackendRedis:
		rdb, err := storage.NewRedisClient(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		return storage.NewRedisStore(ctx, rdb,
			storage.WithRedisTTLs(a.cfg.WaitingTTL(), a.cfg.CompletedRetention()))
	}
	return nil, fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	api.NewHandler(a.cfg, a.matches, a.scores, a.history, a.verifier).Register(mux)
	mux.HandleFunc("GET /ws/matches/{id}", a.hub.ServeWS)
	return api.WithCORS(mux)
}

// Close stops background work and releases connections.
func (a *app) Close() {
	if a.sweeper != nil {
		if err := a.sweeper.Stop(); err != nil {
			slog.Warn("sweeper stop failed", "tag", "main", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("store close failed", "tag", "main", "err", err)
		}
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
