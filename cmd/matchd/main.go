package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/flexpress-matching/internal/config"
	"github.com/example/flexpress-matching/internal/events"
	httpapi "github.com/example/flexpress-matching/internal/http"
	"github.com/example/flexpress-matching/internal/logging"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/notifier"
	"github.com/example/flexpress-matching/internal/session"
	"github.com/example/flexpress-matching/internal/storage"
)

func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var role string
	pflag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "address the local session API listens on")
	pflag.StringVar(&cfg.APIBaseURL, "api", cfg.APIBaseURL, "base URL of the marketplace backend")
	pflag.StringVar(&role, "role", string(cfg.Role), "session role: client or charter")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	pflag.BoolVar(&cfg.RunMigrations, "migrate", cfg.RunMigrations, "create the transition journal table on startup")
	pflag.Parse()
	cfg.Role = models.Role(strings.ToLower(role))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger("matchd", cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("matchd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ClientConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var journal storage.Journal
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresJournal(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		closers = append(closers, pg)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("journal migrate: %w", err)
			}
			logger.Info("journal schema applied")
		}
		journal = pg
	} else {
		journal = storage.NewMemoryJournal()
	}

	writers := []events.Writer{journal}
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, pub)
		writers = append(writers, pub)
		logger.Info("publishing transitions", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	fanout := events.NewFanout(1024, logger.With("component", "fanout"), writers...)

	deps := session.Deps{Sink: fanout}
	if cfg.RedisAddr != "" {
		snaps := storage.NewRedisSnapshotStore(cfg.RedisAddr, cfg.RedisPassword, snapshotSession(cfg), cfg.SnapshotTTL)
		if err := snaps.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, snapshots disabled", "addr", cfg.RedisAddr, "error", err)
			_ = snaps.Close()
		} else {
			closers = append(closers, snaps)
			deps.Snapshots = snaps
		}
	}

	agent := session.New(cfg, logger.With("component", "session"), deps)

	api := httpapi.NewServer(agent, journal, logger.With("component", "http"))
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Handler(cfg.AllowedOrigins),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error { return agent.Run(gctx) })
	g.Go(func() error {
		logger.Info("matchd listening", "addr", cfg.HTTPAddr, "role", cfg.Role, "api", cfg.APIBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// snapshotSession namespaces redis keys per role and user so two sessions
// sharing a redis never read each other's cache.
func snapshotSession(cfg config.ClientConfig) string {
	user := "anonymous"
	if id, err := notifier.ParseIdentity(cfg.Token); err == nil && id.UserID != "" {
		user = id.UserID
	}
	return string(cfg.Role) + ":" + user
}
