package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/config"
	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/node"
	"github.com/baxromumarov/rollout-engine/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration (falls back to ROLLOUT_CONFIG env var)")
	addr := flag.String("addr", "", "Address to bind the participant (overrides participant.addr)")
	dsn := flag.String("dsn", "", "Postgres DSN used to journal staged operations. Falls back to POSTGRES_DSN env var.")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("ROLLOUT_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Participant.Addr = *addr
	}

	// Resolve DSN
	effectiveDSN := *dsn
	if effectiveDSN == "" {
		effectiveDSN = cfg.Participant.DSN
	}
	if effectiveDSN == "" {
		effectiveDSN = os.Getenv("POSTGRES_DSN")
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg.Participant, effectiveDSN, logger); err != nil {
		logger.Fatal("participant stopped", zap.Error(err))
	}
}

func run(pc config.ParticipantConfig, dsn string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []node.Option{node.WithLogger(logger)}

	if dsn != "" {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		if err := node.EnsureJournal(ctx, db); err != nil {
			return err
		}
		opts = append(opts, node.WithDB(db))
		logger.Info("journaling staged operations", zap.String("dsn", maskDSN(dsn)))
	}

	n := node.NewNode(pc.Addr, opts...)
	server := transport.NewHTTPServer(pc.Addr, n, logger)

	go reapLoop(ctx, n, pc.PendingTTL, pc.ReapInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("participant ready", zap.String("addr", pc.Addr))

	select {
	case <-ctx.Done():
		logger.Info("shutting down participant")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// reapLoop rolls back staged changes whose coordinator never came back.
func reapLoop(ctx context.Context, n *node.Node, ttl, interval time.Duration, logger *zap.Logger) {
	if ttl <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if reaped := n.ReapExpired(ttl); reaped > 0 {
				logger.Warn("rolled back abandoned changes", zap.Int("count", reaped))
			}
		case <-ctx.Done():
			return
		}
	}
}

func maskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "****")
		return u.String()
	}
	return "****"
}
