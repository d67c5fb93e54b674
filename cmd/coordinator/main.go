package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/boot"
	"github.com/baxromumarov/rollout-engine/pkg/cluster"
	"github.com/baxromumarov/rollout-engine/pkg/config"
	"github.com/baxromumarov/rollout-engine/pkg/dispatch"
	"github.com/baxromumarov/rollout-engine/pkg/events"
	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/metrics"
	"github.com/baxromumarov/rollout-engine/pkg/participant"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
	"github.com/baxromumarov/rollout-engine/pkg/rollout"
	"github.com/baxromumarov/rollout-engine/pkg/store"
	"github.com/baxromumarov/rollout-engine/pkg/timeout"
	"github.com/baxromumarov/rollout-engine/pkg/transport"
	"github.com/baxromumarov/rollout-engine/pkg/workerpool"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration (falls back to ROLLOUT_CONFIG env var)")
	addr := flag.String("addr", "", "Address to bind the coordinator (overrides http.addr)")
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
		cfg.HTTP.Addr = *addr
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("coordinator stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("rollout")

	pool := workerpool.New(cfg.Pool.Workers,
		workerpool.WithQueueSize(cfg.Pool.QueueSize),
		workerpool.WithLogger(logger))
	defer pool.Close()

	guard := timeout.NewGuard(cfg.Rollout.TimeoutMillis,
		timeout.WithMetrics(collector),
		timeout.WithLogger(logger))
	executor := dispatch.NewExecutor(pool, guard, collector, logger)

	opts := []rollout.Option{
		rollout.WithMetrics(collector),
		rollout.WithLogger(logger),
		rollout.WithReportDeliveryFailures(cfg.Rollout.ReportDeliveryFailures),
		rollout.WithSweepLimit(cfg.Rollout.SweepLimit),
	}

	var reports *store.ReportStore
	if cfg.Store.DSN != "" {
		s, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer s.Close()
		reports = s
		opts = append(opts, rollout.WithReportStore(s))

		if cfg.Store.Retention > 0 {
			if n, err := s.Prune(ctx, time.Now().Add(-cfg.Store.Retention)); err != nil {
				logger.Warn("failed to prune old reports", zap.Error(err))
			} else if n > 0 {
				logger.Info("pruned old reports", zap.Int64("count", n))
			}
		}
	}

	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, rollout.WithPublisher(pub))
	}

	coordinator := rollout.NewCoordinator(executor, opts...)

	client := transport.NewHTTPClient(cfg.Transport.RequestTimeout).
		WithRetry(cfg.Transport.Retries, cfg.Transport.RetryDelay)
	clstr := cluster.NewCluster(func(addr string) participant.Channel {
		return transport.NewHTTPChannel(addr, client, cfg.Transport.Breaker, logger)
	})
	for _, g := range cfg.Groups {
		members := make([]cluster.MemberSpec, len(g.Members))
		for i, m := range g.Members {
			members[i] = cluster.MemberSpec{Host: m.Host, Server: m.Server, Addr: m.Addr}
		}
		if err := clstr.AddGroup(g.Name, cfg.PolicyFor(g), members); err != nil {
			return err
		}
	}
	logger.Info("server groups loaded", zap.Strings("groups", clstr.GroupNames()))

	heartbeat := cluster.NewHeartbeatManager(clstr, transport.NewHTTPClient(2*time.Second), cfg.Heartbeat.Interval, logger)
	heartbeat.Start()
	defer heartbeat.Stop()

	server := transport.NewHTTPServer(cfg.HTTP.Addr, nil, logger)
	server.SetMetricsHandler(collector.Handler())
	server.SetRolloutHandler(func(ctx context.Context, req protocol.RolloutRequest) (*protocol.Report, error) {
		plan, err := clstr.Plan(req.Group, req.Operation)
		if err != nil {
			if errors.Is(err, cluster.ErrUnknownGroup) {
				return nil, fmt.Errorf("%w: %w", transport.ErrNotFound, err)
			}
			return nil, err
		}
		return coordinator.Execute(ctx, plan)
	})
	server.SetGroupRolloutHandler(func(ctx context.Context, req protocol.RolloutRequest) ([]*protocol.Report, error) {
		plans, err := clstr.Plans(req.Targets(), req.Operation)
		switch {
		case errors.Is(err, cluster.ErrUnknownGroup):
			return nil, fmt.Errorf("%w: %w", transport.ErrNotFound, err)
		case errors.Is(err, cluster.ErrDuplicateGroup):
			return nil, fmt.Errorf("%w: %w", transport.ErrBadRequest, err)
		case err != nil:
			return nil, err
		}
		return coordinator.ExecuteGroups(ctx, plans, req.InSeries)
	})
	server.SetReportHandlers(
		func(ctx context.Context, id string) (*protocol.Report, error) {
			if reports == nil {
				return nil, errors.New("report store not configured")
			}
			r, err := reports.Get(ctx, id)
			if errors.Is(err, store.ErrReportNotFound) {
				return nil, fmt.Errorf("%w: %w", transport.ErrNotFound, err)
			}
			return r, err
		},
		func(ctx context.Context, group string, limit int) ([]*protocol.Report, error) {
			if reports == nil {
				return nil, errors.New("report store not configured")
			}
			return reports.List(ctx, group, limit)
		},
	)
	server.SetGroupsHandler(func() any {
		out := make(map[string][]cluster.MemberStatus)
		for _, name := range clstr.GroupNames() {
			if status, err := clstr.Status(name); err == nil {
				out[name] = status
			}
		}
		return out
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Boot.Operation != "" {
		if err := deployOnBoot(ctx, cfg.Boot, clstr, coordinator, logger); err != nil {
			logger.Error("boot deployment not started", zap.Error(err))
		}
	}

	logger.Info("coordinator ready", zap.String("addr", cfg.HTTP.Addr))

	select {
	case <-ctx.Done():
		logger.Info("shutting down coordinator")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// deployOnBoot rolls the configured boot operation out once. Startup goes on
// as soon as the operation is accepted; the result is logged when it lands.
func deployOnBoot(ctx context.Context, bc config.BootConfig, clstr *cluster.Cluster, coordinator *rollout.Coordinator, logger *zap.Logger) error {
	plan, err := clstr.Plan(bc.Group, protocol.Operation{})
	if err != nil {
		return err
	}

	pipeline := boot.NewRolloutPipeline(coordinator, plan)
	deployment := boot.NewBootDeployment(pipeline, logger)

	err = deployment.Run(ctx, func(ctx context.Context, d *boot.BootDeployment) error {
		d.Deploy(protocol.Operation{Name: bc.Operation, Params: bc.Params})
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		defer pipeline.Close()
		res, err := deployment.Future().Wait(ctx)
		if err != nil {
			logger.Warn("stopped waiting for boot deployment", zap.Error(err))
			return
		}
		if res.Err != nil {
			logger.Error("boot deployment failed", zap.Error(res.Err))
			return
		}
		logger.Info("boot deployment complete",
			zap.String("rollout_id", res.Report.RolloutID),
			zap.String("verdict", string(res.Report.Verdict)))
	}()
	return nil
}
