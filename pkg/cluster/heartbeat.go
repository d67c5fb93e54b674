package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// HealthChecker probes a participant process
type HealthChecker interface {
	HealthCheck(ctx context.Context, addr string) (*protocol.HealthResponse, error)
}

// HeartbeatManager handles periodic health checks of all participants.
// Liveness is diagnostic only; it never removes a member from a rollout.
type HeartbeatManager struct {
	cluster  *Cluster
	client   HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHeartbeatManager creates a new heartbeat manager
func NewHeartbeatManager(cluster *Cluster, client HealthChecker, interval time.Duration, logger *zap.Logger) *HeartbeatManager {
	return &HeartbeatManager{
		cluster:  cluster,
		client:   client,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logging.OrNop(logger).Named("heartbeat"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat checking loop
func (h *HeartbeatManager) Start() {
	h.wg.Add(1)
	go h.run()
	h.logger.Info("started", zap.Duration("interval", h.interval))
}

// Stop stops the heartbeat manager
func (h *HeartbeatManager) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()
	h.logger.Info("stopped")
}

func (h *HeartbeatManager) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Initial check
	h.CheckAll()

	for {
		select {
		case <-ticker.C:
			h.CheckAll()
		case <-h.stopCh:
			return
		}
	}
}

// CheckAll performs a health check on every participant in parallel
func (h *HeartbeatManager) CheckAll() {
	addrs := h.cluster.Addresses()
	if len(addrs) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(addrs))

	for _, a := range addrs {
		addr := a
		go func() {
			defer wg.Done()
			h.CheckNode(addr)
		}()
	}

	wg.Wait()
}

// CheckNode performs a single health check on a specific participant
func (h *HeartbeatManager) CheckNode(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	_, err := h.client.HealthCheck(ctx, addr)
	alive := err == nil

	if h.cluster.setAlive(addr, alive, time.Now()) {
		if alive {
			h.logger.Info("participant is now ALIVE", zap.String("addr", addr))
		} else {
			h.logger.Warn("participant is now DEAD", zap.String("addr", addr), zap.Error(err))
		}
	}
	return alive
}
