package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/baxromumarov/rollout-engine/pkg/logging"
	"github.com/baxromumarov/rollout-engine/pkg/node"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

var (
	// ErrNotFound marks lookups that should answer 404
	ErrNotFound = errors.New("not found")
	// ErrBadRequest marks requests the handler refused as malformed (400)
	ErrBadRequest = errors.New("bad request")
)

const (
	RoleCoordinator = "COORDINATOR"
	RoleParticipant = "PARTICIPANT"
)

// HTTPServer serves the participant endpoints of a node, and the rollout
// endpoints when running as coordinator
type HTTPServer struct {
	addr    string
	role    string
	node    *node.Node
	mux     *http.ServeMux
	server  *http.Server
	logger  *zap.Logger
	metrics http.Handler

	onRollout      func(ctx context.Context, req protocol.RolloutRequest) (*protocol.Report, error) // callback for coordinator
	onGroupRollout func(ctx context.Context, req protocol.RolloutRequest) ([]*protocol.Report, error)
	onGetReport    func(ctx context.Context, rolloutID string) (*protocol.Report, error)
	onListReports  func(ctx context.Context, group string, limit int) ([]*protocol.Report, error)
	onGroups       func() any
}

// NewHTTPServer creates a new HTTP server. n is nil on a coordinator.
func NewHTTPServer(addr string, n *node.Node, logger *zap.Logger) *HTTPServer {
	role := RoleParticipant
	if n == nil {
		role = RoleCoordinator
	}
	s := &HTTPServer{
		addr:   addr,
		role:   role,
		node:   n,
		mux:    http.NewServeMux(),
		logger: logging.OrNop(logger).Named("http").With(zap.String("addr", addr)),
	}
	s.setupRoutes()
	return s
}

// SetMetricsHandler exposes h on /metrics
func (s *HTTPServer) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetRolloutHandler sets the callback for handling rollout requests (coordinator only)
func (s *HTTPServer) SetRolloutHandler(handler func(ctx context.Context, req protocol.RolloutRequest) (*protocol.Report, error)) {
	s.onRollout = handler
}

// SetGroupRolloutHandler sets the callback rolling an operation out to
// several groups. It may return reports alongside an error when only some
// groups failed.
func (s *HTTPServer) SetGroupRolloutHandler(handler func(ctx context.Context, req protocol.RolloutRequest) ([]*protocol.Report, error)) {
	s.onGroupRollout = handler
}

// SetReportHandlers sets the callbacks for reading finished rollouts. An
// empty group lists every group.
func (s *HTTPServer) SetReportHandlers(get func(ctx context.Context, rolloutID string) (*protocol.Report, error), list func(ctx context.Context, group string, limit int) ([]*protocol.Report, error)) {
	s.onGetReport = get
	s.onListReports = list
}

// SetGroupsHandler sets the callback describing the known server groups
func (s *HTTPServer) SetGroupsHandler(handler func() any) {
	s.onGroups = handler
}

// Handler returns the router, for tests and embedding
func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}

func (s *HTTPServer) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/prepare", s.handlePrepare)
	s.mux.HandleFunc("/commit", s.handleCommit)
	s.mux.HandleFunc("/rollback", s.handleRollback)
	s.mux.HandleFunc("/rollout", s.handleRollout)
	s.mux.HandleFunc("/rollout/groups", s.handleGroupRollout)
	s.mux.HandleFunc("/rollouts", s.handleListReports)
	s.mux.HandleFunc("/rollouts/", s.handleGetReport)
	s.mux.HandleFunc("/groups", s.handleGroups)
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	s.logger.Info("starting server", zap.String("role", s.role))
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth responds to health check requests
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := protocol.HealthResponse{
		Status:  "OK",
		Address: s.addr,
		Role:    s.role,
	}
	if s.node != nil {
		resp.Pending = len(s.node.Pending())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// handlePrepare handles prepare phase requests
func (s *HTTPServer) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.node == nil {
		writeJSON(w, http.StatusBadRequest, protocol.PrepareResponse{Outcome: protocol.OutcomeFailed, FailureDescription: "not a participant"})
		return
	}

	var req protocol.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.PrepareResponse{Outcome: protocol.OutcomeFailed, FailureDescription: "Invalid request body"})
		return
	}

	s.logger.Debug("received prepare", zap.String("rollout_id", req.RolloutID), zap.String("operation", req.Operation.Name))

	resp := s.node.Prepare(r.Context(), req.RolloutID, req.Operation)

	// the coordinator stopped waiting; it will never send a second phase
	if r.Context().Err() != nil && resp.Handle != "" {
		s.logger.Warn("coordinator gone, discarding prepared change", zap.String("rollout_id", req.RolloutID))
		_ = s.node.Rollback(resp.Handle)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCommit handles commit requests
func (s *HTTPServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	s.handleSecondPhase(w, r, protocol.PhaseCommit)
}

// handleRollback handles rollback requests
func (s *HTTPServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	s.handleSecondPhase(w, r, protocol.PhaseRollback)
}

func (s *HTTPServer) handleSecondPhase(w http.ResponseWriter, r *http.Request, phase protocol.Phase) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.node == nil {
		writeJSON(w, http.StatusBadRequest, protocol.AckResponse{Error: "not a participant"})
		return
	}

	// commit and rollback carry the same fields
	var req protocol.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.AckResponse{Error: "Invalid request body"})
		return
	}

	s.logger.Debug("received second phase",
		zap.String("phase", string(phase)),
		zap.String("rollout_id", req.RolloutID),
		zap.String("handle", req.Handle))

	var err error
	if phase == protocol.PhaseCommit {
		err = s.node.Commit(req.Handle)
	} else {
		err = s.node.Rollback(req.Handle)
	}

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, node.ErrUnknownHandle) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, protocol.AckResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, protocol.AckResponse{Success: true})
}

// handleRollout handles rollout requests (coordinator only)
func (s *HTTPServer) handleRollout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.onRollout == nil {
		writeJSON(w, http.StatusInternalServerError, protocol.AckResponse{Error: "Rollout handler not configured"})
		return
	}

	var req protocol.RolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.AckResponse{Error: "Invalid request body"})
		return
	}
	if req.Group == "" || req.Operation.Name == "" {
		writeJSON(w, http.StatusBadRequest, protocol.AckResponse{Error: "group and operation are required"})
		return
	}

	s.logger.Info("received rollout request", zap.String("group", req.Group), zap.String("operation", req.Operation.Name))

	report, err := s.onRollout(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleGroupRollout applies one operation to several groups (coordinator only)
func (s *HTTPServer) handleGroupRollout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.onGroupRollout == nil {
		writeJSON(w, http.StatusInternalServerError, protocol.AckResponse{Error: "Rollout handler not configured"})
		return
	}

	var req protocol.RolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.AckResponse{Error: "Invalid request body"})
		return
	}
	targets := req.Targets()
	if len(targets) == 0 || req.Operation.Name == "" {
		writeJSON(w, http.StatusBadRequest, protocol.AckResponse{Error: "groups and operation are required"})
		return
	}

	s.logger.Info("received group rollout request",
		zap.Strings("groups", targets),
		zap.Bool("in_series", req.InSeries),
		zap.String("operation", req.Operation.Name))

	reports, err := s.onGroupRollout(r.Context(), req)
	if err != nil && reports == nil {
		writeError(w, err)
		return
	}

	resp := protocol.GroupRolloutResponse{Reports: reports}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.onGetReport == nil {
		writeJSON(w, http.StatusInternalServerError, protocol.AckResponse{Error: "Report handler not configured"})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/rollouts/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, protocol.AckResponse{Error: "rollout id is required"})
		return
	}

	report, err := s.onGetReport(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleListReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.onListReports == nil {
		writeJSON(w, http.StatusInternalServerError, protocol.AckResponse{Error: "Report handler not configured"})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}

	reports, err := s.onListReports(r.Context(), r.URL.Query().Get("group"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if reports == nil {
		reports = []*protocol.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *HTTPServer) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.onGroups == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.onGroups())
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, protocol.AckResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
