package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/xucaiyong/flocker/pkg/control"
	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/events"
	"github.com/xucaiyong/flocker/pkg/log"
	"github.com/xucaiyong/flocker/pkg/metrics"
	"github.com/xucaiyong/flocker/pkg/types"
)

// longPollTimeout bounds how long GET /v1/configuration?after=N waits for a
// newer configuration version before returning the current one.
const longPollTimeout = 30 * time.Second

// Server exposes the control service over HTTP/JSON: the versioned
// configuration resource the agents poll, the state reporting endpoint, and
// the operator-facing dataset mutations.
type Server struct {
	control *control.Service
	httpSrv *http.Server
	logger  zerolog.Logger
}

// NewServer creates an API server for the given control service.
func NewServer(ctrl *control.Service) *Server {
	s := &Server{
		control: ctrl,
		logger:  log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{Handler: s.routes()}
	return s
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	s.logger.Info().Str("addr", addr).Msg("configuration API listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the API handler; used by the httptest-based suites.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/configuration", s.instrument("configuration", s.getConfiguration))
	mux.Handle("GET /v1/state", s.instrument("state", s.getState))
	mux.Handle("POST /v1/state/{node}", s.instrument("state", s.postNodeState))

	mux.Handle("GET /v1/datasets", s.instrument("datasets", s.listDatasets))
	mux.Handle("POST /v1/datasets", s.instrument("datasets", s.createDataset))
	mux.Handle("POST /v1/datasets/{id}/move", s.instrument("datasets", s.moveDataset))
	mux.Handle("POST /v1/datasets/{id}/metadata", s.instrument("datasets", s.setMetadata))
	mux.Handle("DELETE /v1/datasets/{id}", s.instrument("datasets", s.deleteDataset))

	mux.Handle("GET /v1/nodes", s.instrument("nodes", s.listNodes))
	mux.Handle("POST /v1/nodes", s.instrument("nodes", s.registerNode))

	mux.Handle("POST /v1/control/join", s.instrument("control", s.joinControl))

	mux.Handle("GET /v1/health", s.instrument("health", s.health))
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(route))
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// getConfiguration serves the desired configuration. With ?after=<version>
// the request blocks until a newer version exists or the long-poll window
// closes, so agents react to changes without busy-polling.
func (s *Server) getConfiguration(w http.ResponseWriter, r *http.Request) {
	if after := r.URL.Query().Get("after"); after != "" {
		version, err := strconv.ParseUint(after, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after version: %w", err))
			return
		}
		if !s.waitForNewerVersion(r.Context(), version) {
			// Timed out or client went away; fall through and return the
			// current configuration so the agent can still tick.
		}
	}

	config, err := s.control.Configuration()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, config)
}

// waitForNewerVersion blocks until the configuration version exceeds v.
// Returns false on timeout or context cancellation.
func (s *Server) waitForNewerVersion(ctx context.Context, v uint64) bool {
	sub := s.control.Subscribe()
	defer s.control.Unsubscribe(sub)

	// Check after subscribing so a change between the agent's last fetch
	// and this request is not missed.
	if current, err := s.control.CurrentVersion(); err == nil && current > v {
		return true
	}

	deadline := time.NewTimer(longPollTimeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return false
			}
			if ev.Type == events.EventConfigurationChanged && ev.Version > v {
				return true
			}
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.control.ClusterState())
}

func (s *Server) postNodeState(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("node")

	var ns types.NodeState
	if err := json.NewDecoder(r.Body).Decode(&ns); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid node state: %w", err))
		return
	}
	if ns.NodeID != "" && ns.NodeID != nodeID {
		s.writeError(w, http.StatusBadRequest,
			fmt.Errorf("node ID mismatch: body %s, path %s", ns.NodeID, nodeID))
		return
	}
	ns.NodeID = nodeID

	if err := s.control.RecordNodeState(ns); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDatasets(w http.ResponseWriter, r *http.Request) {
	configs, err := s.control.Datasets()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]DatasetResponse, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, DatasetResponse{
			Dataset: cfg.Dataset,
			Primary: cfg.Primary,
			Deleted: cfg.Deleted,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) createDataset(w http.ResponseWriter, r *http.Request) {
	var req CreateDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	cfg, err := s.control.CreateDataset(req.DatasetID, req.Primary, req.MaximumSize, req.Metadata)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, DatasetResponse{
		Dataset: cfg.Dataset,
		Primary: cfg.Primary,
	})
}

func (s *Server) moveDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("id")

	var req MoveDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	if err := s.control.MoveDataset(datasetID, req.Primary); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setMetadata(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("id")

	var req SetMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	if err := s.control.SetDatasetMetadata(datasetID, req.Metadata); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteDataset(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("id")

	if err := s.control.DeleteDataset(datasetID); err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.control.Nodes()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	if err := s.control.RegisterNode(req.Node); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// joinControl admits a new control replica. Only the leader can change the
// Raft membership, so followers answer 409 and the caller retries elsewhere.
func (s *Server) joinControl(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.NodeID == "" || req.Address == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("node_id and address are required"))
		return
	}

	if !s.control.IsLeader() {
		s.writeError(w, http.StatusConflict, errors.New("not the leader"))
		return
	}
	if err := s.control.AddReplica(req.NodeID, req.Address); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info().Str("replica", req.NodeID).Str("addr", req.Address).Msg("control replica admitted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"leader": s.control.IsLeader(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Debug().Err(err).Int("status", status).Msg("request failed")
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
