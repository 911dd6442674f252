package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/xucaiyong/flocker/pkg/api"
	"github.com/xucaiyong/flocker/pkg/backend"
	"github.com/xucaiyong/flocker/pkg/log"
	"github.com/xucaiyong/flocker/pkg/metrics"
	"github.com/xucaiyong/flocker/pkg/types"
)

// Server is the agent's own HTTP endpoint. Its main job is receiving
// dataset snapshots pushed by peers during handoffs; the 2xx response it
// returns after a completed restore is the acknowledgement that lets the
// source delete its copy.
type Server struct {
	driver  backend.Driver
	httpSrv *http.Server
	logger  zerolog.Logger
}

// NewServer creates the receive server bound to addr.
func NewServer(addr string, driver backend.Driver) *Server {
	s := &Server{
		driver: driver,
		logger: log.WithComponent("agent-server"),
	}
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.routes() }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/receive/{dataset}", s.handleReceive)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("agent server failed")
		}
	}()
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("agent server listening")
	return nil
}

// Stop shuts the server down, letting an in-flight restore finish within
// the context's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleReceive restores a pushed dataset snapshot through the storage
// driver and acknowledges with 200 once it is durable. Restores are
// idempotent, so a retried push of an already landed dataset succeeds
// without touching the data.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	datasetID := r.PathValue("dataset")

	dataset := types.Dataset{ID: datasetID}
	if raw := r.Header.Get(api.HeaderDatasetSize); raw != "" {
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid dataset size header")
			return
		}
		dataset.MaximumSize = size
	}
	if raw := r.Header.Get(api.HeaderDatasetMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &dataset.Metadata); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid dataset metadata header")
			return
		}
	}

	started := time.Now()
	if err := s.driver.Restore(r.Context(), dataset, r.Body); err != nil {
		s.logger.Error().Err(err).Str("dataset_id", datasetID).Msg("restore failed")
		metrics.HandoffsTotal.WithLabelValues("receive_failed").Inc()
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.HandoffsTotal.WithLabelValues("received").Inc()
	s.logger.Info().
		Str("dataset_id", datasetID).
		Dur("took", time.Since(started)).
		Msg("dataset snapshot received")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"dataset_id": datasetID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: msg})
}
