package witnessd

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/certusone/wormhole/witnessd/pkg/readiness"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodySize = 64 * 1024

type startEpochRequest struct {
	ID    uint32 `json:"id"`
	Start uint64 `json:"start"`
}

type chainEndpoints struct {
	Chain     chain.ID               `json:"chain"`
	Endpoints []chain.EndpointHealth `json:"endpoints"`
}

type statusServer struct {
	logger    *zap.Logger
	monitor   *epochs.Monitor
	readiness *readiness.Registry
	endpoints map[chain.ID]chain.HealthReporter
}

func (s *statusServer) handleStartEpoch(w http.ResponseWriter, r *http.Request) {
	var req startEpochRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.logger.Debug("failed to decode body", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.monitor.StartEpoch(r.Context(), req.ID, req.Start); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, epochs.ErrEpochOutOfOrder) {
			status = http.StatusConflict
		}
		s.logger.Warn("rejected epoch start", zap.Uint32("epoch", req.ID), zap.Uint64("start", req.Start), zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	s.logger.Info("epoch start received", zap.Uint32("epoch", req.ID), zap.Uint64("start", req.Start))
	s.writeJSON(w, http.StatusAccepted, req)
}

func (s *statusServer) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	active, err := s.monitor.ActiveEpochs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, active)
}

func (s *statusServer) handleEpoch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		http.Error(w, "invalid epoch id", http.StatusBadRequest)
		return
	}
	b, err := s.monitor.Bounds(r.Context(), uint32(id))
	if errors.Is(err, epochs.ErrUnknownEpoch) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *statusServer) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	out := make([]chainEndpoints, 0, len(s.endpoints))
	for id, hr := range s.endpoints {
		out = append(out, chainEndpoints{Chain: id, Endpoints: hr.EndpointHealth()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *statusServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *statusServer) router() *mux.Router {
	// Use a custom router instead of http.DefaultServeMux to avoid exposing
	// packages that register themselves with it (like pprof).
	r := mux.NewRouter()
	r.HandleFunc("/readyz", s.readiness.Handler)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/v1/epochs", s.handleStartEpoch).Methods("POST")
	r.HandleFunc("/v1/epochs", s.handleListEpochs).Methods("GET")
	r.HandleFunc("/v1/epochs/{id}", s.handleEpoch).Methods("GET")
	r.HandleFunc("/v1/endpoints", s.handleEndpoints).Methods("GET")
	return r
}

func newStatusServer(addr string, logger *zap.Logger, monitor *epochs.Monitor, registry *readiness.Registry, endpoints map[chain.ID]chain.HealthReporter) *http.Server {
	s := &statusServer{
		logger:    logger,
		monitor:   monitor,
		readiness: registry,
		endpoints: endpoints,
	}
	return &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
