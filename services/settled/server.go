package settled

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	settleerrors "devpn/core/errors"
	"devpn/core/settlement"
	"devpn/core/traffic"
	"devpn/core/types"
	"devpn/observability"
)

const maxReportBytes = 64 << 10

// Store is the read and operator surface the HTTP API needs.
type Store interface {
	Ping(ctx context.Context) error
	ListEpochs(ctx context.Context, limit int) ([]types.Epoch, error)
	EpochByID(ctx context.Context, epochID uint64) (types.Epoch, error)
	NodeByAddress(ctx context.Context, address string) (types.Node, error)
	RewardFor(ctx context.Context, nodeID uint, epochID uint64) (types.Reward, error)
	RewardsForEpoch(ctx context.Context, epochID uint64) ([]types.Reward, error)
	TransitionEpoch(ctx context.Context, epochID uint64, from, to types.EpochStatus) error
}

// EpochSource hands out the current epoch.
type EpochSource interface {
	GetOrCreateCurrent(ctx context.Context) (types.Epoch, error)
}

// Settler is the orchestrator surface exposed over HTTP.
type Settler interface {
	Pause()
	Resume()
	Paused() bool
	Status() settlement.Status
	SettleEpoch(ctx context.Context, epochID uint64) (settlement.Summary, error)
	Explain(ctx context.Context, node types.Node, epochID uint64) (settlement.Breakdown, error)
	CheckEligibility(ctx context.Context, recordID uint, source types.RequestSource) (settlement.Check, error)
	EvaluateSession(ctx context.Context, connectionID string) ([]types.TrafficRecord, error)
}

// Ingester stores signed traffic reports.
type Ingester interface {
	Ingest(ctx context.Context, report traffic.Report) (types.TrafficRecord, error)
	IngestBatch(ctx context.Context, address string, reports []traffic.Report) ([]types.TrafficRecord, []error)
}

// PauseRecorder mirrors the pause switch into metrics.
type PauseRecorder interface {
	SetPause(engaged bool)
}

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Store    Store
	Epochs   EpochSource
	Settler  Settler
	Ingestor Ingester
	Auth     *Authenticator
	Pause    PauseRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Server serves the rewards query API, traffic ingestion and the
// authenticated admin controls.
type Server struct {
	store    Store
	epochs   EpochSource
	settler  Settler
	ingestor Ingester
	auth     *Authenticator
	pause    PauseRecorder
	logger   *slog.Logger
	now      func() time.Time

	router http.Handler
}

// NewServer validates the dependencies and builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil || cfg.Epochs == nil || cfg.Settler == nil || cfg.Ingestor == nil {
		return nil, fmt.Errorf("server requires store, epochs, settler and ingestor")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("server requires an authenticator")
	}
	s := &Server{
		store:    cfg.Store,
		epochs:   cfg.Epochs,
		settler:  cfg.Settler,
		ingestor: cfg.Ingestor,
		auth:     cfg.Auth,
		pause:    cfg.Pause,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.auth.logger == nil {
		s.auth.logger = s.logger
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/rewards", func(rr chi.Router) {
		rr.Get("/epochs", s.handleEpochs)
		rr.Get("/epoch/{id}", s.handleEpoch)
		rr.Get("/current_epoch", s.handleCurrentEpoch)
		rr.Get("/proof", s.handleProof)
		rr.Get("/verify/{epoch_id}", s.handleVerify)
		rr.Get("/eligibility/{traffic_record_id}", s.handleEligibility)
	})

	r.Route("/nodes", func(nr chi.Router) {
		nr.Post("/traffic", s.handleTraffic)
		nr.Post("/traffic/batch", s.handleTrafficBatch)
	})

	r.Route("/admin", func(ar chi.Router) {
		ar.Use(s.auth.Middleware)
		ar.Post("/pause", s.handlePause)
		ar.Post("/resume", s.handleResume)
		ar.Get("/status", s.handleStatus)
		ar.Post("/settle/{id}", s.handleSettle)
		ar.Post("/requeue/{id}", s.handleRequeue)
		ar.Get("/export/{id}", s.handleExport)
		ar.Post("/sessions/{connection_id}/end", s.handleSessionEnd)
	})

	return otelhttp.NewHandler(r, "settled")
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.API().Observe(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "paused": s.settler.Paused()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settleerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settleerrors.ErrEpochBusy):
		return http.StatusConflict
	case errors.Is(err, settleerrors.ErrPaused):
		return http.StatusServiceUnavailable
	case settleerrors.IsValidation(err):
		return http.StatusBadRequest
	case settleerrors.IsInsufficientBalance(err):
		return http.StatusUnprocessableEntity
	case settleerrors.IsExternal(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseEpochParam(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, settleerrors.Validation("epoch", "must be a non-negative integer")
	}
	return id, nil
}
