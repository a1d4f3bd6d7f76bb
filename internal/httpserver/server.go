package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/radiusdt/shoptraffic/internal/botdetect"
	"github.com/radiusdt/shoptraffic/internal/codegen"
	"github.com/radiusdt/shoptraffic/internal/config"
	"github.com/radiusdt/shoptraffic/internal/database"
	"github.com/radiusdt/shoptraffic/internal/dedup"
	"github.com/radiusdt/shoptraffic/internal/geo"
	"github.com/radiusdt/shoptraffic/internal/metrics"
	"github.com/radiusdt/shoptraffic/internal/models"
	"github.com/radiusdt/shoptraffic/internal/reporting"
	"github.com/radiusdt/shoptraffic/internal/storage"
	"github.com/radiusdt/shoptraffic/internal/tracking"
	"go.uber.org/zap"
)

const (
	msgMissingUserAgent = "missing required signal: user agent"
	msgUnavailable      = "temporarily unavailable, please try again"
)

// Dependencies holds all external dependencies for the server. Store and
// Dedup are built from DB and Redis when left nil.
type Dependencies struct {
	DB      *database.PostgresDB
	Redis   *database.RedisDB
	Store   storage.Store
	Dedup   dedup.Admitter
	Geo     geo.Locator
	Sink    storage.EventSink
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server wires intake and reporting onto HTTP routes.
type Server struct {
	recorder *tracking.Recorder
	links    *tracking.LinkService
	reports  *reporting.Engine
	db       *database.PostgresDB
	redis    *database.RedisDB
	logger   *zap.Logger
	config   *config.Config
	metrics  *metrics.Metrics
}

// NewServer constructs the http.Handler with all routes registered.
func NewServer(deps *Dependencies) (http.Handler, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := deps.Store
	if store == nil {
		if deps.DB != nil {
			store = storage.NewPostgresStore(deps.DB.Pool)
		} else {
			logger.Warn("no database configured, using in-memory store")
			store = storage.NewInMemoryStore()
		}
	}

	admitter := deps.Dedup
	if admitter == nil {
		cache := dedup.NewCache(cfg.Tracking.DedupCapacity)
		admitter = cache
		if cfg.Tracking.DedupBackend == config.DedupBackendRedis && deps.Redis != nil {
			var opts []dedup.RedisOption
			if deps.Metrics != nil {
				opts = append(opts, dedup.WithFallbackHook(deps.Metrics.RecordDedupFallback))
			}
			admitter = deps.Redis.DedupAdmitter(cache, logger, opts...)
		}
	}

	classifier, err := botdetect.NewDefault(cfg.Tracking.ExtraBotPatterns...)
	if err != nil {
		return nil, fmt.Errorf("bot classifier: %w", err)
	}

	loc, err := cfg.Reporting.Location()
	if err != nil {
		return nil, fmt.Errorf("reporting timezone: %w", err)
	}

	genOpts := []codegen.Option{
		codegen.WithLength(cfg.Tracking.CodeLength),
		codegen.WithMaxAttempts(cfg.Tracking.CodeAttempts),
	}
	if deps.Metrics != nil {
		genOpts = append(genOpts, codegen.WithObserver(deps.Metrics.RecordCodeAttempts))
	}

	s := &Server{
		recorder: tracking.NewRecorder(tracking.Dependencies{
			Subjects:   store,
			Log:        store,
			Classifier: classifier,
			Dedup:      admitter,
			Geo:        deps.Geo,
			Sink:       deps.Sink,
			Metrics:    deps.Metrics,
			Logger:     logger.Named("tracking"),
		}, tracking.Config{
			MechanicDedupWindow: cfg.Tracking.MechanicDedupWindow,
			StoreTimeout:        cfg.Tracking.StoreTimeout,
		}),
		links: tracking.NewLinkService(store, store, codegen.New(store, genOpts...), logger.Named("links")),
		reports: reporting.NewEngine(store, reporting.Config{
			Location:     loc,
			DailyCap:     cfg.Reporting.DailyCap,
			DefaultLimit: cfg.Reporting.DefaultLimit,
			MaxLimit:     cfg.Reporting.MaxLimit,
		}, logger.Named("reporting")),
		db:      deps.DB,
		redis:   deps.Redis,
		logger:  logger,
		config:  cfg,
		metrics: deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, deps.Metrics.Handler())
	}

	// Public intake
	mux.HandleFunc("POST /analytics/pageview", s.handlePageView)
	mux.HandleFunc("POST /mechanics/{id}/click", s.handleMechanicClick)
	mux.HandleFunc("POST /tracking-links/click", s.handleLinkClick)
	mux.HandleFunc("GET /r/{code}", s.handleRedirect)

	// Tracking links
	mux.HandleFunc("GET /tracking-links", s.handleListLinks)
	mux.HandleFunc("POST /tracking-links", s.handleCreateLink)
	mux.HandleFunc("PATCH /tracking-links/{code}", s.handleUpdateLink)
	mux.HandleFunc("POST /tracking-links/{code}/deactivate", s.handleDeactivateLink)
	mux.HandleFunc("POST /tracking-links/{code}/conversions", s.handleConversion)
	mux.HandleFunc("GET /tracking-links/{code}/summary", s.handleLinkSummary)

	// Analytics
	mux.HandleFunc("GET /analytics/mechanics/{id}/daily", s.handleMechanicDaily)
	mux.HandleFunc("GET /analytics/mechanics/{id}/monthly", s.handleMechanicMonthly)
	mux.HandleFunc("GET /analytics/mechanics/{id}/clicks", s.handleMechanicClicks)
	mux.HandleFunc("GET /analytics/mechanics/monthly", s.handleMechanicsMonthly)
	mux.HandleFunc("GET /analytics/top-mechanics", s.handleTopMechanics)
	mux.HandleFunc("GET /analytics/top-mechanics/{year}/{month}", s.handleTopMechanicsForMonth)
	mux.HandleFunc("GET /analytics/site", s.handleSiteSummary)
	mux.HandleFunc("GET /analytics/site/monthly", s.handleSiteMonthly)
	mux.HandleFunc("GET /analytics/site/months/{year}/{month}", s.handleSiteMonth)
	mux.HandleFunc("GET /analytics/referrals", s.handleReferrals)
	mux.HandleFunc("GET /analytics/referrals/{code}/daily", s.handleReferralDaily)

	// Admin
	mux.HandleFunc("POST /admin/dedup/reset", s.handleDedupReset)

	return mux, nil
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "store": "memory", "redis": "disabled"}
	code := http.StatusOK

	if s.db != nil {
		status["store"] = "ok"
		if err := s.db.Health(ctx); err != nil {
			status["store"] = "down"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.redis != nil {
		status["redis"] = "ok"
		if err := s.redis.Health(ctx); err != nil {
			// dedup falls back to the local cache
			status["redis"] = "down"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// ---- Helpers ----

// writeError maps the error taxonomy to HTTP. Store details never reach the
// client; they are logged with the reason code instead.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidSignal):
		s.errorResponse(w, "missing required signal", http.StatusBadRequest)
	case errors.Is(err, models.ErrInvalidInput):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrSubjectNotFound):
		s.errorResponse(w, "not found", http.StatusNotFound)
	case errors.Is(err, models.ErrCodeGenerationExhausted):
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("reason", models.ReasonCode(err)),
			zap.Error(err),
		)
		w.Header().Set("Retry-After", "5")
		s.errorResponse(w, msgUnavailable, http.StatusServiceUnavailable)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// intQuery reads a positive integer query parameter, falling back to def
// when absent.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer: %w", name, models.ErrInvalidInput)
	}
	return n, nil
}

// pathMonth reads the {year}/{month} path segments. Range checks are left to
// the reporting engine.
func pathMonth(r *http.Request) (int, int, error) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid year: %w", models.ErrInvalidInput)
	}
	month, err := strconv.Atoi(r.PathValue("month"))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid month: %w", models.ErrInvalidInput)
	}
	return year, month, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id: %w", models.ErrInvalidInput)
	}
	return id, nil
}
