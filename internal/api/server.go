// Package api exposes the engine's HTTP surface: scan submission,
// cancellation, job reads, engine health, and the WebSocket stream mount.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/corvidsec/raven/internal/app/scanning"
	domain "github.com/corvidsec/raven/internal/domain/scanning"
	"github.com/corvidsec/raven/pkg/common/logger"
	"github.com/corvidsec/raven/pkg/common/otel"

	"github.com/google/uuid"
)

// ScanService is the slice of the orchestrator the HTTP handlers drive.
type ScanService interface {
	SubmitScan(ctx context.Context, cmd appscanning.SubmitScanCommand) (*domain.Job, error)
	CancelScan(ctx context.Context, jobID uuid.UUID) error
	GetJobDetail(ctx context.Context, jobID uuid.UUID) (*domain.JobDetail, error)
}

// JobReader loads jobs for ownership checks before a read or cancel is
// forwarded to the service.
type JobReader interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
}

// EngineHealth reports the registered engines and their probe results.
type EngineHealth interface {
	Names() []string
	HealthSweep(ctx context.Context) map[string]error
}

// Config carries the server's listen address and optional readiness probe.
type Config struct {
	ListenAddr string

	// Readiness reports whether downstream dependencies are usable. A nil
	// probe makes /v1/readiness unconditionally ready.
	Readiness func(ctx context.Context) error
}

// Server is the engine's HTTP front door.
type Server struct {
	cfg      Config
	scans    ScanService
	jobs     JobReader
	engines  EngineHealth
	stream   http.HandlerFunc
	validate *validator.Validate
	router   *chi.Mux
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewServer wires the HTTP surface. stream is the WebSocket subscription
// handler mounted at /ws/scans/{jobID}.
func NewServer(
	cfg Config,
	scans ScanService,
	jobs JobReader,
	engines EngineHealth,
	stream http.HandlerFunc,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	validate := validator.New()
	// Validation failures name the wire field, not the Go field.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otelhttp.NewMiddleware("raven-api"))
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:      cfg,
		scans:    scans,
		jobs:     jobs,
		engines:  engines,
		stream:   stream,
		validate: validate,
		router:   r,
		logger:   log.With("component", "api"),
		tracer:   tracer,
	}

	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/scans", s.handleSubmitScan)
		r.Delete("/scans/{id}", s.handleCancelScan)
		r.Get("/scans/{id}", s.handleGetScan)

		r.Get("/engines", s.handleListEngines)
	})

	// Browsers cannot set headers on WebSocket dials, so the stream endpoint
	// authenticates via its token query parameter instead of the bearer
	// header the REST endpoints use.
	s.router.Get("/ws/scans/{jobID}", s.stream)
}

// Start serves until ctx is cancelled, then drains with a bounded shutdown.
// WebSocket connections are hijacked from the server and drained separately
// by the gateway's own Close.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	return server.ListenAndServe()
}
