// Package httpapi is the runner's HTTP surface (spec §4.7): worker
// assignment, keepalive/log/finish callbacks, live log/status reads,
// and websocket event feeds. Routed with go-chi/chi instead of a bare
// net/http.ServeMux so structured logging, panic recovery, otel
// tracing, and body validation attach as ordinary middleware.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ashenforge/fleetd/internal/activerun"
	"github.com/ashenforge/fleetd/internal/model"
	"github.com/ashenforge/fleetd/internal/queueproc"
	"github.com/ashenforge/fleetd/pkg/blobmanager"
	"github.com/ashenforge/fleetd/pkg/builder"
	"github.com/ashenforge/fleetd/pkg/pubsub"
	"github.com/ashenforge/fleetd/pkg/vcsmanager"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Store is the subset of internal/store.Store the HTTP surface needs
// beyond what queueproc.Processor already wraps.
type Store interface {
	GetPackage(ctx context.Context, name string) (model.Package, error)
	GetLastUnabsorbedRun(ctx context.Context, pkg, suite string) (model.Run, error)
	LastBuildVersion(ctx context.Context, source, distribution string) (string, error)
}

// SuiteInfo is what the HTTP surface needs to know about one configured
// suite to synthesize an assignment.
type SuiteInfo struct {
	Config      builder.SuiteConfig
	BuilderKind string // "generic" or "debian"
}

// SuiteProvider resolves suite and distribution configuration. Backed by
// internal/config in production; a fake in tests.
type SuiteProvider interface {
	Suite(name string) (SuiteInfo, bool)
	Distro() builder.DistroConfig
}

// Server holds the runner HTTP surface's dependencies.
type Server struct {
	store       Store
	processor   *queueproc.Processor
	active      *activerun.Registry
	vcsManagers map[model.VCSType]vcsmanager.Manager
	suites      SuiteProvider
	logs        blobmanager.LogManager
	artifacts   blobmanager.ArtifactManager
	queueTopic  *pubsub.Topic
	resultTopic *pubsub.Topic
	validate    *validator.Validate
	log         *slog.Logger
	tracer      trace.Tracer
}

// New constructs a Server. logs/artifacts may be nil, in which case the
// finish path falls back to a Local blob manager rooted under the
// process's temp directory, so callers that don't care about object
// storage (most tests) never need to wire one up.
func New(store Store, processor *queueproc.Processor, active *activerun.Registry,
	vcsManagers map[model.VCSType]vcsmanager.Manager, suites SuiteProvider,
	logs blobmanager.LogManager, artifacts blobmanager.ArtifactManager,
	queueTopic, resultTopic *pubsub.Topic, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if logs == nil {
		logs = &blobmanager.Local{Root: filepath.Join(os.TempDir(), "fleetd-logs")}
	}
	if artifacts == nil {
		artifacts = &blobmanager.Local{Root: filepath.Join(os.TempDir(), "fleetd-artifacts")}
	}
	return &Server{
		store:       store,
		processor:   processor,
		active:      active,
		vcsManagers: vcsManagers,
		suites:      suites,
		logs:        logs,
		artifacts:   artifacts,
		queueTopic:  queueTopic,
		resultTopic: resultTopic,
		validate:    validator.New(),
		log:         log,
		tracer:      otel.Tracer("fleetd/httpapi"),
	}
}

// Router builds the chi router for the runner HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/assign", s.handleAssign)
	r.Post("/active-runs/{id}/keepalive", s.handleKeepalive)
	r.Post("/active-runs/{id}/log/{name}", s.handleLogChunk)
	r.Post("/active-runs/{id}/finish", s.handleFinish)
	r.Get("/log/{id}", s.handleLogList)
	r.Get("/log/{id}/{file}", s.handleLogFile)
	r.Post("/kill/{id}", s.handleKill)
	r.Get("/ws/queue", s.handleWSQueue)
	r.Get("/ws/result", s.handleWSResult)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.log.Info("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
