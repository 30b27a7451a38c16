// Package api serves the HTTP management and ingestion API.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/core/auth"
	"github.com/cadenza-automation/cadenza/internal/engine"
	"github.com/cadenza-automation/cadenza/internal/execlog"
	"github.com/cadenza-automation/cadenza/internal/listener"
	"github.com/cadenza-automation/cadenza/internal/stats"
	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// maxBodyBytes bounds request bodies, webhook payloads included.
const maxBodyBytes = 1 << 20

// RuleService is the rule management surface. *engine.Manager implements it.
type RuleService interface {
	Create(ctx context.Context, rule *types.Rule) (*types.Rule, error)
	Get(ctx context.Context, id types.RuleID) (*types.Rule, error)
	List(ctx context.Context, opts store.ListOptions) ([]*types.Rule, error)
	Update(ctx context.Context, id types.RuleID, rule *types.Rule, expectedVersion int64) (*types.Rule, error)
	SetEnabled(ctx context.Context, id types.RuleID, enabled bool) (*types.Rule, error)
	Delete(ctx context.Context, id types.RuleID) error
	History(ctx context.Context, id types.RuleID) ([]store.Version, error)
	Import(ctx context.Context, rules []*types.Rule) (engine.ImportResult, error)
}

// Listeners routes pushed events and reports listener health.
// *listener.Pool implements it.
type Listeners interface {
	Deliver(ctx context.Context, ev types.Event) error
	Health() []listener.Health
}

// Platforms is the platform registry surface. *platform.Registry implements it.
type Platforms interface {
	List() []types.Platform
	Get(id types.PlatformID) (types.Platform, error)
	Connect(id types.PlatformID) error
	Disconnect(id types.PlatformID) error
}

// StatsSource builds the statistics snapshot. *stats.Aggregator implements it.
type StatsSource interface {
	Snapshot(rules []*types.Rule) stats.Snapshot
}

// Deps are the service's collaborators. Verifier may be nil, in which case
// webhooks are accepted unsigned.
type Deps struct {
	Rules          RuleService
	Listeners      Listeners
	Platforms      Platforms
	Log            execlog.Log
	Stats          StatsSource
	Verifier       *auth.Verifier
	Logger         zerolog.Logger
	RequestTimeout time.Duration
	// WebhookDedupeWindow groups identical headerless webhook deliveries
	// received within the same window into one event. Zero disables it.
	WebhookDedupeWindow time.Duration
}

// Service implements the HTTP API. Thin orchestration over the manager,
// the listener pool, the registry and the execution log.
type Service struct {
	deps   Deps
	logger zerolog.Logger
	router chi.Router
	now    func() time.Time
}

// NewService validates deps and builds the router.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Rules == nil:
		return nil, fmt.Errorf("rules cannot be nil")
	case deps.Listeners == nil:
		return nil, fmt.Errorf("listeners cannot be nil")
	case deps.Platforms == nil:
		return nil, fmt.Errorf("platforms cannot be nil")
	case deps.Log == nil:
		return nil, fmt.Errorf("log cannot be nil")
	case deps.Stats == nil:
		return nil, fmt.Errorf("stats cannot be nil")
	}
	if deps.Verifier == nil {
		deps.Verifier = auth.NewVerifier(nil)
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	s := &Service{deps: deps, logger: deps.Logger.With().Str("component", "api").Logger(), now: time.Now}
	s.router = s.routes()
	return s, nil
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Service) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.deps.RequestTimeout))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Post("/import", s.handleImportRules)
			r.Route("/{ruleID}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/enable", s.handleSetEnabled(true))
				r.Post("/disable", s.handleSetEnabled(false))
				r.Get("/versions", s.handleRuleVersions)
			})
		})

		r.Route("/platforms", func(r chi.Router) {
			r.Get("/", s.handleListPlatforms)
			r.Get("/{platformID}", s.handleGetPlatform)
			r.Post("/{platformID}/connect", s.handleConnectPlatform(true))
			r.Post("/{platformID}/disconnect", s.handleConnectPlatform(false))
		})

		r.Post("/events", s.handleEvent)
		r.Post("/webhooks/{platformID}/{event}", s.handleWebhook)

		r.Get("/executions", s.handleExecutions)
		r.Get("/stats", s.handleStats)
		r.Get("/listeners", s.handleListeners)
	})
	return r
}

func (s *Service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	suspended := 0
	for _, h := range s.deps.Listeners.Health() {
		if h.State == listener.StateSuspended {
			suspended++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"suspended_listeners": suspended,
	})
}
