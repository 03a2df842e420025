package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/ecm/internal/autocreate"
	"github.com/snarg/ecm/internal/bulk"
	"github.com/snarg/ecm/internal/cache"
	"github.com/snarg/ecm/internal/config"
	"github.com/snarg/ecm/internal/digest"
	"github.com/snarg/ecm/internal/metrics"
	"github.com/snarg/ecm/internal/normalize"
	"github.com/snarg/ecm/internal/probe"
	"github.com/snarg/ecm/internal/store"
	"github.com/snarg/ecm/internal/tasks"
	"github.com/snarg/ecm/internal/tlsmgr"
	"github.com/snarg/ecm/internal/upstream"
	"github.com/snarg/ecm/internal/xmltv"
)

// Deps collects everything the router serves. TLS may be nil when the
// process is the HTTPS child or TLS is not configured.
type Deps struct {
	Config    *config.Config
	DB        *store.DB
	Upstream  *upstream.Cached
	Cache     *cache.Cache
	Normalize *normalize.Engine
	TagIndex  *normalize.TagIndex
	Pipeline  *autocreate.Engine
	Probe     *probe.Engine
	Digest    *digest.Dispatcher
	Tasks     *tasks.Engine
	Bulk      *bulk.Applier
	Synth     *xmltv.Synthesizer
	TLS       *tlsmgr.Manager

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

// NewRouter builds the full API surface. The same handler serves the plain
// HTTP listener and the HTTPS child.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(d.Log))
	r.Use(metrics.InstrumentHandler)

	// Unauthenticated surface: health, metrics, and ACME challenges.
	health := NewHealthHandler(d.DB, d.Version, d.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	if d.TLS != nil {
		r.Get("/.well-known/acme-challenge/{token}", d.TLS.ChallengeHandler())
	}

	// Guide alias for media players; they can only pass the token as a
	// query parameter.
	epg := NewEPGHandler(d.DB, d.Upstream, d.Synth)
	r.With(BearerAuth(d.Config.AuthToken)).Get("/guide.xml", epg.XMLTV)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(d.Config.AuthToken))

		NewRulesHandler(d.DB, d.Normalize, d.TagIndex).Routes(r)
		NewAutoCreateHandler(d.DB, d.Pipeline).Routes(r)
		NewProbeHandler(d.DB, d.Probe, d.Tasks, d.Upstream).Routes(r)
		NewSmartSortHandler(d.Upstream, d.DB, probe.SortConfig{
			CodecPreference:    d.Config.CodecPreference,
			DeprioritizeFailed: d.Config.DeprioritizeFailedStreams,
		}).Routes(r)
		NewChangesHandler(d.DB, d.Digest, d.DB, d.Tasks).Routes(r)
		NewTasksHandler(d.Tasks, d.DB).Routes(r)
		NewBulkHandler(d.Bulk).Routes(r)
		epg.Routes(r)
		NewNotificationsHandler(d.DB).Routes(r)
		NewCSVHandler(d.Upstream).Routes(r)
		NewSystemHandler(d.Cache, d.Tasks).Routes(r)
		if d.TLS != nil {
			NewTLSHandler(d.TLS).Routes(r)
		}
	})

	return r
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		http: &http.Server{
			Addr:         d.Config.HTTPAddr,
			Handler:      NewRouter(d),
			ReadTimeout:  d.Config.ReadTimeout,
			WriteTimeout: d.Config.WriteTimeout,
			IdleTimeout:  d.Config.IdleTimeout,
		},
		log: d.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

// SystemHandler exposes cache statistics and engine state for operators.
type SystemHandler struct {
	cache  *cache.Cache
	engine *tasks.Engine
}

func NewSystemHandler(c *cache.Cache, engine *tasks.Engine) *SystemHandler {
	return &SystemHandler{cache: c, engine: engine}
}

func (h *SystemHandler) Routes(r chi.Router) {
	r.Get("/system/stats", h.Stats)
	r.Post("/system/cache/flush", h.FlushCache)
}

func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if h.cache != nil {
		out["cache"] = h.cache.Stats()
	}
	if h.engine != nil {
		out["tasks"] = h.engine.EngineStatus()
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *SystemHandler) FlushCache(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		h.cache.Flush()
	}
	WriteJSON(w, http.StatusOK, map[string]any{"flushed": true})
}
