// Package api serves read-only HTTP views of the city state.
//
// The cache is only read through exported deep copies, so handlers never
// block ingestion for longer than a copy takes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-digitaltwin/citytwin"
	"github.com/go-digitaltwin/citytwin/snapshot"
)

// State provides deep copies of the city state.
type State interface {
	ExportFullState() *citytwin.City
	GetDistrict(id string) (*citytwin.District, bool)
}

// Snapshots looks up stored snapshots.
type Snapshots interface {
	Get(ctx context.Context, id string) (*snapshot.Document, error)
	Latest(ctx context.Context) (*snapshot.Document, error)
}

// Liveness reports whether the ingestion loop is making progress.
type Liveness interface {
	Alive(now time.Time, maxSilence time.Duration) bool
	LastBeat() time.Time
}

// Server routes the query API.
type Server struct {
	state      State
	snapshots  Snapshots
	liveness   Liveness
	maxSilence time.Duration
	stats      []namedStats
	ws         http.Handler
	now        func() time.Time

	router chi.Router
}

type namedStats struct {
	name string
	fn   func() any
}

// Option configures a Server.
type Option func(*Server)

// WithSnapshots serves the snapshot routes from s.
func WithSnapshots(s Snapshots) Option {
	return func(srv *Server) { srv.snapshots = s }
}

// WithLiveness fails the health check when l has not beat for maxSilence.
func WithLiveness(l Liveness, maxSilence time.Duration) Option {
	return func(srv *Server) {
		srv.liveness = l
		srv.maxSilence = maxSilence
	}
}

// WithStats adds a section to the stats response.
func WithStats(name string, fn func() any) Option {
	return func(srv *Server) { srv.stats = append(srv.stats, namedStats{name, fn}) }
}

// WithWebsocket serves websocket upgrades on /ws.
func WithWebsocket(h http.Handler) Option {
	return func(srv *Server) { srv.ws = h }
}

// WithClock replaces the clock of the health check.
func WithClock(now func() time.Time) Option {
	return func(srv *Server) { srv.now = now }
}

// New returns a Server reading state.
func New(state State, opts ...Option) *Server {
	srv := &Server{state: state, now: time.Now}
	for _, opt := range opts {
		opt(srv)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", srv.health)
	if srv.ws != nil {
		r.Handle("/ws", srv.ws)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", srv.fullState)
		r.Route("/districts/{id}", func(r chi.Router) {
			r.Get("/", srv.district)
			r.Get("/sensors", srv.districtSection(func(d *citytwin.District) any { return d.Sensors }))
			r.Get("/buildings", srv.districtSection(func(d *citytwin.District) any { return d.Buildings }))
			r.Get("/weather-stations", srv.districtSection(func(d *citytwin.District) any { return d.WeatherStations }))
		})
		r.Get("/transport", srv.citySection(func(c *citytwin.City) any { return c.PublicTransport }))
		r.Get("/emergency", srv.citySection(func(c *citytwin.City) any { return c.EmergencyServices }))
		r.Get("/vehicles", srv.citySection(func(c *citytwin.City) any { return c.Vehicles }))
		r.Get("/graph", srv.citySection(func(c *citytwin.City) any { return c.Graph }))
		r.Get("/snapshots/latest", srv.latestSnapshot)
		r.Get("/snapshots/{id}", srv.snapshot)
		r.Get("/stats", srv.statsSummary)
	})
	srv.router = r
	return srv
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.router.ServeHTTP(w, r)
}

func (srv *Server) fullState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, srv.state.ExportFullState())
}

func (srv *Server) district(w http.ResponseWriter, r *http.Request) {
	d, ok := srv.state.GetDistrict(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "district not found")
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (srv *Server) districtSection(section func(*citytwin.District) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, ok := srv.state.GetDistrict(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, r, http.StatusNotFound, "district not found")
			return
		}
		writeJSON(w, r, http.StatusOK, section(d))
	}
}

func (srv *Server) citySection(section func(*citytwin.City) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, section(srv.state.ExportFullState()))
	}
}

func (srv *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	srv.serveSnapshot(w, r, func(ctx context.Context) (*snapshot.Document, error) {
		return srv.snapshots.Latest(ctx)
	})
}

func (srv *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	srv.serveSnapshot(w, r, func(ctx context.Context) (*snapshot.Document, error) {
		return srv.snapshots.Get(ctx, id)
	})
}

func (srv *Server) serveSnapshot(w http.ResponseWriter, r *http.Request, lookup func(context.Context) (*snapshot.Document, error)) {
	if srv.snapshots == nil {
		writeError(w, r, http.StatusServiceUnavailable, "snapshots are disabled")
		return
	}
	doc, err := lookup(r.Context())
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "snapshot not found")
	case err != nil:
		component.Logger(r.Context()).Error("Failed to look up snapshot", slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "snapshot lookup failed")
	default:
		writeJSON(w, r, http.StatusOK, doc)
	}
}

func (srv *Server) statsSummary(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(srv.stats))
	for _, s := range srv.stats {
		out[s.name] = s.fn()
	}
	writeJSON(w, r, http.StatusOK, out)
}

type healthResponse struct {
	Status   string    `json:"status"`
	LastBeat time.Time `json:"lastBeat,omitzero"`
}

func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	if srv.liveness == nil {
		writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	resp := healthResponse{Status: "ok", LastBeat: srv.liveness.LastBeat()}
	if !srv.liveness.Alive(srv.now(), srv.maxSilence) {
		resp.Status = "stale"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		component.Logger(r.Context()).Warn("Failed to write response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// logRequests logs every request once it completes, and injects a logger
// carrying the request id for handlers.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := component.Logger(r.Context()).With(
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
		r = r.WithContext(component.InjectLogger(r.Context(), logger))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func(start time.Time) {
			logger.Debug("Served HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		}(time.Now())
		next.ServeHTTP(ww, r)
	})
}
