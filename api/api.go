// Package api is the HTTP surface the rendering client talks to. Every
// handler reaches governor state through the loop so the governor stays
// single-threaded.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stevecastle/lowkey-grid/activation"
	"github.com/stevecastle/lowkey-grid/auth"
	"github.com/stevecastle/lowkey-grid/geom"
	"github.com/stevecastle/lowkey-grid/governor"
	"github.com/stevecastle/lowkey-grid/layout"
	"github.com/stevecastle/lowkey-grid/logger"
	"github.com/stevecastle/lowkey-grid/media"
	"github.com/stevecastle/lowkey-grid/metrics"
	"github.com/stevecastle/lowkey-grid/stream"
)

const maxBodyBytes = 8 << 20

// Runner runs fn on the governor's thread and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Options configures a Server. DB, Hub and Tokens are optional.
type Options struct {
	Runner   Runner
	Governor *governor.Governor
	DB       *sql.DB
	Hub      *stream.Hub
	Tokens   *auth.TokenService
	Logger   logger.Logger
	// CORSOrigins lists the allowed origins; empty allows any.
	CORSOrigins []string
}

// Server serves the governor API.
type Server struct {
	run     Runner
	gov     *governor.Governor
	db      *sql.DB
	hub     *stream.Hub
	tokens  *auth.TokenService
	log     logger.Logger
	origins []string
	started time.Time
}

func New(opts Options) *Server {
	return &Server{
		run:     opts.Runner,
		gov:     opts.Governor,
		db:      opts.DB,
		hub:     opts.Hub,
		tokens:  opts.Tokens,
		log:     opts.Logger,
		origins: opts.CORSOrigins,
		started: time.Now(),
	}
}

// Handler returns the routed handler with logging and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /api/state", s.applyMiddlewares(s.stateHandler, RolePublic))
	mux.Handle("GET /api/can-load", s.applyMiddlewares(s.canLoadHandler, RolePublic))
	mux.Handle("GET /api/window", s.applyMiddlewares(s.windowHandler, RolePublic))
	mux.Handle("GET /api/geometry", s.applyMiddlewares(s.geometryHandler, RolePublic))
	mux.Handle("GET /api/next", s.applyMiddlewares(s.nextHandler, RolePublic))
	mux.Handle("POST /api/events", s.applyMiddlewares(s.eventsHandler, RoleProtected))
	mux.Handle("POST /api/viewport", s.applyMiddlewares(s.viewportHandler, RoleProtected))
	mux.Handle("POST /api/container", s.applyMiddlewares(s.containerHandler, RoleProtected))
	mux.Handle("POST /api/candidates", s.applyMiddlewares(s.candidatesHandler, RoleProtected))
	mux.Handle("POST /api/long-task", s.applyMiddlewares(s.longTaskHandler, RoleProtected))
	if s.hub != nil {
		mux.Handle("GET /stream", s.hub)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	return CORS(s.origins, Logger(s.log, mux))
}

// do runs fn on the loop, writing a 503 if the loop is gone.
func (s *Server) do(w http.ResponseWriter, r *http.Request, fn func()) bool {
	if err := s.run.Do(r.Context(), fn); err != nil {
		s.log.Warn("governor unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "governor unavailable")
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	var snap governor.Snapshot
	if !s.do(w, r, func() { snap = s.gov.Snapshot() }) {
		return
	}
	resp := map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"loaded":  snap.Loaded,
		"loading": snap.Loading,
		"total":   snap.Total,
	}
	if s.hub != nil {
		resp["stream"] = s.hub.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	var snap governor.Snapshot
	if s.do(w, r, func() { snap = s.gov.Snapshot() }) {
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) canLoadHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	var ok, playing bool
	var prox governor.Proximity
	if !s.do(w, r, func() {
		ok = s.gov.CanLoad(id)
		prox = s.gov.Proximity(id)
		playing = s.gov.IsPlaying(id)
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"allowed":   ok,
		"proximity": prox.String(),
		"playing":   playing,
	})
}

func (s *Server) windowHandler(w http.ResponseWriter, r *http.Request) {
	target, err := intParam(r, "target", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var win activation.Window
	if s.do(w, r, func() { win = s.gov.ActivationWindow(target) }) {
		writeJSON(w, http.StatusOK, win)
	}
}

func (s *Server) geometryHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	var rect geom.Rect
	var found bool
	if !s.do(w, r, func() { rect, found = s.gov.Geometry(id) }) {
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no geometry for "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "rect": rect})
}

func (s *Server) nextHandler(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var ids []string
	if s.do(w, r, func() { ids = s.gov.NextToLoad(n) }) {
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
	}
}

// Event is one rendering callback reported by the client.
type Event struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Permanent  bool   `json:"permanent,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Event types accepted by POST /api/events.
const (
	EventStartLoading = "start-loading"
	EventStopLoading  = "stop-loading"
	EventLoaded       = "loaded"
	EventLoadError    = "load-error"
	EventHover        = "hover"
	EventStarted      = "started"
	EventPlayError    = "play-error"
	EventLongTask     = "long-task"
)

type eventsRequest struct {
	Events []Event `json:"events"`
}

type eventsResponse struct {
	Applied  int      `json:"applied"`
	Rejected []string `json:"rejected,omitempty"`
	Evicted  []string `json:"evicted"`
	Playing  []string `json:"playing"`
}

// applyEvent feeds one event to g and reports whether it was understood.
func applyEvent(g *governor.Governor, ev Event) bool {
	switch ev.Type {
	case EventStartLoading:
		g.OnStartLoading(ev.ID)
	case EventStopLoading:
		g.OnStopLoading(ev.ID)
	case EventLoaded:
		g.OnVideoLoad(ev.ID, ev.Width, ev.Height)
	case EventLoadError:
		g.OnLoadError(ev.ID, ev.Permanent)
	case EventHover:
		g.OnHover(ev.ID)
	case EventStarted:
		return g.ReportStarted(ev.ID)
	case EventPlayError:
		g.ReportPlayError(ev.ID)
	case EventLongTask:
		g.OnLongTask(time.Duration(ev.DurationMs) * time.Millisecond)
	default:
		return false
	}
	return true
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var resp eventsResponse
	if !s.do(w, r, func() {
		for _, ev := range req.Events {
			if applyEvent(s.gov, ev) {
				resp.Applied++
			} else {
				resp.Rejected = append(resp.Rejected, ev.Type+":"+ev.ID)
			}
		}
		resp.Evicted = s.gov.PerformCleanup()
		resp.Playing = s.gov.Snapshot().Playing
	}) {
		return
	}
	if resp.Evicted == nil {
		resp.Evicted = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type viewportRequest struct {
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	Width  float64  `json:"width"`
	Height float64  `json:"height"`
	Margin *float64 `json:"margin,omitempty"`
}

func (s *Server) viewportHandler(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Width < 0 || req.Height < 0 {
		writeError(w, http.StatusBadRequest, "width and height must not be negative")
		return
	}
	if s.do(w, r, func() {
		if req.Margin != nil {
			s.gov.SetNearMargin(*req.Margin)
		}
		s.gov.SetViewport(geom.Rect{X: req.X, Y: req.Y, W: req.Width, H: req.Height})
	}) {
		w.WriteHeader(http.StatusNoContent)
	}
}

type containerRequest struct {
	Width float64 `json:"width"`
	Zoom  int     `json:"zoom"`
}

func (s *Server) containerHandler(w http.ResponseWriter, r *http.Request) {
	var req containerRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.do(w, r, func() { s.gov.SetContainer(req.Width, req.Zoom) }) {
		w.WriteHeader(http.StatusNoContent)
	}
}

type candidateItem struct {
	ID     string  `json:"id"`
	Aspect float64 `json:"aspect,omitempty"`
}

type candidatesRequest struct {
	Items []candidateItem `json:"items,omitempty"`
	Query *media.Query    `json:"query,omitempty"`
	Reset bool            `json:"reset"`
}

func (s *Server) candidatesHandler(w http.ResponseWriter, r *http.Request) {
	var req candidatesRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var items []layout.Item
	switch {
	case req.Query != nil:
		if s.db == nil {
			writeError(w, http.StatusServiceUnavailable, media.ErrNoDatabase.Error())
			return
		}
		// the query runs off the loop
		cands, err := media.Candidates(r.Context(), s.db, *req.Query)
		if err != nil {
			s.log.Error("candidate query failed", zap.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		items = make([]layout.Item, len(cands))
		for i, c := range cands {
			items[i] = layout.Item{ID: c.ID, Aspect: c.Aspect()}
		}
	default:
		items = make([]layout.Item, len(req.Items))
		for i, c := range req.Items {
			items[i] = layout.Item{ID: c.ID, Aspect: c.Aspect}
		}
	}
	var snap governor.Snapshot
	if s.do(w, r, func() {
		s.gov.SetCandidates(items, req.Reset)
		snap = s.gov.Snapshot()
	}) {
		writeJSON(w, http.StatusOK, map[string]any{
			"total":        snap.Total,
			"materialized": snap.Materialized,
		})
	}
}

type longTaskRequest struct {
	DurationMs int64 `json:"durationMs"`
}

func (s *Server) longTaskHandler(w http.ResponseWriter, r *http.Request) {
	var req longTaskRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.do(w, r, func() { s.gov.OnLongTask(time.Duration(req.DurationMs) * time.Millisecond) }) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
