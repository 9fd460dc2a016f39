package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"calremind/internal/action"
	"calremind/internal/config"
	"calremind/internal/dismissal"
	"calremind/internal/identity"
	appLog "calremind/internal/log"
	"calremind/internal/notify"
	"calremind/internal/refresh"
	"calremind/internal/tracker"
)

// maxActionBody bounds POST /api/actions.
const maxActionBody = 4 << 10

// Refresher is the coordinator surface the API exposes.
type Refresher interface {
	FullRefresh(ctx context.Context) (refresh.Result, error)
	LastResult() fn.Option[refresh.Result]
	Preview(ctx context.Context) ([]refresh.PreviewEvent, error)
}

// ActionHandler applies raw action payloads.
type ActionHandler interface {
	HandleRaw(ctx context.Context, raw string) (action.Outcome, error)
}

// Deps are the collaborators behind the API.
type Deps struct {
	Refresher  Refresher
	Actions    ActionHandler
	Dismissals *dismissal.Store
	Tracker    *tracker.Tracker
	Sink       notify.Sink

	// Changed signals that calendar data changed; typically
	// scheduler.Notify.
	Changed func()
}

// Server is the HTTP API for foreground triggers and inspection.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux
}

// NewServer constructs a Server and registers its routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Changed == nil {
		deps.Changed = func() {}
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the root handler, wrapped in basic auth when configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects everything except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calremind", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/refresh", s.handleLastRefresh)
	s.mux.HandleFunc("POST /api/actions", s.handleAction)
	s.mux.HandleFunc("POST /api/changed", s.handleChanged)
	s.mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	s.mux.HandleFunc("GET /api/dismissals", s.handleDismissals)
	s.mux.HandleFunc("DELETE /api/dismissals", s.handleClearDismissals)
	s.mux.HandleFunc("DELETE /api/dismissals/{key}", s.handleUndismiss)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Refresher.FullRefresh(r.Context())
	if errors.Is(err, refresh.ErrCalendarUnavailable) {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLastRefresh(w http.ResponseWriter, _ *http.Request) {
	last := s.deps.Refresher.LastResult()
	if last.IsNone() {
		writeError(w, http.StatusNotFound, "no refresh has run yet")
		return
	}
	writeJSON(w, http.StatusOK, last.UnwrapOr(refresh.Result{}))
}

type actionResponse struct {
	Applied      bool        `json:"applied"`
	Action       action.Kind `json:"action,omitempty"`
	Key          string      `json:"key,omitempty"`
	SnoozedUntil *time.Time  `json:"snoozed_until,omitempty"`
}

// handleAction accepts the JSON payload or the delimited text form.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	out, err := s.deps.Actions.HandleRaw(r.Context(), string(body))
	if err != nil {
		appLog.Error("api action failed", err)
		writeError(w, http.StatusInternalServerError, "could not record action")
		return
	}
	if !out.Applied {
		writeJSON(w, http.StatusUnprocessableEntity, actionResponse{Applied: false})
		return
	}

	resp := actionResponse{
		Applied: true,
		Action:  out.Payload.Action,
		Key:     out.Payload.EventHash.String(),
	}
	if !out.SnoozedUntil.IsZero() {
		until := out.SnoozedUntil
		resp.SnoozedUntil = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChanged(w http.ResponseWriter, _ *http.Request) {
	s.deps.Changed()
	w.WriteHeader(http.StatusAccepted)
}

type notificationsResponse struct {
	Active      []identity.Key   `json:"active"`
	Pending     []notify.Pending `json:"pending"`
	Shown       []notify.Shown   `json:"shown,omitempty"`
	LastRefresh *refresh.Result  `json:"last_refresh,omitempty"`
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := s.deps.Tracker.GetAll(ctx)
	if err != nil {
		appLog.Error("api notifications: tracker read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read active notifications")
		return
	}
	pending, err := s.deps.Sink.ListPending(ctx)
	if err != nil {
		appLog.Error("api notifications: pending list failed", err)
		writeError(w, http.StatusBadGateway, "failed to list pending notifications")
		return
	}
	shown, err := s.deps.Sink.ListShown(ctx)
	if err != nil && !errors.Is(err, notify.ErrUnsupported) {
		appLog.Error("api notifications: shown list failed", err)
	}

	resp := notificationsResponse{
		Active:  make([]identity.Key, 0, len(active)),
		Pending: pending,
		Shown:   shown,
	}
	for k := range active {
		resp.Active = append(resp.Active, k)
	}
	sort.Slice(resp.Active, func(i, j int) bool { return resp.Active[i] < resp.Active[j] })
	s.deps.Refresher.LastResult().WhenSome(func(res refresh.Result) {
		resp.LastRefresh = &res
	})
	writeJSON(w, http.StatusOK, resp)
}

type dismissalDTO struct {
	Key          identity.Key `json:"key"`
	EventEnd     time.Time    `json:"event_end"`
	SnoozedUntil *time.Time   `json:"snoozed_until,omitempty"`
}

func (s *Server) handleDismissals(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Dismissals.All(r.Context())
	if err != nil {
		appLog.Error("api dismissals: read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read dismissals")
		return
	}

	out := make([]dismissalDTO, 0, len(all))
	for k, e := range all {
		d := dismissalDTO{Key: k, EventEnd: e.EventEnd}
		e.SnoozedUntil.WhenSome(func(t time.Time) { d.SnoozedUntil = &t })
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventEnd.Before(out[j].EventEnd) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUndismiss(w http.ResponseWriter, r *http.Request) {
	key := identity.Key(r.PathValue("key"))
	if !key.Valid() {
		writeError(w, http.StatusBadRequest, "malformed key")
		return
	}
	if err := s.deps.Dismissals.Undismiss(r.Context(), key); err != nil {
		appLog.Error("api undismiss failed", err, "key", key)
		writeError(w, http.StatusInternalServerError, "failed to undismiss")
		return
	}
	s.deps.Changed()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearDismissals(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Dismissals.ClearAll(r.Context()); err != nil {
		appLog.Error("api clear dismissals failed", err)
		writeError(w, http.StatusInternalServerError, "failed to clear dismissals")
		return
	}
	s.deps.Changed()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Refresher.Preview(r.Context())
	if err != nil {
		appLog.Error("api events failed", err)
		writeError(w, http.StatusServiceUnavailable, "calendar unavailable")
		return
	}
	if events == nil {
		events = []refresh.PreviewEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
