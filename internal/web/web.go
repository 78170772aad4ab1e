package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appLog "github.com/codeday/calendar-gql/internal/log"
	"github.com/codeday/calendar-gql/internal/metrics"
	"github.com/codeday/calendar-gql/internal/model"
	"github.com/codeday/calendar-gql/internal/query"
)

const maxSubscribeBody = 16 << 10

// Queries is the read/write API the handlers serve.
type Queries interface {
	Event(ctx context.Context, id string, format model.Format, calendarIDs []string) (*query.EventWithSubscribers, error)
	Events(ctx context.Context, p query.EventsParams) ([]query.Event, error)
	Subscribe(ctx context.Context, sourceID, occurrenceID, destination string) (bool, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the HTTP layer.
type Options struct {
	CORSOrigins []string
	// SubscribeLimit is the number of subscribe calls allowed per IP per
	// SubscribeWindow.
	SubscribeLimit  int
	SubscribeWindow time.Duration
}

// Server provides the HTTP API over the calendar timeline.
type Server struct {
	queries Queries
	db      Pinger
	opts    Options
	router  chi.Router
}

func NewServer(queries Queries, db Pinger, opts Options) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.SubscribeLimit <= 0 {
		opts.SubscribeLimit = 10
	}
	if opts.SubscribeWindow <= 0 {
		opts.SubscribeWindow = time.Minute
	}
	s := &Server{queries: queries, db: db, opts: opts}
	s.router = s.routes()
	return s
}

// Handler returns the router for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)
		r.Get("/events/{id}", s.handleEvent)
		r.With(httprate.LimitByIP(s.opts.SubscribeLimit, s.opts.SubscribeWindow)).
			Post("/subscriptions", s.handleSubscribe)
	})
	return r
}

// observe records request counts and latency per route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			appLog.Error("health: database ping failed", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleEvent returns one occurrence or null.
//
// GET /api/events/{id}?format=HTML&calendars=a,b
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, ok := model.ParseFormat(q.Get("format"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown format")
		return
	}

	ev, err := s.queries.Event(r.Context(), chi.URLParam(r, "id"), format, splitList(q.Get("calendars")))
	if err != nil {
		s.fail(w, err)
		return
	}
	if ev == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleEvents lists occurrences in a time range.
//
// GET /api/events?after=RFC3339&before=RFC3339&order=ASC&format=HTML&skip=0&take=100&calendars=a,b&exceptCalendars=c
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	after, err := parseTime(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "after: "+err.Error())
		return
	}
	before, err := parseTime(q.Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "before: "+err.Error())
		return
	}
	order, ok := model.ParseOrder(q.Get("order"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown order")
		return
	}
	format, ok := model.ParseFormat(q.Get("format"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown format")
		return
	}

	p := query.EventsParams{
		After:             after,
		Before:            before,
		Order:             order,
		Format:            format,
		CalendarIDs:       splitList(q.Get("calendars")),
		ExceptCalendarIDs: splitList(q.Get("exceptCalendars")),
	}
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "skip must be an integer")
			return
		}
		p.Skip = n
	}
	if v := q.Get("take"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "take must be an integer")
			return
		}
		p.Take = &n
	}

	events, err := s.queries.Events(r.Context(), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type subscribeRequest struct {
	CalendarID  string `json:"calendarId"`
	EventID     string `json:"eventId"`
	Destination string `json:"destination"`
}

type subscribeResponse struct {
	OK      bool `json:"ok"`
	Created bool `json:"created"`
}

// handleSubscribe registers a destination for an event's notifications.
//
// POST /api/subscriptions {"calendarId":"...","eventId":"...","destination":"..."}
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubscribeBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CalendarID == "" || req.EventID == "" {
		writeError(w, http.StatusBadRequest, "calendarId and eventId are required")
		return
	}

	created, err := s.queries.Subscribe(r.Context(), req.CalendarID, req.EventID, req.Destination)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscribeResponse{OK: true, Created: created})
}

var badRequest = []error{
	query.ErrInvalidRange,
	query.ErrInvalidTake,
	query.ErrInvalidSkip,
	query.ErrSpanTooLong,
	query.ErrInvalidDestination,
	query.ErrInvalidFormat,
	query.ErrUnknownCalendar,
}

// fail maps query errors to 400 and everything else to 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	for _, target := range badRequest {
		if errors.Is(err, target) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	appLog.Error("api request failed", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("required")
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("must be an RFC3339 timestamp")
	}
	return t, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
