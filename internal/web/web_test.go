package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeday/calendar-gql/internal/model"
	"github.com/codeday/calendar-gql/internal/query"
)

type fakeQueries struct {
	lastParams query.EventsParams
	lastIDs    []string
	lastFormat model.Format
	events     []query.Event
	event      *query.EventWithSubscribers
	eventsErr  error
	subErr     error
	subscribed []string
}

func (f *fakeQueries) Event(_ context.Context, id string, format model.Format, calendarIDs []string) (*query.EventWithSubscribers, error) {
	f.lastFormat = format
	f.lastIDs = calendarIDs
	if f.event != nil && f.event.ID == id {
		return f.event, nil
	}
	return nil, nil
}

func (f *fakeQueries) Events(_ context.Context, p query.EventsParams) ([]query.Event, error) {
	f.lastParams = p
	return f.events, f.eventsErr
}

func (f *fakeQueries) Subscribe(_ context.Context, sourceID, occurrenceID, destination string) (bool, error) {
	if f.subErr != nil {
		return false, f.subErr
	}
	f.subscribed = append(f.subscribed, sourceID+"/"+occurrenceID+"/"+destination)
	return true, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, NewServer(&fakeQueries{}, fakePinger{}, Options{}).Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, NewServer(&fakeQueries{}, fakePinger{err: errors.New("closed")}, Options{}).Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEventsParsesQuery(t *testing.T) {
	start := time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)
	fq := &fakeQueries{events: []query.Event{{CalendarID: "main", ID: "a", Title: "First", Start: start, End: start.Add(time.Hour)}}}
	h := NewServer(fq, nil, Options{}).Handler()

	rec := do(t, h, http.MethodGet,
		"/api/events?after=2025-03-01T00:00:00Z&before=2025-04-01T00:00:00Z&order=desc&format=markdown&skip=2&take=5&calendars=main,%20labs&exceptCalendars=old", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	p := fq.lastParams
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), p.After)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), p.Before)
	assert.Equal(t, model.OrderDesc, p.Order)
	assert.Equal(t, model.FormatMarkdown, p.Format)
	assert.Equal(t, 2, p.Skip)
	require.NotNil(t, p.Take)
	assert.Equal(t, 5, *p.Take)
	assert.Equal(t, []string{"main", "labs"}, p.CalendarIDs)
	assert.Equal(t, []string{"old"}, p.ExceptCalendarIDs)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0]["id"])
	assert.Equal(t, "main", got[0]["calendarId"])
	assert.Equal(t, "2025-03-01T18:00:00Z", got[0]["start"])
}

func TestEventsDefaultsTakeToNil(t *testing.T) {
	fq := &fakeQueries{events: []query.Event{}}
	rec := do(t, NewServer(fq, nil, Options{}).Handler(), http.MethodGet,
		"/api/events?after=2025-03-01T00:00:00Z&before=2025-04-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, fq.lastParams.Take)
	assert.Equal(t, model.OrderAsc, fq.lastParams.Order)
	assert.Equal(t, model.FormatHTML, fq.lastParams.Format)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestEventsBadRequests(t *testing.T) {
	cases := map[string]string{
		"missing after": "/api/events?before=2025-04-01T00:00:00Z",
		"bad before":    "/api/events?after=2025-03-01T00:00:00Z&before=tomorrow",
		"bad order":     "/api/events?after=2025-03-01T00:00:00Z&before=2025-04-01T00:00:00Z&order=sideways",
		"bad format":    "/api/events?after=2025-03-01T00:00:00Z&before=2025-04-01T00:00:00Z&format=pdf",
		"non-int take":  "/api/events?after=2025-03-01T00:00:00Z&before=2025-04-01T00:00:00Z&take=lots",
		"non-int skip":  "/api/events?after=2025-03-01T00:00:00Z&before=2025-04-01T00:00:00Z&skip=x",
	}
	h := NewServer(&fakeQueries{}, nil, Options{}).Handler()
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, target, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestEventsValidationErrorIs400(t *testing.T) {
	fq := &fakeQueries{eventsErr: query.ErrInvalidTake}
	rec := do(t, NewServer(fq, nil, Options{}).Handler(), http.MethodGet,
		"/api/events?after=2025-03-01T00:00:00Z&before=2025-04-01T00:00:00Z&take=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"must take between 1 and 1000 events"}`, rec.Body.String())

	fq.eventsErr = errors.New("disk on fire")
	rec = do(t, NewServer(fq, nil, Options{}).Handler(), http.MethodGet,
		"/api/events?after=2025-03-01T00:00:00Z&before=2025-04-01T00:00:00Z", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestEventByID(t *testing.T) {
	fq := &fakeQueries{event: &query.EventWithSubscribers{Event: query.Event{ID: "abc.1700000000", Title: "Game Night"}, SubscriberCount: 3}}
	h := NewServer(fq, nil, Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/events/abc.1700000000?format=discord&calendars=main", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.FormatDiscord, fq.lastFormat)
	assert.Equal(t, []string{"main"}, fq.lastIDs)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Game Night", got["title"])
	assert.EqualValues(t, 3, got["subscriberCount"])

	rec = do(t, h, http.MethodGet, "/api/events/nope", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestSubscribe(t *testing.T) {
	fq := &fakeQueries{}
	h := NewServer(fq, nil, Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/subscriptions", `{"calendarId":"main","eventId":"abc","destination":"user@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"created":true}`, rec.Body.String())
	assert.Equal(t, []string{"main/abc/user@example.com"}, fq.subscribed)

	rec = do(t, h, http.MethodPost, "/api/subscriptions", `{"calendarId":"main"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/subscriptions", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	fq.subErr = query.ErrInvalidDestination
	rec = do(t, h, http.MethodPost, "/api/subscriptions", `{"calendarId":"main","eventId":"abc","destination":"not-a-thing"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscribeRateLimited(t *testing.T) {
	h := NewServer(&fakeQueries{}, nil, Options{SubscribeLimit: 2, SubscribeWindow: time.Minute}).Handler()
	body := `{"calendarId":"main","eventId":"abc","destination":"user@example.com"}`

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/subscriptions", body).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/subscriptions", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/api/subscriptions", body).Code)

	// Reads are not limited.
	rec := do(t, h, http.MethodGet, "/api/events/x", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := NewServer(&fakeQueries{}, nil, Options{CORSOrigins: []string{"https://www.codeday.org"}}).Handler()
	req := httptest.NewRequest(http.MethodGet, "/api/events/x", nil)
	req.Header.Set("Origin", "https://www.codeday.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://www.codeday.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewServer(&fakeQueries{}, nil, Options{}).Handler()
	do(t, h, http.MethodGet, "/api/events/x", "")

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `calendar_api_requests_total{method="GET",route="/api/events/{id}",status="200"}`)
}
