// Package query answers event lookups and subscription requests against the
// current calendar snapshot.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/codeday/calendar-gql/internal/ics"
	appLog "github.com/codeday/calendar-gql/internal/log"
	"github.com/codeday/calendar-gql/internal/metrics"
	"github.com/codeday/calendar-gql/internal/model"
	"github.com/codeday/calendar-gql/internal/render"
	"github.com/codeday/calendar-gql/internal/source"
	"github.com/codeday/calendar-gql/internal/timeline"
)

const (
	DefaultTake = 100
	MaxTake     = 1000
	MaxSpan     = 370 * 24 * time.Hour
)

var (
	ErrInvalidRange       = errors.New("before must be after after")
	ErrInvalidTake        = errors.New("must take between 1 and 1000 events")
	ErrInvalidSkip        = errors.New("skip must not be negative")
	ErrSpanTooLong        = errors.New("timespan is too long")
	ErrInvalidDestination = errors.New("destination is neither an email address nor a phone number")
	ErrUnknownCalendar    = errors.New("unknown calendar")
	ErrInvalidFormat      = errors.New("unknown description format")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Calendars supplies the current snapshot.
type Calendars interface {
	GetAll() []source.Calendar
}

// Store is the part of the subscription store queries need.
type Store interface {
	Create(ctx context.Context, sub model.Subscription) (bool, error)
	Count(ctx context.Context, sourceID, occurrenceID string) (int, error)
}

// Event is an occurrence as returned by a listing.
type Event struct {
	CalendarID   string         `json:"calendarId"`
	CalendarName string         `json:"calendarName"`
	ID           string         `json:"id"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	AllDay       bool           `json:"allDay"`
	Title        string         `json:"title"`
	Location     string         `json:"location"`
	Description  string         `json:"description"`
	Metadata     map[string]any `json:"metadata"`
}

// EventWithSubscribers is a single occurrence lookup, with its subscriber count.
type EventWithSubscribers struct {
	Event
	SubscriberCount int `json:"subscriberCount"`
}

// EventsParams are the arguments of an event listing. A nil Take means
// DefaultTake.
type EventsParams struct {
	After             time.Time
	Before            time.Time
	Order             model.Order
	Format            model.Format
	Skip              int
	Take              *int
	CalendarIDs       []string
	ExceptCalendarIDs []string
}

type eventsRequest struct {
	After  time.Time `validate:"required"`
	Before time.Time `validate:"required,gtefield=After"`
	Skip   int       `validate:"min=0"`
	Take   int       `validate:"min=1,max=1000"`
}

type Service struct {
	calendars Calendars
	store     Store
	now       func() time.Time
}

func NewService(calendars Calendars, store Store) *Service {
	return &Service{calendars: calendars, store: store, now: time.Now}
}

// Event looks up one occurrence by ID across the selected calendars (all
// when calendarIDs is empty). It returns nil when nothing matches.
func (s *Service) Event(ctx context.Context, id string, format model.Format, calendarIDs []string) (*EventWithSubscribers, error) {
	format, err := checkFormat(format)
	if err != nil {
		return nil, err
	}

	cals := source.Filter(s.calendars.GetAll(), calendarIDs, nil)
	occ, ok := timeline.Find(cals, id)
	if !ok {
		return nil, nil
	}

	n, err := s.store.Count(ctx, occ.SourceID, occ.ID)
	if err != nil {
		return nil, fmt.Errorf("count subscribers: %w", err)
	}
	return &EventWithSubscribers{Event: toEvent(occ, format), SubscriberCount: n}, nil
}

// Events lists the occurrences intersecting [After, Before), sorted by start,
// then paged with Skip and Take.
func (s *Service) Events(_ context.Context, p EventsParams) ([]Event, error) {
	take := DefaultTake
	if p.Take != nil {
		take = *p.Take
	}
	if err := validateEvents(eventsRequest{After: p.After, Before: p.Before, Skip: p.Skip, Take: take}); err != nil {
		return nil, err
	}
	if p.Before.Sub(p.After) > MaxSpan {
		return nil, ErrSpanTooLong
	}
	format, err := checkFormat(p.Format)
	if err != nil {
		return nil, err
	}
	order := p.Order
	if order == "" {
		order = model.OrderAsc
	}

	cals := source.Filter(s.calendars.GetAll(), p.CalendarIDs, p.ExceptCalendarIDs)
	occs := timeline.Project(cals, ics.Between(p.After, p.Before))
	timeline.Sort(occs, order)

	if p.Skip >= len(occs) {
		return []Event{}, nil
	}
	occs = occs[p.Skip:]
	if len(occs) > take {
		occs = occs[:take]
	}

	out := make([]Event, 0, len(occs))
	for _, occ := range occs {
		out = append(out, toEvent(occ, format))
	}
	return out, nil
}

func validateEvents(req eventsRequest) error {
	err := getValidator().Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "After", "Before":
		return ErrInvalidRange
	case "Skip":
		return ErrInvalidSkip
	default:
		return ErrInvalidTake
	}
}

// Subscribe records that destination wants notifications for one
// occurrence. It reports whether a new subscription was created; an
// existing one is left as is.
func (s *Service) Subscribe(ctx context.Context, sourceID, occurrenceID, destination string) (bool, error) {
	dest, kind, err := ClassifyDestination(destination)
	if err != nil {
		return false, err
	}
	if !source.Has(s.calendars.GetAll(), sourceID) {
		return false, fmt.Errorf("%w: %q", ErrUnknownCalendar, sourceID)
	}

	created, err := s.store.Create(ctx, model.Subscription{
		SourceID:     sourceID,
		OccurrenceID: occurrenceID,
		Destination:  dest,
		Kind:         kind,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("create subscription: %w", err)
	}

	result := "existing"
	if created {
		result = "created"
	}
	metrics.Subscriptions.WithLabelValues(string(kind), result).Inc()
	appLog.Info("subscription", "source", sourceID, "event", occurrenceID, "kind", string(kind), "result", result)
	return created, nil
}

// ClassifyDestination decides whether destination is an email address or a
// phone number and returns it in stored form. Phone numbers are normalized
// to E.164, assuming North America for bare 10-digit numbers.
func ClassifyDestination(destination string) (string, model.DestinationKind, error) {
	v := getValidator()
	d := strings.TrimSpace(destination)
	if d == "" {
		return "", "", ErrInvalidDestination
	}
	if strings.Contains(d, "@") {
		if v.Var(d, "email") == nil {
			return d, model.KindEmail, nil
		}
		return "", "", ErrInvalidDestination
	}

	phone := normalizePhone(d)
	if strings.HasPrefix(phone, "+") && v.Var(phone, "e164") == nil {
		return phone, model.KindPhone, nil
	}
	return "", "", ErrInvalidDestination
}

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")

func normalizePhone(s string) string {
	s = phoneSeparators.Replace(s)
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	if strings.HasPrefix(s, "+") {
		return s
	}
	switch {
	case len(s) == 10:
		return "+1" + s
	case len(s) == 11 && s[0] == '1':
		return "+" + s
	default:
		return s
	}
}

func checkFormat(f model.Format) (model.Format, error) {
	parsed, ok := model.ParseFormat(string(f))
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, f)
	}
	return parsed, nil
}

func toEvent(occ model.Occurrence, format model.Format) Event {
	desc := render.Render(occ.Description, format)
	meta := desc.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return Event{
		CalendarID:   occ.SourceID,
		CalendarName: occ.SourceName,
		ID:           occ.ID,
		Start:        occ.Start,
		End:          occ.End,
		AllDay:       occ.AllDay,
		Title:        occ.Title,
		Location:     occ.Location,
		Description:  desc.Body,
		Metadata:     meta,
	}
}
