package source

import (
	"context"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeday/calendar-gql/internal/ics"
	appLog "github.com/codeday/calendar-gql/internal/log"
	"github.com/codeday/calendar-gql/internal/metrics"
)

// Calendar is one successfully refreshed source with its parsed events.
type Calendar struct {
	ID     string
	Name   string
	URL    string
	Events []ics.ParsedEvent
}

// snapshot is an immutable view of all calendars that refreshed
// successfully in the last cycle, sorted by ID.
type snapshot struct {
	Calendars   []Calendar
	RefreshedAt time.Time
}

// Fetcher downloads one ICS source.
type Fetcher interface {
	FetchOne(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Registry owns the set of calendar sources and their latest parsed content.
// Readers always see a complete snapshot; Refresh swaps it atomically.
type Registry struct {
	sources     func() []ics.Source
	fetcher     Fetcher
	concurrency int
	now         func() time.Time

	snap atomic.Pointer[snapshot]
}

type Option func(*Registry)

// WithConcurrency bounds the number of sources fetched in parallel. By
// default every source is fetched at once.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithClock overrides time.Now for RefreshedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry. sources is called on every Refresh so the
// configured list may change between cycles.
func NewRegistry(sources func() []ics.Source, fetcher Fetcher, opts ...Option) *Registry {
	r := &Registry{
		sources: sources,
		fetcher: fetcher,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{})
	return r
}

// Static adapts a fixed source list for NewRegistry.
func Static(list []ics.Source) func() []ics.Source {
	return func() []ics.Source { return slices.Clone(list) }
}

// Refresh fetches and parses every source and swaps in a snapshot holding
// only the sources that succeeded. A failed source is dropped until a later
// refresh succeeds. It returns the number of sources that succeeded and failed.
func (r *Registry) Refresh(ctx context.Context) (ok, failed int) {
	started := r.now()
	list := r.sources()

	results := make([]*Calendar, len(list))
	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}

	for i, src := range list {
		g.Go(func() error {
			cal, err := r.load(ctx, src)
			metrics.RecordSourceRefresh(src.ID, err)
			if err != nil {
				appLog.Error("calendar refresh failed; source dropped", err, "id", src.ID, "url", ics.RedactURL(src.URL))
				return nil
			}
			results[i] = cal
			return nil
		})
	}
	_ = g.Wait()

	next := &snapshot{RefreshedAt: r.now()}
	for _, cal := range results {
		if cal != nil {
			next.Calendars = append(next.Calendars, *cal)
		}
	}
	sort.SliceStable(next.Calendars, func(i, j int) bool {
		return next.Calendars[i].ID < next.Calendars[j].ID
	})
	r.snap.Store(next)

	ok = len(next.Calendars)
	failed = len(list) - ok
	metrics.RecordRefreshCycle(next.RefreshedAt.Sub(started), ok, next.RefreshedAt)
	appLog.Info("calendar refresh completed", "ok", ok, "failed", failed, "took", next.RefreshedAt.Sub(started).String())
	return ok, failed
}

func (r *Registry) load(ctx context.Context, src ics.Source) (*Calendar, error) {
	res, err := r.fetcher.FetchOne(ctx, src)
	if err != nil {
		return nil, err
	}
	events, err := ics.ParseICS(src, res.Body)
	if err != nil {
		return nil, err
	}
	name := src.Name
	if name == "" {
		name = src.ID
	}
	return &Calendar{ID: src.ID, Name: name, URL: src.URL, Events: events}, nil
}

// GetAll returns the calendars of the current snapshot, sorted by ID.
// The returned slice must not be modified.
func (r *Registry) GetAll() []Calendar {
	return r.snap.Load().Calendars
}

// Has reports whether cals contains the calendar id.
func Has(cals []Calendar, id string) bool {
	return slices.ContainsFunc(cals, func(c Calendar) bool { return c.ID == id })
}

// Filter narrows calendars to those in ids (all when ids is empty) and not
// in exceptIDs.
func Filter(cals []Calendar, ids, exceptIDs []string) []Calendar {
	if len(ids) == 0 && len(exceptIDs) == 0 {
		return cals
	}
	out := make([]Calendar, 0, len(cals))
	for _, c := range cals {
		if len(ids) > 0 && !slices.Contains(ids, c.ID) {
			continue
		}
		if slices.Contains(exceptIDs, c.ID) {
			continue
		}
		out = append(out, c)
	}
	return out
}
