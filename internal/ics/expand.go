package ics

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/teambition/rrule-go"

	appLog "github.com/codeday/calendar-gql/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// Window is a half-open time range [Start, End). A nil bound is unbounded.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// Between returns the bounded window [start, end).
func Between(start, end time.Time) Window {
	return Window{Start: &start, End: &end}
}

// Intersects reports whether [start, end) overlaps the window.
// A zero-length range intersects when start lies inside the window.
func (w Window) Intersects(start, end time.Time) bool {
	if w.End != nil && !start.Before(*w.End) {
		return false
	}
	if w.Start == nil {
		return true
	}
	if !end.After(start) {
		return !start.Before(*w.Start)
	}
	return end.After(*w.Start)
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.Start != nil && t.Before(*w.Start) {
		return false
	}
	return w.End == nil || t.Before(*w.End)
}

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	Window Window

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// Instance is one concrete occurrence produced by expansion.
type Instance struct {
	// Event supplies the instance's data: the base event, or the override
	// that replaced this instance.
	Event ParsedEvent

	Start time.Time
	End   time.Time

	// ID is the occurrence identifier; see OccurrenceID.
	ID string
	// Recurring is true for instances of a series.
	Recurring bool
}

// ExpandResult wraps the list of expanded instances and information about
// truncation.
type ExpandResult struct {
	Instances []Instance
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// Expand turns parsed events into the concrete instances that intersect the
// configured window. It handles:
//
//   - Single non-recurring events
//   - RRULE / RDATE recurrence, with EXDATE exclusions
//   - RECURRENCE-ID overrides replacing the matching instance
//   - All-day semantics (instance length measured in days)
//
// Output order is deterministic: UIDs in feed order, instances ascending.
// Overrides without a base event are ignored.
func Expand(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	w := cfg.Window
	if w.Start != nil && w.End != nil && w.End.Before(*w.Start) {
		return result, errors.New("expand: window end is before window start")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	uids := make([]string, 0)
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, seen := baseByUID[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	for _, uid := range uids {
		ov := overridesByUID[uid]
		truncated := false

		for _, ev := range baseByUID[uid] {
			inst, hitCap := expandEvent(ev, ov, cfg)
			if hitCap {
				truncated = true
			}
			result.Instances = append(result.Instances, inst...)
		}

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	return result, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Instance, bool) {
	if ev.RawRRule == "" && len(ev.RDates) == 0 {
		return expandSingleEvent(ev, overrides, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []Instance {
	start, end := ev.Start, ev.End
	if o, ok := findOverrideForStart(overrides, start); ok {
		start, end = o.Start, o.End
		ev = o
	}
	if !cfg.Window.Intersects(start, end) {
		return nil
	}
	return []Instance{{Event: ev, Start: start, End: end, ID: OccurrenceID(ev.UID, start, false)}}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Instance, bool) {
	set, err := buildSet(ev)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}

	out := make([]Instance, 0)
	next := set.Iterator()
	for {
		occStart, ok := next()
		if !ok {
			break
		}
		if cfg.Window.End != nil && !occStart.Before(*cfg.Window.End) {
			break
		}
		occEnd := instanceEnd(ev, occStart)

		src := ev
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			occStart, occEnd = o.Start, o.End
			src = o
		}
		if !cfg.Window.Intersects(occStart, occEnd) {
			continue
		}
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			return out, true
		}
		out = append(out, Instance{
			Event:     src,
			Start:     occStart,
			End:       occEnd,
			ID:        OccurrenceID(ev.UID, occStart, true),
			Recurring: true,
		})
	}
	return out, false
}

func buildSet(ev ParsedEvent) (*rrule.Set, error) {
	set := &rrule.Set{}
	set.DTStart(ev.Start)

	if ev.RawRRule != "" {
		r, err := rrule.StrToRRule(ev.RawRRule)
		if err != nil {
			return nil, fmt.Errorf("rrule %q: %w", ev.RawRRule, err)
		}
		r.DTStart(ev.Start)
		set.RRule(r)
	} else {
		// RDATE-only series include DTSTART itself.
		set.RDate(ev.Start)
	}
	for _, rd := range ev.RDates {
		set.RDate(rd.In(ev.Start.Location()))
	}
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}
	return set, nil
}

// instanceEnd keeps the series length: whole days for all-day events (so
// DST shifts do not move the end off midnight), the exact duration otherwise.
func instanceEnd(ev ParsedEvent, occStart time.Time) time.Time {
	if ev.AllDay {
		days := int(ev.End.Sub(ev.Start).Round(24*time.Hour) / (24 * time.Hour))
		return occStart.AddDate(0, 0, days)
	}
	return occStart.Add(ev.End.Sub(ev.Start))
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches the
// given instance start.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

var uidDomain = regexp.MustCompile(`@.*`)

// OccurrenceID derives the public identifier of an instance: the UID with
// everything from the first "@" removed, suffixed with ".<unix seconds>" of
// the instance start for recurring series.
func OccurrenceID(uid string, start time.Time, recurring bool) string {
	base := uidDomain.ReplaceAllString(uid, "")
	if !recurring {
		return base
	}
	return fmt.Sprintf("%s.%d", base, start.Unix())
}
