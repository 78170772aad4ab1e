// Package timeline projects calendar snapshots into flat, public,
// deduplicated occurrence lists.
package timeline

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codeday/calendar-gql/internal/ics"
	appLog "github.com/codeday/calendar-gql/internal/log"
	"github.com/codeday/calendar-gql/internal/model"
	"github.com/codeday/calendar-gql/internal/source"
)

type key struct {
	sourceID     string
	occurrenceID string
}

// Project expands every calendar into the occurrences intersecting win.
//
// Only events carrying CLASS:PUBLIC are kept; overrides are checked on their
// own. Occurrences are deduplicated by (source, occurrence ID), first one
// wins. Calendars are concatenated in the order given; within a calendar the
// order follows the feed. Use Sort for a defined order.
func Project(cals []source.Calendar, win ics.Window) []model.Occurrence {
	out := make([]model.Occurrence, 0)
	seen := make(map[key]struct{})

	for _, cal := range cals {
		res, err := ics.Expand(cal.Events, ics.ExpandConfig{Window: win})
		if err != nil {
			appLog.Warn("timeline: expansion skipped", "source", cal.ID, "reason", err.Error())
			continue
		}
		for _, in := range res.Instances {
			if !isPublic(in.Event) {
				continue
			}
			k := key{sourceID: cal.ID, occurrenceID: in.ID}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, toOccurrence(cal, in))
		}
	}
	return out
}

// Find returns the occurrence with the given ID.
//
// Recurring instance IDs carry their start as a ".<unix>" suffix; those are
// looked up in a one-second window at that instant, so series older than the
// expansion cap still resolve. Anything else, or a miss, falls back to an
// unbounded projection.
func Find(cals []source.Calendar, id string) (model.Occurrence, bool) {
	if at, ok := instanceStart(id); ok {
		if occ, ok := findIn(cals, id, ics.Between(at, at.Add(time.Second))); ok {
			return occ, true
		}
	}
	return findIn(cals, id, ics.Window{})
}

func findIn(cals []source.Calendar, id string, win ics.Window) (model.Occurrence, bool) {
	for _, occ := range Project(cals, win) {
		if occ.ID == id {
			return occ, true
		}
	}
	return model.Occurrence{}, false
}

func instanceStart(id string) (time.Time, bool) {
	i := strings.LastIndexByte(id, '.')
	if i < 0 {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

// StartingIn keeps the occurrences whose start lies inside win.
func StartingIn(occs []model.Occurrence, win ics.Window) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(occs))
	for _, o := range occs {
		if win.Contains(o.Start) {
			out = append(out, o)
		}
	}
	return out
}

// Sort orders occurrences by start in place. Ties keep their current order
// in both directions.
func Sort(occs []model.Occurrence, order model.Order) {
	if order == model.OrderDesc {
		sort.SliceStable(occs, func(i, j int) bool { return occs[i].Start.After(occs[j].Start) })
		return
	}
	sort.SliceStable(occs, func(i, j int) bool { return occs[i].Start.Before(occs[j].Start) })
}

func isPublic(ev ics.ParsedEvent) bool {
	return ev.HasProperty("CLASS", "PUBLIC")
}

func toOccurrence(cal source.Calendar, in ics.Instance) model.Occurrence {
	return model.Occurrence{
		SourceID:    cal.ID,
		SourceName:  cal.Name,
		ID:          in.ID,
		UID:         in.Event.UID,
		Title:       in.Event.Summary,
		Location:    in.Event.Location,
		Description: in.Event.Description,
		AllDay:      in.Event.AllDay,
		Start:       in.Start,
		End:         in.End,
	}
}
