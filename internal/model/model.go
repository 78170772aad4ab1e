package model

import (
	"strings"
	"time"
)

// Occurrence is a single concrete instance of a public calendar event
// (after recurrence expansion, override application and visibility filtering).
type Occurrence struct {
	SourceID   string // calendar source ID
	SourceName string // calendar display name

	// ID is the occurrence identifier: the UID with any "@domain" suffix
	// removed, plus ".<start unix seconds>" for instances of a recurring
	// series.
	ID string

	// UID is the raw iCalendar UID.
	UID string

	Title       string
	Location    string
	Description string // raw, unrendered

	AllDay bool

	Start time.Time
	End   time.Time
}

// DestinationKind says how a subscription is delivered.
type DestinationKind string

const (
	KindEmail DestinationKind = "email"
	KindPhone DestinationKind = "phone"
)

// Stage is a notification stage relative to an occurrence's start.
type Stage string

const (
	StageUpcoming Stage = "upcoming"
	StageImminent Stage = "imminent"
)

// Stages lists every stage in dispatch order.
var Stages = []Stage{StageUpcoming, StageImminent}

// SubscriptionKey is the identity of a subscription row.
type SubscriptionKey struct {
	SourceID     string
	OccurrenceID string
	Destination  string
	Kind         DestinationKind
}

// Subscription is a request to be notified about one occurrence.
type Subscription struct {
	SourceID     string
	OccurrenceID string
	Destination  string
	Kind         DestinationKind

	NotifiedUpcoming bool
	NotifiedImminent bool

	CreatedAt time.Time
}

func (s Subscription) Key() SubscriptionKey {
	return SubscriptionKey{
		SourceID:     s.SourceID,
		OccurrenceID: s.OccurrenceID,
		Destination:  s.Destination,
		Kind:         s.Kind,
	}
}

// Notified reports whether the given stage has already been consumed.
func (s Subscription) Notified(stage Stage) bool {
	switch stage {
	case StageUpcoming:
		return s.NotifiedUpcoming
	case StageImminent:
		return s.NotifiedImminent
	default:
		return false
	}
}

// Format selects how an event description is rendered.
type Format string

const (
	FormatHTML     Format = "HTML"
	FormatMarkdown Format = "MARKDOWN"
	FormatDiscord  Format = "DISCORD"
)

// ParseFormat maps a case-insensitive name to a Format. Empty means HTML.
func ParseFormat(s string) (Format, bool) {
	switch Format(strings.ToUpper(strings.TrimSpace(s))) {
	case "", FormatHTML:
		return FormatHTML, true
	case FormatMarkdown:
		return FormatMarkdown, true
	case FormatDiscord:
		return FormatDiscord, true
	default:
		return "", false
	}
}

// Order is the sort direction of an event listing.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// ParseOrder maps a case-insensitive name to an Order. Empty means ASC.
func ParseOrder(s string) (Order, bool) {
	switch Order(strings.ToUpper(strings.TrimSpace(s))) {
	case "", OrderAsc:
		return OrderAsc, true
	case OrderDesc:
		return OrderDesc, true
	default:
		return "", false
	}
}
