// Package dispatch sends "starting soon" notifications to subscribers.
//
// Each cycle projects two windows from the current calendar snapshot and
// delivers to every subscription whose flag for that stage is still clear.
// The flag is set after the attempt whatever its outcome, so a subscriber is
// notified at most once per stage.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/codeday/calendar-gql/internal/ics"
	appLog "github.com/codeday/calendar-gql/internal/log"
	"github.com/codeday/calendar-gql/internal/metrics"
	"github.com/codeday/calendar-gql/internal/model"
	"github.com/codeday/calendar-gql/internal/notify"
	"github.com/codeday/calendar-gql/internal/render"
	"github.com/codeday/calendar-gql/internal/source"
	"github.com/codeday/calendar-gql/internal/timeline"
)

const defaultInterval = 60 * time.Second

var errUnknownKind = errors.New("unknown destination kind")

// Calendars supplies the current snapshot.
type Calendars interface {
	GetAll() []source.Calendar
}

// Store is the part of the subscription store the engine needs.
type Store interface {
	ListPending(ctx context.Context, sourceID, occurrenceID string, stage model.Stage) ([]model.Subscription, error)
	MarkNotified(ctx context.Context, key model.SubscriptionKey, stage model.Stage) error
}

// Attempt is the outcome of one delivery.
type Attempt struct {
	Subscription model.Subscription
	Stage        model.Stage
	Err          error
	Skipped      bool
}

// CycleReport summarizes one dispatch cycle.
type CycleReport struct {
	At         time.Time
	Upcoming   int
	Imminent   int
	Delivered  int
	Failed     int
	Skipped    int
	FlagErrors int
	Attempts   []Attempt
}

func (r *CycleReport) add(a Attempt) {
	r.Attempts = append(r.Attempts, a)
	switch a.Stage {
	case model.StageUpcoming:
		r.Upcoming++
	case model.StageImminent:
		r.Imminent++
	}
	switch {
	case a.Skipped:
		r.Skipped++
	case a.Err != nil:
		r.Failed++
	default:
		r.Delivered++
	}
}

// Engine runs dispatch cycles.
type Engine struct {
	calendars Calendars
	store     Store
	mail      notify.Sender
	sms       notify.Sender
	interval  time.Duration
	now       func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithInterval sets the pause between the end of one cycle and the start of
// the next.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

func NewEngine(calendars Calendars, store Store, mail, sms notify.Sender, opts ...Option) *Engine {
	e := &Engine{
		calendars: calendars,
		store:     store,
		mail:      mail,
		sms:       sms,
		interval:  defaultInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StageWindow returns the start-time window of a stage at now.
func StageWindow(stage model.Stage, now time.Time) ics.Window {
	if stage == model.StageUpcoming {
		return ics.Between(now.Add(55*time.Minute), now.Add(70*time.Minute))
	}
	return ics.Between(now.Add(-5*time.Minute), now.Add(5*time.Minute))
}

// RunCycle performs one full dispatch pass. Deliveries and flag writes run
// one at a time in a fixed order.
func (e *Engine) RunCycle(ctx context.Context) CycleReport {
	started := time.Now()
	now := e.now()
	report := CycleReport{At: now}
	cals := e.calendars.GetAll()

	for _, stage := range model.Stages {
		win := StageWindow(stage, now)
		occs := timeline.StartingIn(timeline.Project(cals, win), win)
		timeline.Sort(occs, model.OrderAsc)

		for _, occ := range occs {
			subs, err := e.store.ListPending(ctx, occ.SourceID, occ.ID, stage)
			if err != nil {
				appLog.Error("dispatch: list pending", err, "source", occ.SourceID, "event", occ.ID, "stage", string(stage))
				continue
			}
			for _, sub := range subs {
				a := e.deliver(ctx, sub, stage, occ)
				report.add(a)
				e.record(a)

				if err := e.store.MarkNotified(ctx, sub.Key(), stage); err != nil {
					report.FlagErrors++
					metrics.FlagWriteErrors.Inc()
					appLog.Error("dispatch: mark notified", err, "source", sub.SourceID, "event", sub.OccurrenceID, "stage", string(stage))
				}
			}
		}
	}

	metrics.RecordDispatchCycle(time.Since(started))
	if len(report.Attempts) > 0 || report.FlagErrors > 0 {
		appLog.Info("dispatch cycle",
			"upcoming", report.Upcoming,
			"imminent", report.Imminent,
			"delivered", report.Delivered,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"flag_errors", report.FlagErrors,
		)
	}
	return report
}

func (e *Engine) deliver(ctx context.Context, sub model.Subscription, stage model.Stage, occ model.Occurrence) Attempt {
	a := Attempt{Subscription: sub, Stage: stage}

	var (
		sender notify.Sender
		msg    notify.Message
	)
	switch sub.Kind {
	case model.KindEmail:
		sender = e.mail
		desc, descHTML := describe(occ.Description)
		msg = notify.EmailMessage(sub.Destination, occ, stage, desc, descHTML)
	case model.KindPhone:
		sender = e.sms
		msg = notify.Message{To: sub.Destination, Text: notify.SMSText(occ, stage)}
	default:
		a.Skipped = true
		a.Err = errUnknownKind
		return a
	}

	if sender == nil {
		a.Err = notify.ErrNotConfigured
		return a
	}
	a.Err = sender.Send(ctx, msg)
	return a
}

func (e *Engine) record(a Attempt) {
	stage, kind := string(a.Stage), string(a.Subscription.Kind)
	switch {
	case a.Skipped:
		metrics.RecordNotification(stage, kind, "skipped")
		appLog.Debug("dispatch: skipped subscription", "kind", kind, "event", a.Subscription.OccurrenceID)
	case a.Err != nil:
		metrics.RecordNotification(stage, kind, "failed")
		appLog.Error("dispatch: delivery failed", a.Err, "kind", kind, "event", a.Subscription.OccurrenceID, "stage", stage)
	default:
		metrics.RecordNotification(stage, kind, "delivered")
	}
}

// describe renders an event description for email: Markdown text and, when
// the description converted cleanly, its HTML form.
func describe(raw string) (string, string) {
	res := render.Render(raw, model.FormatMarkdown)
	if res.Fallback || res.Body == "" {
		return res.Body, ""
	}
	return res.Body, render.HTML(res.Body)
}

// Serve runs a cycle immediately, then again interval after each cycle ends.
// A cycle in progress is allowed to finish when ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			e.RunCycle(context.WithoutCancel(ctx))
			timer.Reset(e.interval)
		}
	}
}

func (e *Engine) String() string { return "notification-dispatch" }
