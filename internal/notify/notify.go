// Package notify delivers event notifications over email and SMS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/codeday/calendar-gql/internal/model"
)

// ErrNotConfigured is returned by a transport that has no credentials.
var ErrNotConfigured = errors.New("transport not configured")

// Message is one outbound notification.
type Message struct {
	To      string
	Subject string // email only
	Text    string
	HTML    string // email only, optional
}

// Sender delivers a message over one transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

const (
	smsFooter   = "(You subscribed @ CodeDay.)"
	emailFooter = "(You subscribed to be notified when this event started.)"
)

func when(stage model.Stage) string {
	if stage == model.StageUpcoming {
		return "starts in about an hour"
	}
	return "starts soon"
}

// SMSText is the text message for an occurrence at the given stage.
func SMSText(occ model.Occurrence, stage model.Stage) string {
	return joinNonEmpty(fmt.Sprintf(`"%s" %s.`, occ.Title, when(stage)), occ.Location, smsFooter)
}

// EmailMessage builds the email for an occurrence at the given stage.
// description is the Markdown-rendered event description and may be empty;
// descriptionHTML is its HTML rendition.
func EmailMessage(to string, occ model.Occurrence, stage model.Stage, description, descriptionHTML string) Message {
	subject := "Starting: " + occ.Title
	if stage == model.StageUpcoming {
		subject = "Starting soon: " + occ.Title
	}

	lead := joinNonEmpty(fmt.Sprintf(`The event "%s" %s.`, occ.Title, when(stage)), occ.Location)

	var text strings.Builder
	text.WriteString(lead)
	if description != "" {
		text.WriteString("\n\n")
		text.WriteString(strings.TrimSpace(description))
		text.WriteString("\n")
	}
	text.WriteString("\n")
	text.WriteString(emailFooter)

	msg := Message{To: to, Subject: subject, Text: text.String()}
	if descriptionHTML != "" {
		msg.HTML = "<p>" + htmlEscape(lead) + "</p>\n" + descriptionHTML + "<p><small>" + htmlEscape(emailFooter) + "</small></p>\n"
	}
	return msg
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;")

func htmlEscape(s string) string { return htmlEscaper.Replace(s) }
