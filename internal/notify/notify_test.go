package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/codeday/calendar-gql/internal/config"
	"github.com/codeday/calendar-gql/internal/model"
)

var occ = model.Occurrence{
	SourceID: "main",
	ID:       "abc.1700000000",
	Title:    "Game Night",
	Location: "Room 4",
}

func TestSMSText(t *testing.T) {
	assert.Equal(t, `"Game Night" starts soon. Room 4 (You subscribed @ CodeDay.)`, SMSText(occ, model.StageImminent))
	assert.Equal(t, `"Game Night" starts in about an hour. Room 4 (You subscribed @ CodeDay.)`, SMSText(occ, model.StageUpcoming))

	noLoc := occ
	noLoc.Location = ""
	assert.Equal(t, `"Game Night" starts soon. (You subscribed @ CodeDay.)`, SMSText(noLoc, model.StageImminent))
}

func TestEmailMessage(t *testing.T) {
	msg := EmailMessage("a@example.com", occ, model.StageImminent, "", "")
	assert.Equal(t, "a@example.com", msg.To)
	assert.Equal(t, "Starting: Game Night", msg.Subject)
	assert.Equal(t, "The event \"Game Night\" starts soon. Room 4\n(You subscribed to be notified when this event started.)", msg.Text)
	assert.Empty(t, msg.HTML)

	msg = EmailMessage("a@example.com", occ, model.StageUpcoming, "Bring **snacks**", "<p>Bring <strong>snacks</strong></p>\n")
	assert.Equal(t, "Starting soon: Game Night", msg.Subject)
	assert.Contains(t, msg.Text, "\n\nBring **snacks**\n")
	assert.Contains(t, msg.HTML, "<p>The event &#34;Game Night&#34; starts in about an hour. Room 4</p>")
	assert.Contains(t, msg.HTML, "<strong>snacks</strong>")
}

func TestMailerNotConfigured(t *testing.T) {
	m := NewMailer(config.EmailConfig{})
	assert.False(t, m.Configured())
	assert.ErrorIs(t, m.Send(context.Background(), Message{To: "a@example.com"}), ErrNotConfigured)
}

func TestMailerBuild(t *testing.T) {
	m := NewMailer(config.EmailConfig{Host: "smtp.example.com", From: "events@example.com"})
	m.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	plain := m.build(Message{To: "a@example.com", Subject: "Hi\r\nBcc: x", Text: "line1\nline2"})
	assert.Contains(t, plain, "Subject: Hi Bcc: x\r\n")
	assert.Contains(t, plain, "Content-Type: text/plain; charset=UTF-8\r\n\r\nline1\r\nline2")
	assert.NotContains(t, plain, "multipart")

	multi := m.build(Message{To: "a@example.com", Subject: "Hi", Text: "t", HTML: "<p>h</p>"})
	assert.Contains(t, multi, `multipart/alternative; boundary="boundary_1735689600000000000"`)
	assert.Contains(t, multi, "text/html; charset=UTF-8\r\n\r\n<p>h</p>")
	assert.True(t, strings.HasSuffix(multi, "--boundary_1735689600000000000--\r\n"))
}

func smsConfig(base string) config.SMSConfig {
	return config.SMSConfig{AccountSID: "AC123", AuthToken: "secret", From: "+15550000000", BaseURL: base}
}

func TestSMSSend(t *testing.T) {
	var gotPath, gotTo, gotFrom, gotBody, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotTo, gotFrom, gotBody = r.PostForm.Get("To"), r.PostForm.Get("From"), r.PostForm.Get("Body")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	c := NewSMSClient(smsConfig(srv.URL), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	err := c.Send(context.Background(), Message{To: "+15551234567", Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", gotPath)
	assert.Equal(t, "AC123", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, "+15551234567", gotTo)
	assert.Equal(t, "+15550000000", gotFrom)
	assert.Equal(t, "hello", gotBody)
}

func TestSMSSendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number","status":400}`))
	}))
	defer srv.Close()

	c := NewSMSClient(smsConfig(srv.URL), WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	err := c.Send(context.Background(), Message{To: "+1", Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "21211")
	assert.Contains(t, err.Error(), "Invalid 'To' Phone Number")
}

func TestSMSNotConfigured(t *testing.T) {
	c := NewSMSClient(config.SMSConfig{})
	assert.ErrorIs(t, c.Send(context.Background(), Message{To: "+15551234567"}), ErrNotConfigured)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	failing := SenderFunc(func(context.Context, Message) error {
		calls++
		return errors.New("provider down")
	})
	b := newBreaker("test-open", failing, 2, time.Hour)

	require.Error(t, b.Send(context.Background(), Message{}))
	require.Error(t, b.Send(context.Background(), Message{}))
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Send(context.Background(), Message{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls, "open breaker must not reach the transport")
}

func TestBreakerIgnoresNotConfigured(t *testing.T) {
	b := newBreaker("test-unconfigured", SenderFunc(func(context.Context, Message) error {
		return ErrNotConfigured
	}), 1, time.Hour)

	for range 3 {
		assert.ErrorIs(t, b.Send(context.Background(), Message{}), ErrNotConfigured)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
