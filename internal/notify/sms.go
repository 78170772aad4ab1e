package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/codeday/calendar-gql/internal/config"
)

// SMSClient sends text messages through a Twilio-compatible REST API.
type SMSClient struct {
	sid        string
	token      string
	from       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type SMSOption func(*SMSClient)

func WithHTTPClient(c *http.Client) SMSOption {
	return func(s *SMSClient) {
		s.httpClient = c
	}
}

// WithLimiter replaces the default pacing of one message per second.
func WithLimiter(l *rate.Limiter) SMSOption {
	return func(s *SMSClient) {
		s.limiter = l
	}
}

func NewSMSClient(cfg config.SMSConfig, opts ...SMSOption) *SMSClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.twilio.com"
	}
	c := &SMSClient{
		sid:        cfg.AccountSID,
		token:      cfg.AuthToken,
		from:       cfg.From,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if account credentials and a sender are set.
func (c *SMSClient) Configured() bool {
	return c.sid != "" && c.token != "" && c.from != ""
}

type smsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *SMSClient) Send(ctx context.Context, msg Message) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms rate limit: %w", err)
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", c.from)
	form.Set("Body", msg.Text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(c.sid))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.sid, c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr smsError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("sms API returned %d (code %d): %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("sms API returned %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
