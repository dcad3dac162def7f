package notify

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// PushoverEndpoint is the Pushover messages API.
const PushoverEndpoint = "https://api.pushover.net/1/messages.json"

// PushoverSink posts alerts to the Pushover API.
type PushoverSink struct {
	endpoint string
	user     string
	token    string
	link     string
	client   *http.Client
}

// NewPushoverSink creates a sink for the given recipient credentials and
// optional deep link.
func NewPushoverSink(user, token, link string) *PushoverSink {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &PushoverSink{
		endpoint: PushoverEndpoint,
		user:     user,
		token:    token,
		link:     link,
		client:   &http.Client{Transport: transport},
	}
}

// WithEndpoint overrides the API endpoint.
func (p *PushoverSink) WithEndpoint(endpoint string) *PushoverSink {
	p.endpoint = endpoint
	return p
}

// Send implements Sink.
func (p *PushoverSink) Send(ctx context.Context, alert Alert) error {
	form := url.Values{}
	form.Set("user", p.user)
	form.Set("token", p.token)
	form.Set("title", alert.Title)
	form.Set("message", alert.Message)
	form.Set("monospace", "1")
	form.Set("timestamp", strconv.FormatInt(alert.At.Unix(), 10))
	if p.link != "" {
		form.Set("url", p.link)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pushover http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogSink writes alerts to the log. It is used when no delivery channel is configured.
type LogSink struct {
	Logger zerolog.Logger
}

// Send implements Sink.
func (l LogSink) Send(_ context.Context, alert Alert) error {
	l.Logger.Info().
		Str("command_id", alert.CommandID).
		Str("alert", string(alert.Kind)).
		Str("title", alert.Title).
		Msg("alert (no sink configured)")
	return nil
}
