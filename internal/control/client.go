// Package control speaks the telephony switch's API: a websocket feed of
// call lifecycle events and REST commands to steer individual calls.
package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind discriminates lifecycle events.
type EventKind string

const (
	EventCallStarted EventKind = "CallStarted"
	EventCallEnded   EventKind = "CallEnded"
	EventMediaReady  EventKind = "MediaReady"
	EventMediaFailed EventKind = "MediaFailed"
)

// Event is one decoded lifecycle event from the switch.
type Event struct {
	Kind     EventKind
	CallID   string
	CallerID string
	Reason   string
}

type wireEvent struct {
	Type     string `json:"type"`
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Config bounds one switch connection.
type Config struct {
	// BaseURL is the switch's HTTP API root, e.g. http://pbx:8088/api.
	BaseURL  string
	Username string
	Password string
	// AppName identifies this subscriber on the event feed.
	AppName          string
	ReconnectBackoff time.Duration
}

// Client subscribes to the event feed and issues call commands. Commands are
// safe for concurrent use by multiple sessions.
type Client struct {
	cfg    Config
	http   *http.Client
	events chan Event
}

func NewClient(cfg Config) *Client {
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		events: make(chan Event, 32),
	}
}

// Events returns the lifecycle event stream. Closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// Run consumes the switch's websocket feed until ctx is cancelled,
// reconnecting with backoff on any feed failure. Events missed while
// disconnected are lost; sessions time out on their own.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	for {
		if err := c.consumeFeed(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("control: event feed lost: %v, reconnecting in %s", err, c.cfg.ReconnectBackoff)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectBackoff):
		}
	}
}

func (c *Client) consumeFeed(ctx context.Context) error {
	feedURL, err := c.feedURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", basicAuth(c.cfg.Username, c.cfg.Password))
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, feedURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("control: dial event feed: %w", err)
	}
	defer conn.Close()
	log.Printf("control: event feed connected app=%s", c.cfg.AppName)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("control: event feed read: %w", err)
		}
		var we wireEvent
		if err := json.Unmarshal(message, &we); err != nil {
			log.Printf("control: malformed event: %v", err)
			continue
		}
		ev := Event{Kind: EventKind(we.Type), CallID: we.CallID, CallerID: we.CallerID, Reason: we.Reason}
		switch ev.Kind {
		case EventCallStarted, EventCallEnded, EventMediaReady, EventMediaFailed:
		default:
			continue // event kinds we do not handle
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) feedURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("control: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", c.cfg.AppName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Answer picks up the inbound call.
func (c *Client) Answer(ctx context.Context, callID string) error {
	return c.post(ctx, "/calls/"+callID+"/answer", nil)
}

// ForkMedia asks the switch to fork the call's inbound audio to localEndpoint
// and to accept return audio from it.
func (c *Client) ForkMedia(ctx context.Context, callID, localEndpoint string) error {
	return c.post(ctx, "/calls/"+callID+"/media", map[string]string{"endpoint": localEndpoint})
}

// Bridge connects the call to target, typically a human agent queue.
func (c *Client) Bridge(ctx context.Context, callID, target string) error {
	return c.post(ctx, "/calls/"+callID+"/bridge", map[string]string{"target": target})
}

// Hangup terminates the call with a reason code.
func (c *Client) Hangup(ctx context.Context, callID, reason string) error {
	return c.post(ctx, "/calls/"+callID+"/hangup", map[string]string{"reason": reason})
}

func (c *Client) post(ctx context.Context, path string, body map[string]string) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", basicAuth(c.cfg.Username, c.cfg.Password))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("control: %s status=%d body=%s", path, resp.StatusCode, string(b))
	}
	return nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}
