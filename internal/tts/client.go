// Package tts streams synthesized speech for one utterance at a time.
package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Config bounds one synthesis client.
type Config struct {
	URL        string
	Voice      string
	Language   string
	SampleRate int
	// IdleTimeout ends the stream when no audio arrives for this long after
	// the first chunk.
	IdleTimeout time.Duration
	// MaxDuration is the hard cap for one utterance's stream.
	MaxDuration time.Duration
}

// speakMessage opens one synthesis stream.
type speakMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

// controlMessage is a backend text frame: {"type":"done"} or an error.
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Client talks to the streaming synthesis backend. Safe for use by multiple
// sessions: each Stream call opens its own websocket.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Stream synthesizes text and emits raw PCM chunks in textual order. The
// pcm channel closes on completion; cancelling ctx tears the backend stream
// down immediately, which is the barge-in path.
func (c *Client) Stream(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if text == "" {
			return
		}
		dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			errCh <- fmt.Errorf("tts: dial %s: %w", c.cfg.URL, err)
			return
		}
		defer conn.Close()

		// Cancellation must stop backend generation, not just our reads.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()

		speak := speakMessage{
			Type:       "speak",
			Text:       text,
			Voice:      c.cfg.Voice,
			Language:   c.cfg.Language,
			SampleRate: c.cfg.SampleRate,
			Encoding:   "linear16",
		}
		if err := conn.WriteJSON(speak); err != nil {
			errCh <- fmt.Errorf("tts: send speak: %w", err)
			return
		}

		overall := time.Now().Add(c.cfg.MaxDuration)
		var lastAudio time.Time
		for {
			deadline := overall
			if !lastAudio.IsZero() {
				if idle := lastAudio.Add(c.cfg.IdleTimeout); idle.Before(deadline) {
					deadline = idle
				}
			}
			_ = conn.SetReadDeadline(deadline)

			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !lastAudio.IsZero() {
					// Idle after audio: treat as a completed stream with a
					// missing done marker.
					log.Printf("tts: stream went idle, assuming complete")
					return
				}
				errCh <- fmt.Errorf("tts: read: %w", err)
				return
			}

			switch msgType {
			case websocket.BinaryMessage:
				if len(data) == 0 {
					continue
				}
				lastAudio = time.Now()
				chunk := make([]byte, len(data))
				copy(chunk, data)
				select {
				case pcmCh <- chunk:
				case <-ctx.Done():
					return
				}
			case websocket.TextMessage:
				var ctl controlMessage
				if err := json.Unmarshal(data, &ctl); err != nil {
					continue
				}
				switch ctl.Type {
				case "done":
					return
				case "error":
					errCh <- fmt.Errorf("tts: backend: %s", ctl.Message)
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}
