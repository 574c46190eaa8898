// Package asr wraps one backend streaming transcription session per call.
package asr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind discriminates the transcription event stream.
type EventKind int

const (
	// Partial is an interim transcript; used for barge-in, never for turns.
	Partial EventKind = iota
	// Final closes one contiguous speech segment. At most one Final is
	// emitted per segment.
	Final
	// Degraded reports a transparent backend reconnect; the stream resumed
	// but audio in the gap was lost.
	Degraded
)

func (k EventKind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	default:
		return "degraded"
	}
}

// Event is one transcription result.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
	Endpoint   time.Time // set on Final: when the segment was closed
}

// Config bounds one ASR client.
type Config struct {
	URL              string
	Language         string
	SampleRate       int
	ReconnectBackoff time.Duration
	MaxReconnects    int
	// SilenceTimeout promotes the last partial to a Final when the backend
	// stalls without marking the segment final.
	SilenceTimeout time.Duration
}

// startMessage is the first frame of every backend stream.
type startMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

// resultMessage is what the backend sends for every recognition update.
type resultMessage struct {
	IsFinal    bool    `json:"is_final"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Client streams one call's audio to the transcription backend and emits
// Partial/Final/Degraded events. On backend disconnect it re-establishes the
// stream itself; the session never has to restart listening.
type Client struct {
	cfg    Config
	callID string

	events  chan Event
	audioQ  chan []byte
	stopCh  chan struct{}
	stopped sync.Once

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	// segment state, guarded by segMu
	segMu          sync.Mutex
	segmentOpen    bool
	fallbackClosed bool // the silence fallback already finalized the open segment
	lastPartial    string
	lastConf       float64
	silenceTimer   *time.Timer

	voiceMu       sync.Mutex
	lastVoiceTime time.Time

	evMu     sync.Mutex
	evClosed bool
}

// NewClient constructs a client; Connect must be called before SendPCM.
func NewClient(callID string, cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		callID: callID,
		events: make(chan Event, 32),
		audioQ: make(chan []byte, 256),
		stopCh: make(chan struct{}),
	}
}

// Connect dials the backend and starts the stream.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn = conn
	c.connected = true
	go c.sendLoop()
	go c.recvLoop()
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("asr: dial %s: %w", c.cfg.URL, err)
	}
	start := startMessage{
		Type:       "start",
		Language:   c.cfg.Language,
		SampleRate: c.cfg.SampleRate,
		Encoding:   "linear16",
	}
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("asr: send start: %w", err)
	}
	return conn, nil
}

// Events returns the transcription event stream. It is closed when the client
// shuts down or the backend is unrecoverable.
func (c *Client) Events() <-chan Event { return c.events }

// SendPCM queues one chunk of linear PCM for the backend. Full queues drop
// the chunk rather than block the audio path.
func (c *Client) SendPCM(pcm []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("asr: not connected")
	}
	c.detectVoiceActivity(pcm)
	select {
	case c.audioQ <- pcm:
	default:
		log.Printf("call=%s asr: audio queue full, dropping chunk", c.callID)
	}
	return nil
}

// RecentlyDetectedVoice reports whether voice energy was seen within window.
// The session uses it to avoid starting playback over the caller.
func (c *Client) RecentlyDetectedVoice(window time.Duration) bool {
	c.voiceMu.Lock()
	last := c.lastVoiceTime
	c.voiceMu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the stream. Idempotent.
func (c *Client) Close() error {
	c.stopped.Do(func() {
		close(c.stopCh)
		c.segMu.Lock()
		if c.silenceTimer != nil {
			c.silenceTimer.Stop()
			c.silenceTimer = nil
		}
		c.segMu.Unlock()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connected = false
		c.mu.Unlock()
		c.evMu.Lock()
		c.evClosed = true
		close(c.events)
		c.evMu.Unlock()
	})
	return nil
}

const voiceRMSThreshold = 250.0

// detectVoiceActivity tracks voice energy with a cheap RMS over the chunk.
func (c *Client) detectVoiceActivity(pcm []byte) {
	if len(pcm) < 32 {
		return
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 4 {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMSThreshold {
		c.voiceMu.Lock()
		c.lastVoiceTime = time.Now()
		c.voiceMu.Unlock()
	}
}

func (c *Client) sendLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case pcm := <-c.audioQ:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				// recvLoop owns reconnecting; just drop this chunk.
				continue
			}
		}
	}
}

func (c *Client) recvLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			if !c.reconnect() {
				log.Printf("call=%s asr: backend unrecoverable, closing stream", c.callID)
				c.Close()
				return
			}
			continue
		}
		c.handleResult(message)
	}
}

// reconnect transparently re-establishes the backend stream with capped
// retries, emitting one Degraded event for the gap.
func (c *Client) reconnect() bool {
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		select {
		case <-c.stopCh:
			return false
		case <-time.After(c.cfg.ReconnectBackoff):
		}
		conn, err := c.dial()
		if err != nil {
			log.Printf("call=%s asr: reconnect %d/%d failed: %v", c.callID, attempt, c.cfg.MaxReconnects, err)
			continue
		}
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.conn = conn
		c.mu.Unlock()
		c.emit(Event{Kind: Degraded})
		log.Printf("call=%s asr: stream re-established after %d attempts", c.callID, attempt)
		return true
	}
	return false
}

func (c *Client) handleResult(message []byte) {
	var msg resultMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Printf("call=%s asr: bad result message: %v", c.callID, err)
		return
	}
	if msg.Text == "" {
		return
	}
	if msg.IsFinal {
		c.finalizeSegment(msg.Text, msg.Confidence)
		return
	}

	c.segMu.Lock()
	c.segmentOpen = true
	c.fallbackClosed = false
	c.lastPartial = msg.Text
	c.lastConf = msg.Confidence
	if c.cfg.SilenceTimeout > 0 {
		if c.silenceTimer == nil {
			c.silenceTimer = time.AfterFunc(c.cfg.SilenceTimeout, c.finalizeDueToSilence)
		} else {
			c.silenceTimer.Stop()
			c.silenceTimer.Reset(c.cfg.SilenceTimeout)
		}
	}
	c.segMu.Unlock()

	c.emit(Event{Kind: Partial, Text: msg.Text, Confidence: msg.Confidence})
}

// finalizeSegment emits the segment's single Final. A backend final that
// arrives after the local silence fallback already closed the segment is
// dropped.
func (c *Client) finalizeSegment(text string, conf float64) {
	c.segMu.Lock()
	if c.fallbackClosed {
		// The silence fallback already emitted this segment's Final.
		c.fallbackClosed = false
		c.segMu.Unlock()
		return
	}
	c.segmentOpen = false
	c.lastPartial = ""
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
	}
	c.segMu.Unlock()
	c.emit(Event{Kind: Final, Text: text, Confidence: conf, Endpoint: time.Now()})
}

// finalizeDueToSilence closes a stalled segment from the last partial.
func (c *Client) finalizeDueToSilence() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	c.segMu.Lock()
	if !c.segmentOpen || c.lastPartial == "" {
		c.segMu.Unlock()
		return
	}
	text, conf := c.lastPartial, c.lastConf
	c.segmentOpen = false
	c.fallbackClosed = true
	c.lastPartial = ""
	c.segMu.Unlock()
	log.Printf("call=%s asr: finalizing segment on silence", c.callID)
	c.emit(Event{Kind: Final, Text: text, Confidence: conf, Endpoint: time.Now()})
}

// emit delivers one event unless the client is already closed. stopCh is
// closed before evClosed is set, so a blocked send always unblocks.
func (c *Client) emit(ev Event) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.stopCh:
	}
}
