// Package track appends completed dialogue turns to a JSONL file for
// offline review. An empty path disables tracking.
package track

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Outcome tags how a turn ended.
type Outcome string

const (
	OutcomeAnswered    Outcome = "answered"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
	OutcomeTransferred Outcome = "transferred"
)

// Latency is the per-stage breakdown of one turn, in milliseconds.
type Latency struct {
	ASRMillis           int64 `json:"asr_ms"`
	DialogueMillis      int64 `json:"dialogue_ms"`
	TTSFirstFrameMillis int64 `json:"tts_first_frame_ms"`
}

// Turn is one user-utterance/agent-response pair.
type Turn struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	Seq        int       `json:"seq"`
	UserText   string    `json:"user_text"`
	Confidence float64   `json:"confidence"`
	ReplyText  string    `json:"reply_text"`
	Outcome    Outcome   `json:"outcome"`
	ASRFinalAt time.Time `json:"asr_final_at"`
	Latency    Latency   `json:"latency"`
}

// Tracker records completed turns. Implementations must be safe for use by
// multiple sessions.
type Tracker interface {
	Record(t Turn)
	Close() error
}

// New returns a file-backed tracker, or a no-op one when path is empty.
func New(path string) (Tracker, error) {
	if path == "" {
		return nopTracker{}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("track: open %s: %w", path, err)
	}
	return &fileTracker{f: f}, nil
}

type fileTracker struct {
	mu sync.Mutex
	f  *os.File
}

func (t *fileTracker) Record(turn Turn) {
	line, err := json.Marshal(turn)
	if err != nil {
		log.Printf("track: marshal turn call=%s seq=%d: %v", turn.CallID, turn.Seq, err)
		return
	}
	line = append(line, '\n')
	t.mu.Lock()
	_, err = t.f.Write(line)
	t.mu.Unlock()
	if err != nil {
		log.Printf("track: write turn call=%s seq=%d: %v", turn.CallID, turn.Seq, err)
	}
}

func (t *fileTracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

type nopTracker struct{}

func (nopTracker) Record(Turn) {}

func (nopTracker) Close() error { return nil }
