package control

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/Hieu-vn/voip-ai-agent/internal/session"
)

// Session is the per-call handle the listener drives. *session.Session
// satisfies it.
type Session interface {
	Start(ctx context.Context)
	HandleMediaReady()
	HandleMediaFailed()
	HandleEnded(reason string)
	Snapshot() session.Snapshot
	Done() <-chan struct{}
}

// Factory builds a ready-to-start session for a new call.
type Factory func(callID, callerID string) (Session, error)

// Listener routes lifecycle events to per-call sessions. Exactly one exists
// per process; it holds no per-call state beyond the id lookup.
type Listener struct {
	factory Factory

	mu       sync.RWMutex
	sessions map[string]Session
}

func NewListener(factory Factory) *Listener {
	return &Listener{factory: factory, sessions: make(map[string]Session)}
}

// Run dispatches events until ctx is cancelled or the feed closes.
func (l *Listener) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			l.dispatch(ctx, ev)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventCallStarted:
		l.startCall(ctx, ev)
	case EventMediaReady:
		if s := l.lookup(ev.CallID); s != nil {
			s.HandleMediaReady()
		}
	case EventMediaFailed:
		if s := l.lookup(ev.CallID); s != nil {
			s.HandleMediaFailed()
		}
	case EventCallEnded:
		// Unknown or already-reaped ids are a no-op so replays are safe.
		if s := l.lookup(ev.CallID); s != nil {
			s.HandleEnded(ev.Reason)
		}
	}
}

func (l *Listener) startCall(ctx context.Context, ev Event) {
	l.mu.Lock()
	if _, exists := l.sessions[ev.CallID]; exists {
		l.mu.Unlock()
		log.Printf("control: duplicate CallStarted call=%s ignored", ev.CallID)
		return
	}
	s, err := l.factory(ev.CallID, ev.CallerID)
	if err != nil {
		l.mu.Unlock()
		log.Printf("control: session setup call=%s failed: %v", ev.CallID, err)
		return
	}
	l.sessions[ev.CallID] = s
	l.mu.Unlock()

	log.Printf("control: call=%s started caller=%s", ev.CallID, ev.CallerID)
	s.Start(ctx)
	go func() {
		<-s.Done()
		l.mu.Lock()
		if l.sessions[ev.CallID] == s {
			delete(l.sessions, ev.CallID)
		}
		l.mu.Unlock()
	}()
}

func (l *Listener) lookup(callID string) Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessions[callID]
}

// Snapshot lists the live sessions, ordered by call id.
func (l *Listener) Snapshot() []session.Snapshot {
	l.mu.RLock()
	out := make([]session.Snapshot, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s.Snapshot())
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}
