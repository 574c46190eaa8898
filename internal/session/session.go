// Package session owns one call end to end. A single goroutine serializes
// every state transition; audio receive and playback run as cooperating
// goroutines joined to it by bounded channels.
package session

import (
	"context"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Hieu-vn/voip-ai-agent/internal/asr"
	"github.com/Hieu-vn/voip-ai-agent/internal/audio"
	"github.com/Hieu-vn/voip-ai-agent/internal/dialogue"
	"github.com/Hieu-vn/voip-ai-agent/internal/llm"
	"github.com/Hieu-vn/voip-ai-agent/internal/track"
)

// State is the call lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateAnswering
	StateListening
	StateThinking
	StateSpeaking
	StateTransferring
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnswering:
		return "answering"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateTransferring:
		return "transferring"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Commander issues call control commands to the switch.
type Commander interface {
	Answer(ctx context.Context, callID string) error
	ForkMedia(ctx context.Context, callID, localEndpoint string) error
	Bridge(ctx context.Context, callID, target string) error
	Hangup(ctx context.Context, callID, reason string) error
}

// Recognizer is the streaming transcription dependency.
type Recognizer interface {
	Connect() error
	Events() <-chan asr.Event
	SendPCM(pcm []byte) error
	RecentlyDetectedVoice(window time.Duration) bool
	Close() error
}

// Synthesizer streams synthesized PCM for one utterance.
type Synthesizer interface {
	Stream(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Responder produces the agent's reply for one finalized transcript.
type Responder interface {
	Respond(ctx context.Context, transcript string, history []llm.Message, st dialogue.State) dialogue.Reply
}

// Config bounds one session.
type Config struct {
	// TurnTimeout is the deadline on the dialogue backend per turn.
	TurnTimeout time.Duration
	// BargeInConfidence is the minimum partial confidence that interrupts
	// playback. Zero means any detected speech barges in.
	BargeInConfidence float64
	// BargeInMinRunes ignores very short partials for barge-in.
	BargeInMinRunes int
	// RepromptTimeout is the silent listening stretch before a re-prompt.
	RepromptTimeout time.Duration
	// MediaTimeout bounds the wait for the switch to confirm the audio fork.
	MediaTimeout time.Duration
	// TransferTarget is the queue endpoint calls are bridged to.
	TransferTarget string
	// AdvertiseHost replaces the bind host in the media fork endpoint handed
	// to the switch. Empty keeps the channel's local address.
	AdvertiseHost string
}

const cmdTimeout = 2 * time.Second

// Playback start is held until the caller's voice energy has been quiet for
// quietWindow, polled at quietPoll, for at most maxQuietWait so a noisy line
// cannot mute the agent entirely.
const (
	quietWindow  = 300 * time.Millisecond
	quietPoll    = 50 * time.Millisecond
	maxQuietWait = 2 * time.Second
)

type ctrlKind int

const (
	ctrlMediaReady ctrlKind = iota
	ctrlMediaFailed
	ctrlEnded
)

type ctrlEvent struct {
	kind   ctrlKind
	reason string
}

// playback tracks one in-flight synthesis stream. At most one exists per
// session; barge-in cancellation enforces that.
type playback struct {
	cancel    context.CancelFunc
	done      chan playbackResult
	startedAt time.Time
	turn      *track.Turn
	transfer  bool
	hangup    bool
	reprompt  bool
}

func (p *playback) terminal() bool { return p.transfer || p.hangup }

type playbackResult struct {
	firstFrame  time.Time
	interrupted bool
	err         error
}

// Snapshot is the read-only view exposed to the ops endpoints.
type Snapshot struct {
	CallID    string             `json:"call_id"`
	CallerID  string             `json:"caller_id"`
	State     string             `json:"state"`
	StartedAt time.Time          `json:"started_at"`
	Turns     int                `json:"turns"`
	Audio     audio.ChannelStats `json:"audio"`
}

// Session drives the pipeline for exactly one call.
type Session struct {
	callID   string
	callerID string
	cfg      Config
	format   audio.Format

	channel *audio.Channel
	rec     Recognizer
	synth   Synthesizer
	engine  Responder
	cmd     Commander
	tracker track.Tracker

	ctx      context.Context
	cancel   context.CancelFunc
	ctrl     chan ctrlEvent
	loopDone chan struct{}
	wg       sync.WaitGroup

	state     atomic.Int32
	startedAt time.Time

	mu    sync.Mutex
	turns []track.Turn

	// loop-owned, never touched outside the run goroutine
	dlg           dialogue.State
	history       []llm.Message
	turnSeq       int
	pb            *playback
	reprompted    bool
	repromptTimer *time.Timer
}

func New(callID, callerID string, cfg Config, format audio.Format, channel *audio.Channel,
	rec Recognizer, synth Synthesizer, engine Responder, cmd Commander, tracker track.Tracker) *Session {
	if cfg.MediaTimeout == 0 {
		cfg.MediaTimeout = 5 * time.Second
	}
	s := &Session{
		callID:    callID,
		callerID:  callerID,
		cfg:       cfg,
		format:    format,
		channel:   channel,
		rec:       rec,
		synth:     synth,
		engine:    engine,
		cmd:       cmd,
		tracker:   tracker,
		ctrl:      make(chan ctrlEvent, 4),
		loopDone:  make(chan struct{}),
		dlg:       dialogue.NewState(),
		startedAt: time.Now(),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// Start launches the session goroutine. The session stops when the call
// ends, transfers, or ctx is cancelled.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
}

// HandleMediaReady reports the switch confirmed the audio fork.
func (s *Session) HandleMediaReady() { s.post(ctrlEvent{kind: ctrlMediaReady}) }

// HandleMediaFailed reports the audio fork failed.
func (s *Session) HandleMediaFailed() { s.post(ctrlEvent{kind: ctrlMediaFailed}) }

// HandleEnded reports the switch ended the call. Safe to replay for an
// already-ended session.
func (s *Session) HandleEnded(reason string) { s.post(ctrlEvent{kind: ctrlEnded, reason: reason}) }

func (s *Session) post(ev ctrlEvent) {
	select {
	case s.ctrl <- ev:
	case <-s.loopDone:
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session goroutine has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.loopDone }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	n := len(s.turns)
	s.mu.Unlock()
	return Snapshot{
		CallID:    s.callID,
		CallerID:  s.callerID,
		State:     s.State().String(),
		StartedAt: s.startedAt,
		Turns:     n,
		Audio:     s.channel.Stats(),
	}
}

// Turns returns a copy of the completed turn log.
func (s *Session) Turns() []track.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]track.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	log.Printf("session call=%s state=%s", s.callID, st)
}

func (s *Session) run() {
	defer close(s.loopDone)
	defer s.teardown()

	s.setState(StateAnswering)
	if err := s.cmd.Answer(s.ctx, s.callID); err != nil {
		s.fatal("answer", err)
		return
	}
	if err := s.cmd.ForkMedia(s.ctx, s.callID, s.forkEndpoint()); err != nil {
		s.fatal("fork media", err)
		return
	}
	if !s.awaitMedia() {
		return
	}
	if err := s.rec.Connect(); err != nil {
		s.fatal("transcription connect", err)
		return
	}
	s.wg.Add(1)
	go s.pumpInbound()

	s.speak(dialogue.Greeting, nil, false, false)
	s.loop()
}

// forkEndpoint is the address the switch forks inbound media to.
func (s *Session) forkEndpoint() string {
	local := s.channel.LocalAddr()
	if s.cfg.AdvertiseHost == "" {
		return local
	}
	_, port, err := net.SplitHostPort(local)
	if err != nil {
		return local
	}
	return net.JoinHostPort(s.cfg.AdvertiseHost, port)
}

// awaitMedia blocks until the fork is confirmed. False means the session is
// already ended.
func (s *Session) awaitMedia() bool {
	t := time.NewTimer(s.cfg.MediaTimeout)
	defer t.Stop()
	for {
		select {
		case ev := <-s.ctrl:
			switch ev.kind {
			case ctrlMediaReady:
				return true
			case ctrlMediaFailed:
				s.fatal("media fork failed", nil)
				return false
			case ctrlEnded:
				s.end(ev.reason, false)
				return false
			}
		case <-t.C:
			s.fatal("media fork not confirmed", nil)
			return false
		case <-s.ctx.Done():
			s.end("shutdown", true)
			return false
		}
	}
}

// pumpInbound forwards received audio to the recognizer. It exits when the
// channel closes or the recognizer stops accepting audio.
func (s *Session) pumpInbound() {
	defer s.wg.Done()
	for f := range s.channel.Receive() {
		if err := s.rec.SendPCM(f.PCM); err != nil {
			log.Printf("session call=%s inbound pump stopped: %v", s.callID, err)
			return
		}
	}
}

func (s *Session) loop() {
	for {
		if st := s.State(); st == StateEnded || st == StateTransferring {
			return
		}
		var done chan playbackResult
		if s.pb != nil {
			done = s.pb.done
		}
		var reprompt <-chan time.Time
		if s.repromptTimer != nil {
			reprompt = s.repromptTimer.C
		}
		select {
		case ev := <-s.ctrl:
			s.handleCtrl(ev)
		case ev, ok := <-s.rec.Events():
			if !ok {
				s.fatal("transcription stream closed", nil)
				return
			}
			s.handleASR(ev)
		case res := <-done:
			s.finishSpeaking(res)
		case <-reprompt:
			s.handleReprompt()
		case <-s.ctx.Done():
			s.end("shutdown", true)
		}
	}
}

func (s *Session) handleCtrl(ev ctrlEvent) {
	switch ev.kind {
	case ctrlEnded:
		s.end(ev.reason, false)
	case ctrlMediaFailed:
		s.fatal("media failed", nil)
	case ctrlMediaReady:
		// duplicate confirm
	}
}

func (s *Session) handleASR(ev asr.Event) {
	switch ev.Kind {
	case asr.Degraded:
		log.Printf("session call=%s transcription degraded, continuing", s.callID)
	case asr.Partial:
		s.stopReprompt()
		if s.State() == StateSpeaking && s.pb != nil && !s.pb.terminal() && s.bargeInQualifies(ev) {
			s.bargeIn()
		}
	case asr.Final:
		s.stopReprompt()
		s.handleFinal(ev)
	}
}

func (s *Session) bargeInQualifies(ev asr.Event) bool {
	if utf8.RuneCountInString(strings.TrimSpace(ev.Text)) < s.cfg.BargeInMinRunes {
		return false
	}
	return s.cfg.BargeInConfidence == 0 || ev.Confidence >= s.cfg.BargeInConfidence
}

// bargeIn cancels the active playback and discards queued outbound audio.
// The flush happens before anything else so the interrupt lands within one
// frame period.
func (s *Session) bargeIn() {
	pb := s.pb
	pb.cancel()
	s.channel.Flush()
	res := <-pb.done
	res.interrupted = true
	s.closePlayback(pb, res)
	s.setState(StateListening)
	s.resetReprompt()
	log.Printf("session call=%s barge-in, playback cancelled", s.callID)
}

func (s *Session) handleFinal(ev asr.Event) {
	if s.State() == StateSpeaking && s.pb != nil {
		if s.pb.terminal() {
			// The closing announcement is already playing; the call is
			// leaving the pipeline either way.
			return
		}
		pb := s.pb
		pb.cancel()
		s.channel.Flush()
		res := <-pb.done
		res.interrupted = true
		s.closePlayback(pb, res)
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		s.setState(StateListening)
		s.resetReprompt()
		return
	}

	s.setState(StateThinking)
	finalAt := time.Now()
	s.turnSeq++
	turn := &track.Turn{
		ID:         uuid.NewString(),
		CallID:     s.callID,
		Seq:        s.turnSeq,
		UserText:   text,
		Confidence: ev.Confidence,
		ASRFinalAt: ev.Endpoint,
		Outcome:    track.OutcomeAnswered,
	}
	if !ev.Endpoint.IsZero() {
		turn.Latency.ASRMillis = finalAt.Sub(ev.Endpoint).Milliseconds()
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
	started := time.Now()
	reply := s.engine.Respond(ctx, text, s.history, s.dlg)
	cancel()
	turn.Latency.DialogueMillis = time.Since(started).Milliseconds()
	turn.ReplyText = reply.Text

	s.dlg = reply.State
	if reply.Degraded {
		turn.Outcome = track.OutcomeFailed
	} else {
		s.history = append(s.history,
			llm.Message{Role: "user", Content: text},
			llm.Message{Role: "assistant", Content: reply.Text})
	}

	transfer := reply.State.Transfer
	hangup := !transfer && reply.State.Done
	if transfer {
		turn.Outcome = track.OutcomeTransferred
	}
	s.speak(reply.Text, turn, transfer, hangup)
}

// speak starts one playback stream and moves the session to Speaking.
func (s *Session) speak(text string, turn *track.Turn, transfer, hangup bool) {
	ctx, cancel := context.WithCancel(s.ctx)
	pb := &playback{
		cancel:    cancel,
		done:      make(chan playbackResult, 1),
		startedAt: time.Now(),
		turn:      turn,
		transfer:  transfer,
		hangup:    hangup,
	}
	s.pb = pb
	s.setState(StateSpeaking)
	go func() {
		pb.done <- s.stream(ctx, text)
	}()
}

// waitForQuiet holds the start of playback until the caller has stopped
// speaking, so the agent does not talk over a trailing utterance. Bounded by
// maxQuietWait.
func (s *Session) waitForQuiet(ctx context.Context) {
	deadline := time.Now().Add(maxQuietWait)
	for s.rec.RecentlyDetectedVoice(quietWindow) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(quietPoll):
		}
	}
}

// stream pushes synthesized audio through the framer onto the outbound
// channel. Every send is gated on ctx and carries the playback generation
// captured here, so no frame from a cancelled turn reaches the wire.
func (s *Session) stream(ctx context.Context, text string) playbackResult {
	var res playbackResult
	gen := s.channel.Generation()
	s.waitForQuiet(ctx)
	framer := audio.NewFramer(s.format)
	chunks, errs := s.synth.Stream(ctx, text)

	send := func(payload []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		s.channel.Send(gen, audio.Frame{Dir: audio.Outbound, PCM: payload})
		if res.firstFrame.IsZero() {
			res.firstFrame = time.Now()
		}
		return true
	}

	for chunks != nil || errs != nil {
		select {
		case b, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			for _, payload := range framer.Push(b) {
				if !send(payload) {
					res.interrupted = true
					return res
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					res.interrupted = true
				} else {
					res.err = err
				}
				return res
			}
		case <-ctx.Done():
			res.interrupted = true
			return res
		}
	}
	if tail := framer.Tail(); tail != nil && ctx.Err() == nil {
		send(tail)
	}
	return res
}

func (s *Session) finishSpeaking(res playbackResult) {
	pb := s.pb
	s.closePlayback(pb, res)
	switch {
	case pb.transfer:
		s.transfer()
	case pb.hangup:
		s.end("completed", true)
	default:
		s.setState(StateListening)
		if !pb.reprompt {
			s.resetReprompt()
		}
	}
}

func (s *Session) closePlayback(pb *playback, res playbackResult) {
	s.pb = nil
	if res.err != nil {
		log.Printf("session call=%s playback error: %v", s.callID, res.err)
	}
	if pb.turn == nil {
		return
	}
	t := pb.turn
	if !res.firstFrame.IsZero() {
		t.Latency.TTSFirstFrameMillis = res.firstFrame.Sub(pb.startedAt).Milliseconds()
	}
	switch {
	case res.interrupted && !pb.terminal():
		t.Outcome = track.OutcomeInterrupted
	case res.err != nil:
		t.Outcome = track.OutcomeFailed
	}
	s.mu.Lock()
	s.turns = append(s.turns, *t)
	s.mu.Unlock()
	s.tracker.Record(*t)
}

func (s *Session) transfer() {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	err := s.cmd.Bridge(ctx, s.callID, s.cfg.TransferTarget)
	cancel()
	if err != nil {
		log.Printf("session call=%s bridge to %s failed: %v", s.callID, s.cfg.TransferTarget, err)
		s.end("transfer failed", true)
		return
	}
	s.setState(StateTransferring)
	log.Printf("session call=%s transferred to %s", s.callID, s.cfg.TransferTarget)
}

func (s *Session) handleReprompt() {
	s.repromptTimer = nil
	if s.State() != StateListening || s.reprompted {
		return
	}
	s.reprompted = true
	// Repeat the pending clarification question if one was asked, otherwise
	// the generic re-prompt.
	text := dialogue.Reprompt
	if s.dlg.LastClarification != "" {
		text = s.dlg.LastClarification
	}
	s.speak(text, nil, false, false)
	s.pb.reprompt = true
}

// resetReprompt arms a fresh silence timer for this listening stretch.
func (s *Session) resetReprompt() {
	s.stopReprompt()
	s.reprompted = false
	if s.cfg.RepromptTimeout > 0 {
		s.repromptTimer = time.NewTimer(s.cfg.RepromptTimeout)
	}
}

func (s *Session) stopReprompt() {
	if s.repromptTimer != nil {
		s.repromptTimer.Stop()
		s.repromptTimer = nil
	}
}

// end is idempotent: replayed hangup events for an ended session are no-ops.
func (s *Session) end(reason string, hangup bool) {
	if s.State() == StateEnded {
		return
	}
	if s.pb != nil {
		pb := s.pb
		pb.cancel()
		s.channel.Flush()
		res := <-pb.done
		res.interrupted = true
		s.closePlayback(pb, res)
	}
	if hangup {
		ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
		if err := s.cmd.Hangup(ctx, s.callID, reason); err != nil {
			log.Printf("session call=%s hangup failed: %v", s.callID, err)
		}
		cancel()
	}
	s.setState(StateEnded)
	log.Printf("session call=%s ended reason=%q", s.callID, reason)
}

func (s *Session) fatal(stage string, err error) {
	log.Printf("session call=%s fatal at %s: %v", s.callID, stage, err)
	s.end(stage, true)
}

func (s *Session) teardown() {
	s.cancel()
	if err := s.rec.Close(); err != nil {
		log.Printf("session call=%s transcription close: %v", s.callID, err)
	}
	s.channel.Close()
	s.wg.Wait()
}
