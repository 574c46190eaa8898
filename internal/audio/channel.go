package audio

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelStats are monotonic counters for one channel's lifetime.
type ChannelStats struct {
	Received    uint64
	DupDropped  uint64 // duplicate or out-of-order inbound packets dropped
	RecvDropped uint64 // inbound frames dropped because the consumer lagged
	Sent        uint64
	SendDropped uint64 // outbound frames dropped while closing
	Flushed     uint64 // outbound frames discarded by Flush
}

// Channel is the bidirectional framed audio transport for one call. It binds
// a UDP socket on construction; the switch forks inbound media to
// LocalAddr(). Outbound frames are paced at one frame per frame period.
//
// Inbound frames are delivered in strictly increasing sequence order;
// duplicates and reordered packets are dropped, never buffered, because
// real-time audio tolerates loss better than latency.
type Channel struct {
	callID string
	format Format
	codec  Codec
	conn   *net.UDPConn

	recvCh chan Frame
	sendQ  chan queuedFrame

	mu      sync.Mutex
	remote  *net.UDPAddr
	closing bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	gen    atomic.Uint64
	outSeq uint16
	outTS  uint32

	received    atomic.Uint64
	dupDropped  atomic.Uint64
	recvDropped atomic.Uint64
	sent        atomic.Uint64
	sendDropped atomic.Uint64
	flushed     atomic.Uint64
}

// NewChannel binds a local UDP endpoint for the call's media fork.
func NewChannel(callID, bindIP string, format Format) (*Channel, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindIP), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("audio: bind rtp socket: %w", err)
	}
	ch := &Channel{
		callID: callID,
		format: format,
		codec:  NewCodec(format, rand.Uint32()),
		conn:   conn,
		recvCh: make(chan Frame, 64),
		sendQ:  make(chan queuedFrame, 256),
		stopCh: make(chan struct{}),
		outSeq: uint16(rand.Uint32()),
		outTS:  rand.Uint32(),
	}
	ch.wg.Add(2)
	go ch.readLoop()
	go ch.sendLoop()
	return ch, nil
}

// LocalAddr returns the receive endpoint the switch should fork media to.
func (ch *Channel) LocalAddr() string { return ch.conn.LocalAddr().String() }

// SetRemote fixes the outbound packet destination. Without it the channel
// falls back to symmetric RTP: it replies to the first inbound source.
func (ch *Channel) SetRemote(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("audio: resolve remote %s: %w", addr, err)
	}
	ch.mu.Lock()
	ch.remote = udpAddr
	ch.mu.Unlock()
	return nil
}

// Receive returns the inbound frame stream. The channel is closed when the
// transport closes; it must not be re-consumed across calls.
func (ch *Channel) Receive() <-chan Frame { return ch.recvCh }

// queuedFrame carries the playback generation a frame was produced under so
// the pacer can reject frames from a generation that has been flushed.
type queuedFrame struct {
	f   Frame
	gen uint64
}

// Generation returns the current playback generation. Callers capture it when
// a playback starts and pass it to every Send for that playback.
func (ch *Channel) Generation() uint64 { return ch.gen.Load() }

// Send enqueues one outbound frame, tagging it with the next sequence number
// and a monotonic RTP timestamp. Frames from a generation older than the last
// Flush are discarded, so a send racing a barge-in flush cannot leak stale
// audio onto the wire. Frames are dropped with a log line when the channel is
// closing or the pacer queue is full.
func (ch *Channel) Send(gen uint64, f Frame) {
	if gen != ch.gen.Load() {
		ch.flushed.Add(1)
		return
	}
	ch.mu.Lock()
	closing := ch.closing
	if !closing {
		f.Seq = ch.outSeq
		f.Timestamp = ch.outTS
		ch.outSeq++
		ch.outTS += uint32(ch.format.SamplesPerFrame())
	}
	ch.mu.Unlock()
	if closing {
		ch.sendDropped.Add(1)
		log.Printf("call=%s audio: dropping outbound frame, channel closing", ch.callID)
		return
	}
	f.Dir = Outbound
	select {
	case ch.sendQ <- queuedFrame{f: f, gen: gen}:
	case <-ch.stopCh:
		ch.sendDropped.Add(1)
	}
}

// Flush advances the playback generation and discards every frame queued for
// send but not yet transmitted. Used on barge-in to truncate playback
// immediately.
func (ch *Channel) Flush() {
	ch.gen.Add(1)
	for {
		select {
		case <-ch.sendQ:
			ch.flushed.Add(1)
		default:
			return
		}
	}
}

// Close stops both directions and releases the socket. Idempotent.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closing {
		ch.mu.Unlock()
		return
	}
	ch.closing = true
	ch.mu.Unlock()
	close(ch.stopCh)
	_ = ch.conn.Close()
	ch.wg.Wait()
	close(ch.recvCh)
}

// Stats returns a snapshot of the channel counters.
func (ch *Channel) Stats() ChannelStats {
	return ChannelStats{
		Received:    ch.received.Load(),
		DupDropped:  ch.dupDropped.Load(),
		RecvDropped: ch.recvDropped.Load(),
		Sent:        ch.sent.Load(),
		SendDropped: ch.sendDropped.Load(),
		Flushed:     ch.flushed.Load(),
	}
}

func (ch *Channel) readLoop() {
	defer ch.wg.Done()
	buf := make([]byte, 1500)
	var lastSeq uint16
	seenFirst := false
	for {
		n, src, err := ch.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ch.stopCh:
			default:
				log.Printf("call=%s audio: rtp read: %v", ch.callID, err)
			}
			return
		}
		frame, err := ch.codec.Decode(buf[:n])
		if err != nil {
			continue
		}

		// Symmetric RTP: learn the peer from the first inbound packet.
		ch.mu.Lock()
		if ch.remote == nil {
			ch.remote = src
		}
		ch.mu.Unlock()

		if seenFirst {
			// Wraparound-aware compare; duplicates and late packets are dropped.
			if int16(frame.Seq-lastSeq) <= 0 {
				ch.dupDropped.Add(1)
				continue
			}
		}
		lastSeq = frame.Seq
		seenFirst = true
		ch.received.Add(1)

		select {
		case ch.recvCh <- frame:
		default:
			ch.recvDropped.Add(1)
		}
	}
}

// sendLoop paces outbound frames at one per frame period so a fast TTS
// backend never floods the switch.
func (ch *Channel) sendLoop() {
	defer ch.wg.Done()
	ticker := time.NewTicker(ch.format.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ch.stopCh:
			return
		case <-ticker.C:
			ch.dequeueOne()
		}
	}
}

// dequeueOne transmits the next current-generation frame, dropping any stale
// frames that slipped into the queue around a Flush.
func (ch *Channel) dequeueOne() {
	for {
		select {
		case qf := <-ch.sendQ:
			if qf.gen != ch.gen.Load() {
				ch.flushed.Add(1)
				continue
			}
			ch.writeFrame(qf.f)
			return
		default:
			return
		}
	}
}

func (ch *Channel) writeFrame(f Frame) {
	ch.mu.Lock()
	remote := ch.remote
	ch.mu.Unlock()
	if remote == nil {
		ch.sendDropped.Add(1)
		return
	}
	pkt, err := ch.codec.Encode(f)
	if err != nil {
		log.Printf("call=%s audio: encode frame: %v", ch.callID, err)
		return
	}
	if _, err := ch.conn.WriteToUDP(pkt, remote); err != nil {
		select {
		case <-ch.stopCh:
		default:
			log.Printf("call=%s audio: rtp write: %v", ch.callID, err)
		}
		return
	}
	ch.sent.Add(1)
}
