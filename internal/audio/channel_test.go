package audio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialChannel opens a raw UDP socket pointed at the channel's receive endpoint.
func dialChannel(t *testing.T, ch *Channel) (*net.UDPConn, Codec) {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", ch.LocalAddr())
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, NewCodec(testFormat(), 0xBEEF)
}

func sendSeq(t *testing.T, conn *net.UDPConn, codec Codec, seq uint16) {
	t.Helper()
	wire, err := codec.Encode(Frame{Seq: seq, Timestamp: uint32(seq) * 160, PCM: make([]byte, 320)})
	require.NoError(t, err)
	_, err = conn.Write(wire)
	require.NoError(t, err)
}

func collectFrames(ch *Channel, n int, timeout time.Duration) []Frame {
	var got []Frame
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case f, ok := <-ch.Receive():
			if !ok {
				return got
			}
			got = append(got, f)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestChannel_DeliversInOrderAndDropsDuplicates(t *testing.T) {
	ch, err := NewChannel("t1", "127.0.0.1", testFormat())
	require.NoError(t, err)
	defer ch.Close()

	conn, codec := dialChannel(t, ch)

	// In-order, one duplicate, one late packet.
	for _, seq := range []uint16{10, 11, 11, 12, 11, 13} {
		sendSeq(t, conn, codec, seq)
		time.Sleep(2 * time.Millisecond)
	}

	got := collectFrames(ch, 4, time.Second)
	require.Len(t, got, 4)
	var seqs []uint16
	for _, f := range got {
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []uint16{10, 11, 12, 13}, seqs)

	stats := ch.Stats()
	assert.Equal(t, uint64(4), stats.Received)
	assert.Equal(t, uint64(2), stats.DupDropped)
}

func TestChannel_SequenceWraparound(t *testing.T) {
	ch, err := NewChannel("t2", "127.0.0.1", testFormat())
	require.NoError(t, err)
	defer ch.Close()

	conn, codec := dialChannel(t, ch)
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		sendSeq(t, conn, codec, seq)
		time.Sleep(2 * time.Millisecond)
	}

	got := collectFrames(ch, 4, time.Second)
	require.Len(t, got, 4)
	assert.Equal(t, uint16(1), got[3].Seq)
	assert.Zero(t, ch.Stats().DupDropped)
}

func TestChannel_SendPacedToRemote(t *testing.T) {
	ch, err := NewChannel("t3", "127.0.0.1", testFormat())
	require.NoError(t, err)
	defer ch.Close()

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, ch.SetRemote(sink.LocalAddr().String()))

	for i := 0; i < 3; i++ {
		ch.Send(ch.Generation(), Frame{PCM: make([]byte, 320)})
	}

	codec := NewCodec(testFormat(), 0)
	buf := make([]byte, 1500)
	var seqs []uint16
	sink.SetReadDeadline(time.Now().Add(time.Second))
	for len(seqs) < 3 {
		n, _, err := sink.ReadFromUDP(buf)
		require.NoError(t, err)
		f, err := codec.Decode(buf[:n])
		require.NoError(t, err)
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, seqs[0]+1, seqs[1])
	assert.Equal(t, seqs[1]+1, seqs[2])
}

func TestChannel_FlushDiscardsQueued(t *testing.T) {
	ch, err := NewChannel("t4", "127.0.0.1", testFormat())
	require.NoError(t, err)
	defer ch.Close()

	// No remote yet, so frames sit in the pacer queue.
	for i := 0; i < 10; i++ {
		ch.Send(ch.Generation(), Frame{PCM: make([]byte, 320)})
	}
	ch.Flush()
	assert.NotZero(t, ch.Stats().Flushed)

	select {
	case <-ch.sendQ:
		t.Fatalf("expected send queue to be empty after flush")
	default:
	}
}

func TestChannel_FlushInvalidatesInFlightSends(t *testing.T) {
	ch, err := NewChannel("t6", "127.0.0.1", testFormat())
	require.NoError(t, err)
	defer ch.Close()

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, ch.SetRemote(sink.LocalAddr().String()))

	// A send that captured its generation before the flush must be discarded
	// even when it lands after the queue drain.
	stale := ch.Generation()
	ch.Flush()
	ch.Send(stale, Frame{PCM: make([]byte, 320)})
	assert.Equal(t, uint64(1), ch.Stats().Flushed)

	buf := make([]byte, 1500)
	sink.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = sink.ReadFromUDP(buf)
	assert.Error(t, err, "stale frame must never reach the wire")

	// Current-generation frames still flow.
	ch.Send(ch.Generation(), Frame{PCM: make([]byte, 320)})
	sink.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = sink.ReadFromUDP(buf)
	assert.NoError(t, err)
}

func TestChannel_SendAfterCloseIsDropped(t *testing.T) {
	ch, err := NewChannel("t5", "127.0.0.1", testFormat())
	require.NoError(t, err)
	ch.Close()
	ch.Send(ch.Generation(), Frame{PCM: make([]byte, 320)})
	assert.NotZero(t, ch.Stats().SendDropped)
}
