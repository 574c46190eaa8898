// Package audio implements fixed-size linear-PCM framing and the per-call
// bidirectional RTP transport.
package audio

import (
	"time"
)

// Direction tags which way a frame is flowing relative to the agent.
type Direction int8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// Format is the negotiated audio format for one call: mono 16-bit linear PCM
// at SampleRate, cut into FrameDuration frames.
type Format struct {
	SampleRate    int
	FrameDuration time.Duration
	PayloadType   uint8
}

// SamplesPerFrame returns the number of 16-bit samples in one frame.
func (f Format) SamplesPerFrame() int {
	return int(int64(f.SampleRate) * int64(f.FrameDuration) / int64(time.Second))
}

// PayloadBytes returns the wire payload size of one frame.
func (f Format) PayloadBytes() int { return f.SamplesPerFrame() * 2 }

// Frame is one fixed-duration PCM buffer. Immutable once created: the channel
// assigns Seq and Timestamp when the frame is sent, and never touches PCM.
type Frame struct {
	Seq       uint16
	Timestamp uint32
	Dir       Direction
	PCM       []byte
}

// Framer cuts an arbitrary PCM byte stream into full frames of the format's
// payload size, buffering any remainder until the next push.
type Framer struct {
	format Format
	buf    []byte
}

func NewFramer(format Format) *Framer {
	return &Framer{format: format}
}

// Push appends pcm and returns every complete frame payload now available.
func (fr *Framer) Push(pcm []byte) [][]byte {
	fr.buf = append(fr.buf, pcm...)
	size := fr.format.PayloadBytes()
	var out [][]byte
	for len(fr.buf) >= size {
		frame := make([]byte, size)
		copy(frame, fr.buf[:size])
		out = append(out, frame)
		fr.buf = fr.buf[size:]
	}
	return out
}

// Tail zero-pads and returns the buffered remainder as a final frame, or nil
// when nothing is buffered.
func (fr *Framer) Tail() []byte {
	if len(fr.buf) == 0 {
		return nil
	}
	frame := make([]byte, fr.format.PayloadBytes())
	copy(frame, fr.buf)
	fr.buf = fr.buf[:0]
	return frame
}

// Reset drops any buffered remainder, used on barge-in.
func (fr *Framer) Reset() { fr.buf = fr.buf[:0] }
