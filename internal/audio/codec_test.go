package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFormat() Format {
	return Format{SampleRate: 8000, FrameDuration: 20 * time.Millisecond, PayloadType: 118}
}

func TestFormat_FrameSizes(t *testing.T) {
	f := testFormat()
	assert.Equal(t, 160, f.SamplesPerFrame())
	assert.Equal(t, 320, f.PayloadBytes())
}

func TestCodec_EncodeDecode(t *testing.T) {
	c := NewCodec(testFormat(), 0xCAFE)
	pcm := make([]byte, 320)
	pcm[0] = 0x7F
	pcm[319] = 0x01

	wire, err := c.Encode(Frame{Seq: 42, Timestamp: 16000, PCM: pcm})
	require.NoError(t, err)

	got, err := c.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), got.Seq)
	assert.Equal(t, uint32(16000), got.Timestamp)
	assert.Equal(t, Inbound, got.Dir)
	assert.Equal(t, pcm, got.PCM)
}

func TestCodec_EncodeRejectsWrongPayloadSize(t *testing.T) {
	c := NewCodec(testFormat(), 1)
	_, err := c.Encode(Frame{PCM: make([]byte, 100)})
	assert.Error(t, err)
}

func TestCodec_DecodeRejectsGarbage(t *testing.T) {
	c := NewCodec(testFormat(), 1)

	_, err := c.Decode([]byte{0x00, 0x01})
	assert.Error(t, err, "truncated header")

	// Valid packet with a foreign payload type.
	other := NewCodec(Format{SampleRate: 8000, FrameDuration: 20 * time.Millisecond, PayloadType: 0}, 1)
	wire, err := other.Encode(Frame{PCM: make([]byte, 320)})
	require.NoError(t, err)
	_, err = c.Decode(wire)
	assert.Error(t, err)
}

func TestFramer_CutsAndBuffers(t *testing.T) {
	fr := NewFramer(testFormat())

	frames := fr.Push(make([]byte, 100))
	assert.Empty(t, frames, "partial frame must stay buffered")

	frames = fr.Push(make([]byte, 320))
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], 320)

	// 100 bytes remain buffered; Tail pads them to a full frame.
	tail := fr.Tail()
	require.NotNil(t, tail)
	assert.Len(t, tail, 320)
	assert.Nil(t, fr.Tail(), "second tail must be empty")
}

func TestFramer_ResetDropsRemainder(t *testing.T) {
	fr := NewFramer(testFormat())
	fr.Push(make([]byte, 50))
	fr.Reset()
	assert.Nil(t, fr.Tail())
}
