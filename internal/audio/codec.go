package audio

import (
	"fmt"

	"github.com/pion/rtp"
)

// Codec converts between Frame and RTP wire packets. It is stateless; the
// Channel owns sequence numbering.
type Codec struct {
	format Format
	ssrc   uint32
}

func NewCodec(format Format, ssrc uint32) Codec {
	return Codec{format: format, ssrc: ssrc}
}

// Encode marshals one outbound frame into an RTP packet.
func (c Codec) Encode(f Frame) ([]byte, error) {
	if len(f.PCM) != c.format.PayloadBytes() {
		return nil, fmt.Errorf("audio: payload size %d, want %d", len(f.PCM), c.format.PayloadBytes())
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    c.format.PayloadType,
			SequenceNumber: f.Seq,
			Timestamp:      f.Timestamp,
			SSRC:           c.ssrc,
		},
		Payload: f.PCM,
	}
	return pkt.Marshal()
}

// Decode parses an inbound RTP packet into a Frame. Packets with the wrong
// payload type or a truncated payload are rejected.
func (c Codec) Decode(buf []byte) (Frame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return Frame{}, fmt.Errorf("audio: unmarshal rtp: %w", err)
	}
	if pkt.PayloadType != c.format.PayloadType {
		return Frame{}, fmt.Errorf("audio: unexpected payload type %d", pkt.PayloadType)
	}
	if len(pkt.Payload) == 0 || len(pkt.Payload) > c.format.PayloadBytes() {
		return Frame{}, fmt.Errorf("audio: payload size %d out of range", len(pkt.Payload))
	}
	return Frame{
		Seq:       pkt.SequenceNumber,
		Timestamp: pkt.Timestamp,
		Dir:       Inbound,
		PCM:       pkt.Payload,
	}, nil
}
