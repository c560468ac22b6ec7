package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frames are binary websocket messages: a 4-byte big-endian sequence
// number followed by raw PCM16LE mono samples. Sequence numbers are
// monotonic per direction and let both sides detect gaps after a
// reconnect.
const FrameHeaderSize = 4

var (
	ErrFrameTooShort = errors.New("frame shorter than header")
	ErrFrameSize     = errors.New("frame payload outside accepted size window")
)

type Frame struct {
	Seq uint32
	PCM []byte
}

// Codec validates and normalizes raw audio chunks before they enter the
// pipeline. Payloads outside the configured window are rejected, never
// relayed.
type Codec struct {
	MinPayloadBytes int
	MaxPayloadBytes int
	SampleRate      int
}

func NewCodec(minBytes, maxBytes, sampleRate int) Codec {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return Codec{MinPayloadBytes: minBytes, MaxPayloadBytes: maxBytes, SampleRate: sampleRate}
}

func (c Codec) Decode(buf []byte) (Frame, error) {
	if len(buf) < FrameHeaderSize {
		return Frame{}, ErrFrameTooShort
	}
	payload := buf[FrameHeaderSize:]
	if len(payload) < c.MinPayloadBytes || len(payload) > c.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameSize, len(payload))
	}
	return Frame{
		Seq: binary.BigEndian.Uint32(buf[:FrameHeaderSize]),
		PCM: payload,
	}, nil
}

func (c Codec) Encode(seq uint32, pcm []byte) []byte {
	out := make([]byte, FrameHeaderSize+len(pcm))
	binary.BigEndian.PutUint32(out[:FrameHeaderSize], seq)
	copy(out[FrameHeaderSize:], pcm)
	return out
}

// Duration reports the playback length of a PCM16LE mono payload.
func (c Codec) Duration(pcm []byte) float64 {
	samples := len(pcm) / 2
	return float64(samples) / float64(c.SampleRate)
}
