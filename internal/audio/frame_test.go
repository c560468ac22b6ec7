package audio

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec(4, 4096, 16000)
	pcm := []byte{1, 2, 3, 4, 5, 6}
	buf := c.Encode(42, pcm)

	f, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Seq != 42 {
		t.Fatalf("Seq = %d, want 42", f.Seq)
	}
	if !bytes.Equal(f.PCM, pcm) {
		t.Fatalf("PCM = %v, want %v", f.PCM, pcm)
	}
}

func TestCodecRejectsShortBuffer(t *testing.T) {
	c := NewCodec(4, 4096, 16000)
	if _, err := c.Decode([]byte{0, 1}); !errors.Is(err, ErrFrameTooShort) {
		t.Fatalf("error = %v, want ErrFrameTooShort", err)
	}
}

func TestCodecEnforcesSizeWindow(t *testing.T) {
	c := NewCodec(160, 3200, 16000)

	tiny := c.Encode(1, make([]byte, 8))
	if _, err := c.Decode(tiny); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("tiny frame error = %v, want ErrFrameSize", err)
	}

	huge := c.Encode(2, make([]byte, 64000))
	if _, err := c.Decode(huge); !errors.Is(err, ErrFrameSize) {
		t.Fatalf("oversized frame error = %v, want ErrFrameSize", err)
	}

	ok := c.Encode(3, make([]byte, 3200))
	if _, err := c.Decode(ok); err != nil {
		t.Fatalf("in-window frame error = %v", err)
	}
}

func TestCodecDuration(t *testing.T) {
	c := NewCodec(4, 64000, 16000)
	// 3200 bytes of PCM16 mono at 16kHz is 100ms.
	got := c.Duration(make([]byte, 3200))
	if math.Abs(got-0.1) > 1e-9 {
		t.Fatalf("Duration = %v, want 0.1", got)
	}
}
