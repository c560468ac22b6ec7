package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

// wavHeaderSize is the RIFF header plus the fmt and data chunk
// preambles for 16-bit mono PCM.
const wavHeaderSize = 44

// EncodeWAVPCM16LE wraps raw PCM16LE mono samples in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono samples to path as a WAV
// file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVPCM16LETo(f, pcm, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteWAVPCM16LETo streams a WAV container (16-bit mono PCM) to out.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	const bytesPerFrame = 2 // one 16-bit sample, one channel

	var hdr [wavHeaderSize]byte
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(wavHeaderSize-8+len(pcm)))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16) // fmt chunk size for PCM
	binary.LittleEndian.PutUint16(hdr[20:], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(hdr[22:], 1)  // channels
	binary.LittleEndian.PutUint32(hdr[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(sampleRate*bytesPerFrame))
	binary.LittleEndian.PutUint16(hdr[32:], bytesPerFrame)
	binary.LittleEndian.PutUint16(hdr[34:], 16) // bits per sample
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(len(pcm)))

	if _, err := out.Write(hdr[:]); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}
