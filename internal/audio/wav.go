package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// WAVMimeType is the mime type reported to the transcription endpoint.
const WAVMimeType = "audio/wav"

var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// Format describes PCM16 little-endian audio.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is what the recorder captures when a source does not say.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

func (f Format) normalized() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultFormat.Channels
	}
	return f
}

// BytesPerSecond is the PCM16 byte rate for the format.
func (f Format) BytesPerSecond() int {
	f = f.normalized()
	return f.SampleRate * f.Channels * 2
}

// Duration is the play time of n bytes of PCM16 audio.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	return time.Duration(float64(n) / float64(bps) * float64(time.Second))
}

// EncodeWAV wraps raw PCM16LE audio in a WAV container.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, pcm, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAV writes raw PCM16LE audio to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, format Format) error {
	const (
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	format = format.normalized()

	dataSize := uint32(len(pcm))
	byteRate := uint32(format.BytesPerSecond())
	blockAlign := uint16(format.Channels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	fields := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(audioFormat), uint16(format.Channels),
		uint32(format.SampleRate), byteRate, blockAlign, uint16(bitsPerSample),
		[]byte("data"), dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV extracts PCM16LE samples and format from a WAV container. Chunks
// other than fmt and data are skipped.
func DecodeWAV(raw []byte) ([]byte, Format, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	var (
		format  Format
		haveFmt bool
		pos     = 12
	)
	for pos+8 <= len(raw) {
		id := string(raw[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(raw[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(raw) {
			// Streaming encoders sometimes leave the data size unset.
			end = len(raw)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, Format{}, fmt.Errorf("audio: short fmt chunk")
			}
			if tag := binary.LittleEndian.Uint16(raw[body : body+2]); tag != 1 {
				return nil, Format{}, fmt.Errorf("audio: unsupported wav encoding %d", tag)
			}
			format.Channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(raw[body+14 : body+16]); bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("audio: data chunk before fmt chunk")
			}
			return raw[body:end], format.normalized(), nil
		}
		pos = end + size%2
	}
	return nil, Format{}, fmt.Errorf("audio: missing data chunk")
}

// WAVDuration reports the play time of a WAV payload.
func WAVDuration(raw []byte) (time.Duration, error) {
	pcm, format, err := DecodeWAV(raw)
	if err != nil {
		return 0, err
	}
	return format.Duration(len(pcm)), nil
}
