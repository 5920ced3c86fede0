package audio

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, format Format, d time.Duration, amp float64) []byte {
	n := int(float64(format.SampleRate) * d.Seconds())
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(format.SampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*32767)))
	}
	return pcm
}

func TestWAVRoundTripKeepsFormatAndDuration(t *testing.T) {
	format := Format{SampleRate: 16000, Channels: 1}
	pcm := sine(440, format, 1500*time.Millisecond, 0.5)

	raw, err := EncodeWAV(pcm, format)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(raw[:4]))

	got, gotFormat, err := DecodeWAV(raw)
	require.NoError(t, err)
	assert.Equal(t, format, gotFormat)
	assert.Equal(t, pcm, got)

	d, err := WAVDuration(raw)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV([]byte("not a wav file at all"))
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestAnalyserLevelTracksLoudness(t *testing.T) {
	format := DefaultFormat
	quiet := NewAnalyser(DefaultFFTSize)
	loud := NewAnalyser(DefaultFFTSize)

	_, _ = quiet.Write(make([]byte, DefaultFFTSize*2))
	_, _ = loud.Write(sine(1000, format, 100*time.Millisecond, 0.9))

	assert.Equal(t, 0.0, quiet.MeanLevel())
	assert.Greater(t, loud.MeanLevel(), 10.0)

	loud.Close()
	assert.True(t, loud.Closed())
	assert.Equal(t, 0.0, loud.MeanLevel())
}
