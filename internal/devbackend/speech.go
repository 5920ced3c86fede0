package devbackend

import (
	"encoding/binary"
	"math"
	"strings"
	"unicode"

	"github.com/ent0n29/minacoach/internal/audio"
	"github.com/ent0n29/minacoach/internal/protocol"
)

// SpeechFormat is the format of synthesized replies.
var SpeechFormat = audio.Format{SampleRate: 22050, Channels: 1}

const (
	// wordFill is the share of a word slot that is voiced; the rest is the
	// pause before the next word.
	wordFill  = 0.85
	speechLag = 0.1
	speechEnd = 0.2
	toneHz    = 180.0
)

type wordSpan struct {
	word       string
	start, end float64
}

// speechTimeline lays words out at a steady rate. Audio and cues for the same
// text share it, so the mouth lines up with the sound.
func speechTimeline(text string, wpm int) ([]wordSpan, float64) {
	if wpm <= 0 {
		wpm = 160
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, 0.5
	}
	slot := 60.0 / float64(wpm)
	spans := make([]wordSpan, len(words))
	for i, w := range words {
		start := speechLag + float64(i)*slot
		spans[i] = wordSpan{word: w, start: start, end: start + slot*wordFill}
	}
	total := speechLag + float64(len(words))*slot + speechEnd
	return spans, total
}

// synthesize renders a hummed tone per word so playback has the length and
// loudness envelope of speech.
func synthesize(text string, wpm int) ([]byte, error) {
	spans, total := speechTimeline(text, wpm)
	rate := float64(SpeechFormat.SampleRate)
	n := int(math.Ceil(total * rate))
	pcm := make([]byte, n*2)
	for _, sp := range spans {
		from := int(sp.start * rate)
		to := int(sp.end * rate)
		if to > n {
			to = n
		}
		length := float64(to - from)
		for i := from; i < to; i++ {
			pos := float64(i-from) / length
			env := math.Sin(math.Pi * pos)
			v := 0.3 * env * math.Sin(2*math.Pi*toneHz*float64(i)/rate)
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*math.MaxInt16)))
		}
	}
	return audio.EncodeWAV(pcm, SpeechFormat)
}

// letterShape maps a letter to the mouth shape it is mostly spoken with.
func letterShape(r rune) string {
	switch r {
	case 'p', 'b', 'm':
		return "A"
	case 'e', 'i':
		return "C"
	case 'a':
		return "D"
	case 'o':
		return "E"
	case 'u', 'w', 'q':
		return "F"
	case 'f', 'v':
		return "G"
	case 'l':
		return "H"
	default:
		return "B"
	}
}

// cuesFor builds the lip-sync sequence for text. Every instant from zero to
// the end of the audio is covered; pauses are X.
func cuesFor(text string, wpm int) []protocol.MouthCue {
	spans, total := speechTimeline(text, wpm)

	type raw struct {
		start, end float64
		value      string
	}
	var seq []raw
	at := 0.0
	for _, sp := range spans {
		var letters []rune
		for _, r := range strings.ToLower(sp.word) {
			if unicode.IsLetter(r) {
				letters = append(letters, r)
			}
		}
		if len(letters) == 0 {
			continue
		}
		if sp.start > at {
			seq = append(seq, raw{at, sp.start, "X"})
		}
		step := (sp.end - sp.start) / float64(len(letters))
		for i, r := range letters {
			seq = append(seq, raw{sp.start + float64(i)*step, sp.start + float64(i+1)*step, letterShape(r)})
		}
		at = sp.end
	}
	seq = append(seq, raw{at, total, "X"})

	cues := make([]protocol.MouthCue, 0, len(seq))
	for _, c := range seq {
		start, end := round2(c.start), round2(c.end)
		if end <= start {
			continue
		}
		if k := len(cues); k > 0 && cues[k-1].Value == c.value && cues[k-1].End == start {
			cues[k-1].End = end
			continue
		}
		cues = append(cues, protocol.MouthCue{Start: start, End: end, Value: c.value})
	}
	return cues
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// silenceThreshold is the peak PCM16 amplitude below which a recording is
// treated as silence.
const silenceThreshold = 500

func isSilent(pcm []byte) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if v > silenceThreshold || v < -silenceThreshold {
			return false
		}
	}
	return true
}
