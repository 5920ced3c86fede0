package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern       = regexp.MustCompile(`https?://\S+`)
	speechLinkPattern      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	speechStageCuePattern  = regexp.MustCompile(`\*[^*\n]{1,40}\*|\[[^\]\n]{1,40}\]`)
	speechBulletPattern    = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+`)
	speechEmphasisReplacer = strings.NewReplacer("**", " ", "__", " ", "#", " ", "`", " ", "~", " ", "|", " ", "/", " ", "\\", " ")
)

// sanitizeSpeechText turns a chat reply into what the coach should say aloud.
// Links keep their label, short *stage cues* are dropped and list markers
// become pauses. Synthesis and lip-sync both receive this text so cue timing
// matches the audio.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechEmphasisReplacer.Replace(raw)
	raw = speechStageCuePattern.ReplaceAllString(raw, " ")
	raw = speechBulletPattern.ReplaceAllString(raw, ". ")

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r), r == '‍', r == '️':
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// Emoji and symbols.
			continue
		case r == '*' || r == '_' || r == '<' || r == '>':
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	out := strings.TrimSpace(b.String())
	out = strings.TrimLeft(out, ". ")
	return collapseSpacedPunctuation(out)
}

func collapseSpacedPunctuation(s string) string {
	return strings.NewReplacer(" .", ".", " ,", ",", " !", "!", " ?", "?", ". .", ".", "..", ".").Replace(s)
}
