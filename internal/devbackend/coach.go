package devbackend

import (
	"fmt"
	"strings"

	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/store"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// theme is a topic the mock coach recognizes in what the user says.
type theme struct {
	name     string
	keywords []string
	reply    string
	mood     string
	growth   string
	action   string
}

var themes = []theme{
	{
		name:     "anxiety",
		keywords: []string{"anxious", "anxiety", "nervous", "worried", "worry", "panic"},
		reply:    "It sounds like anxiety is weighing on you, %s. Let's slow down and take one deep breath together. What is the worry that feels loudest right now?",
		mood:     "anxious",
		growth:   "Noticing anxious thoughts early and naming them",
		action:   "Try a two-minute breathing pause when the worry starts to build",
	},
	{
		name:     "stress",
		keywords: []string{"stress", "stressed", "overwhelmed", "busy", "deadline", "work"},
		reply:    "That sounds like a lot to carry, %s. When everything feels urgent, it helps to pick just one thing. Which part of this would make the biggest difference if it got lighter?",
		mood:     "stretched",
		growth:   "Separating what is urgent from what is important",
		action:   "Write down the one task that matters most tomorrow",
	},
	{
		name:     "sadness",
		keywords: []string{"sad", "down", "lonely", "tired", "hopeless", "low"},
		reply:    "I'm really glad you told me, %s. Feeling low can make everything heavier. What is one small thing that usually brings you even a little comfort?",
		mood:     "low",
		growth:   "Being gentle with yourself on hard days",
		action:   "Reach out to one person you trust this week",
	},
	{
		name:     "progress",
		keywords: []string{"better", "good", "happy", "proud", "excited", "grateful"},
		reply:    "That's wonderful to hear, %s. Let's make sure we notice it. What do you think helped things go well?",
		mood:     "hopeful",
		growth:   "Building on what already works",
		action:   "Note three things that went well at the end of each day",
	},
}

const (
	defaultReply = "Thank you for sharing that with me, %s. Tell me a little more about how that has been for you."
	closingReply = "Thank you for spending this time with me, %s. You did real work today. Take good care of yourself, and I'll be here for our next session."
)

func matchThemes(text string) []theme {
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != '\''
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	var out []theme
	for _, th := range themes {
		for _, k := range th.keywords {
			if set[k] {
				out = append(out, th)
				break
			}
		}
	}
	return out
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "friend"
	}
	return name
}

// coachReply picks the mock coach's answer to one message.
func coachReply(message, userName string, isEnd bool) string {
	name := displayName(userName)
	if isEnd {
		return fmt.Sprintf(closingReply, name)
	}
	if matched := matchThemes(message); len(matched) > 0 {
		return fmt.Sprintf(matched[0].reply, name)
	}
	return fmt.Sprintf(defaultReply, name)
}

// tokenize splits a reply into the chunks a streamed answer is sent in.
func tokenize(text string) []string {
	parts := strings.SplitAfter(text, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildReport summarizes a session from its transcript.
func buildReport(turns []store.Turn, userName string) protocol.ReportData {
	var (
		said      []string
		exchanges int
	)
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		exchanges++
		said = append(said, t.Content)
	}
	matched := matchThemes(strings.Join(said, " "))

	report := protocol.ReportData{
		Strengths: []string{"Showing up for your session and speaking openly"},
		Mood:      "reflective",
		Extra:     map[string]any{"exchanges": exchanges},
	}
	if exchanges > 2 {
		report.Strengths = append(report.Strengths, "Staying with difficult topics instead of moving on")
	}

	topics := make([]string, 0, len(matched))
	for _, th := range matched {
		topics = append(topics, th.name)
		report.GrowthFocus = append(report.GrowthFocus, th.growth)
		report.NextActions = append(report.NextActions, th.action)
	}
	if len(matched) > 0 {
		report.Mood = matched[0].mood
	} else {
		report.GrowthFocus = []string{"Putting feelings into words"}
		report.NextActions = []string{"Spend five minutes journaling about today's conversation"}
	}

	name := displayName(userName)
	switch {
	case len(topics) > 0:
		report.Summary = fmt.Sprintf("%s and Mina talked about %s over %d %s.", name, strings.Join(topics, " and "), exchanges, plural(exchanges, "exchange"))
	default:
		report.Summary = fmt.Sprintf("%s and Mina had %d %s.", name, exchanges, plural(exchanges, "exchange"))
	}
	return report
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
