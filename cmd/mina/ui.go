package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/session"
	"github.com/ent0n29/minacoach/internal/timer"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Bold(true).
			Padding(0, 1)

	coachStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)
)

func errorBanner(msg string) string {
	return bannerStyle.Render("! " + msg)
}

func coachPrefix() string { return coachStyle.Render("Mina:") + " " }

func userPrefix() string { return userStyle.Render("You:") + " " }

func hint(msg string) string { return hintStyle.Render(msg) }

func sessionHeader(duration, remaining int) string {
	return sectionStyle.Render("Coaching session with Mina") + "  " +
		hint(fmt.Sprintf("%s on the clock, %d %s left", timer.FormatSeconds(duration), remaining, plural(remaining, "session")))
}

func renderReport(r protocol.ReportData) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Session report"))
	b.WriteString("\n")
	if r.Summary != "" {
		b.WriteString(r.Summary + "\n")
	}
	if r.Mood != "" {
		b.WriteString(hint("Mood: ") + r.Mood + "\n")
	}
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(coachStyle.Render(title) + "\n")
		for _, it := range items {
			b.WriteString("  • " + it + "\n")
		}
	}
	list("Strengths", r.Strengths)
	list("Growth focus", r.GrowthFocus)
	list("Next actions", r.NextActions)
	return strings.TrimRight(b.String(), "\n")
}

func renderSummary(s *session.Summary) string {
	var lines []string
	switch s.Reason {
	case session.ReasonTimeUp:
		lines = append(lines, successStyle.Render("Time is up. Session ended."))
	default:
		lines = append(lines, successStyle.Render("Session ended."))
	}
	if s.QuotaErr != nil {
		lines = append(lines, errorBanner("Could not update your session count: "+s.QuotaErr.Error()))
	} else {
		lines = append(lines, hint(fmt.Sprintf("%d %s left", s.RemainingQuota, plural(s.RemainingQuota, "session"))))
	}
	if s.ReportErr != nil {
		lines = append(lines, errorBanner("Report unavailable: "+s.ReportErr.Error()))
	}
	return strings.Join(lines, "\n")
}

func renderStats(snap observability.TurnStageSnapshot) string {
	var b strings.Builder
	b.WriteString(sectionStyle.Render("Stage latency"))
	b.WriteString("\n")
	if len(snap.Stages) == 0 {
		b.WriteString(hint("no turns recorded"))
		return b.String()
	}
	for _, st := range snap.Stages {
		line := fmt.Sprintf("%-16s n=%-3d p50=%6.0fms p95=%6.0fms", st.Stage, st.Samples, st.P50MS, st.P95MS)
		if st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS {
			line += "  " + bannerStyle.Render(fmt.Sprintf("over %0.fms", st.TargetP95MS))
		}
		b.WriteString(line + "\n")
	}
	for _, ind := range snap.Indicators {
		b.WriteString(hint(fmt.Sprintf("%s: %d", ind.Name, ind.Count)) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
