package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/segloop/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusWorking  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPaused   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	noticeStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("208")).
			Padding(1, 2)
)

func (a *App) View() string {
	if !a.visible {
		return dimStyle.Render("segloop hidden  [v] show  [q] quit")
	}

	switch a.view {
	case ViewPlans:
		return a.viewPlans()
	case ViewRun:
		return a.viewRun()
	case ViewPrompt:
		return a.viewPrompt()
	case ViewNotice:
		return a.viewNotice()
	}
	return ""
}

func (a *App) viewPlans() string {
	s := titleStyle.Render("segloop") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	s += "Plans\n"
	s += "─────\n"
	if len(a.planNames) == 0 {
		s += "  (no plans found)\n"
	}
	for i, name := range a.planNames {
		line := fmt.Sprintf("%-24s %d segments", name, len(a.plans[name].Segments))
		if i == a.selectedIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}

	if len(a.history) > 0 {
		s += "\nRecent Runs\n"
		s += "───────────\n"
		for _, run := range a.history {
			s += "  " + formatRunLine(run) + "\n"
		}
	}

	s += "\n" + a.help.View(keys.plans())
	return s
}

func formatRunLine(run *models.RunRecord) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	progress := fmt.Sprintf("%d/%d", run.DoneCount, run.SegmentCount)
	return fmt.Sprintf("%-8s %-18s %s  %-7s %s", id, truncate(run.PlanName, 18), formatRunStatus(run.Status), progress, dimStyle.Render(formatAge(run.CreatedAt)))
}

func formatRunStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusWorking.Render("● running ")
	case models.RunStatusPaused:
		return statusPaused.Render("‖ paused  ")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed  ")
	default:
		return string(status)
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) viewRun() string {
	if !a.hasRun {
		return "No run yet"
	}
	snap := a.snapshot

	header := "Run"
	if snap.RunID != "" {
		header += " " + snap.RunID
	}
	state := statusPaused.Render("paused")
	switch {
	case snap.IsRunning:
		state = a.spinner.View() + statusWorking.Render("running")
	case snap.CurrentIndex == -1:
		state = statusComplete.Render("complete")
	}

	done := 0
	for _, seg := range snap.Segments {
		if seg.Status == models.SegmentStatusDone {
			done++
		}
	}

	s := titleStyle.Render(header) + "  " + state + "  " + dimStyle.Render(fmt.Sprintf("%d/%d done", done, len(snap.Segments))) + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	} else if a.status != "" {
		s += labelStyle.Render(a.status) + "\n\n"
	}

	for i, seg := range snap.Segments {
		marker := " "
		if i == snap.CurrentIndex {
			marker = "›"
		}
		line := fmt.Sprintf("%s%3d. %s %s", marker, i+1, segmentIcon(seg.Status), truncate(seg.Prompt, 50))
		if seg.ResultHandle != "" {
			line += "  " + dimStyle.Render(truncate(string(seg.ResultHandle), 30))
		}
		if !seg.Status.IsTerminal() && seg.Status != models.SegmentStatusPending && seg.Status != models.SegmentStatusWorking {
			line += "  " + statusPaused.Render(string(seg.Status))
		}

		if i == a.segmentIdx {
			line = selectedStyle.Render("▶" + line)
		} else {
			line = " " + line
		}
		s += line + "\n"
	}

	s += "\n" + a.help.View(keys.run())
	return s
}

func segmentIcon(status models.SegmentStatus) string {
	switch {
	case status == models.SegmentStatusDone:
		return statusComplete.Render("✓")
	case status == models.SegmentStatusWorking:
		return statusWorking.Render("●")
	case status == models.SegmentStatusError, status == models.SegmentStatusErrorModerated:
		return statusFailed.Render("✗")
	case status.IsPaused(), status.IsModerated():
		return statusPaused.Render("⚠")
	default:
		return dimStyle.Render("○")
	}
}

func (a *App) viewPrompt() string {
	title := fmt.Sprintf("Regenerate segment %d", a.segmentIdx+1)
	if a.cascade {
		title += " and everything after it"
	}
	s := titleStyle.Render(title) + "\n\n"
	s += a.input.View() + "\n\n"
	s += a.help.View(keys.prompt())
	return s
}

func (a *App) viewNotice() string {
	body := lipgloss.JoinVertical(lipgloss.Left,
		statusPaused.Bold(true).Render("Run paused"),
		"",
		wrap(a.notice, 60),
	)
	return noticeStyle.Render(body) + "\n\n" + a.help.View(keys.notice())
}

func wrap(s string, width int) string {
	var lines []string
	var line string
	for _, word := range strings.Fields(s) {
		if line != "" && len(line)+1+len(word) > width {
			lines = append(lines, line)
			line = word
			continue
		}
		if line != "" {
			line += " "
		}
		line += word
	}
	if line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
