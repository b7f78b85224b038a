package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/modoterra/onair/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	stateLive    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stateRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	stateOffline = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// detail fields shown first, in this order
var knownStats = []string{"status", "current_video", "video_count", "uptime", "last_restart", "next_restart"}

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	statusBarH := 2
	logPaneH := max(a.height/3, 5)
	mainH := a.height - logPaneH - statusBarH - 2
	listW := a.width*2/5 - 2
	detailW := a.width - listW - 4

	list := a.renderList(listW, mainH)
	listPane := a.paneBox(PaneList, " Channels ", list, listW, mainH)

	detail := a.renderDetail(detailW, mainH)
	detailPane := a.paneBox(PaneDetail, " Detail ", detail, detailW, mainH)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)

	logs := a.renderLogs(a.width-4, logPaneH)
	logPane := a.paneBox(PaneLogs, a.logTitle(), logs, a.width-4, logPaneH)

	statusBar := a.renderStatusBar()

	return lipgloss.JoinVertical(lipgloss.Left, topRow, logPane, statusBar)
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) renderList(w, h int) string {
	channels := a.filteredChannels()
	if len(channels) == 0 {
		if !a.connected {
			return dimStyle.Render("not connected")
		}
		return dimStyle.Render("no channels")
	}

	var b strings.Builder
	maxVisible := h - 2
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}

	for i := start; i < len(channels) && i-start < maxVisible; i++ {
		st := channels[i]
		name := truncate(st.Name, w-14)
		line := fmt.Sprintf(" %s %-*s %s", stateIndicator(st), w-14, name, st.State())

		if i == a.selectedIdx {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}

	if a.mode == ModeSearch {
		b.WriteString("\n" + a.search.View())
	}

	return b.String()
}

func (a App) renderDetail(w, h int) string {
	st := a.selectedChannel()
	if st == nil {
		return dimStyle.Render("select a channel")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Channel:   %s\n", st.Name)
	fmt.Fprintf(&b, "State:     %s\n", colorState(*st))
	if st.PID > 0 {
		fmt.Fprintf(&b, "PID:       %d\n", st.PID)
	}
	if st.LastActivity != "" {
		fmt.Fprintf(&b, "Activity:  %s\n", st.LastActivity)
	}
	if cmd := st.Field("cmdline"); cmd != "" {
		fmt.Fprintf(&b, "Command:   %s\n", dimStyle.Render(truncate(cmd, w-11)))
	}

	if len(a.stats) > 0 {
		b.WriteString("\n")
		for _, line := range statsLines(a.stats) {
			b.WriteString(truncate(line, w) + "\n")
		}
	}

	return b.String()
}

// statsLines renders snapshot fields, well-known ones first.
func statsLines(stats map[string]any) []string {
	var lines []string
	seen := make(map[string]bool)
	for _, k := range knownStats {
		if v, ok := stats[k]; ok {
			lines = append(lines, fmt.Sprintf("%-14s %s", k+":", formatValue(k, v)))
			seen[k] = true
		}
	}

	var rest []string
	for k := range stats {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		lines = append(lines, fmt.Sprintf("%-14s %s", k+":", formatValue(k, stats[k])))
	}
	return lines
}

func formatValue(key string, v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case float64:
		if key == "uptime" {
			return formatDuration(uint64(max(v, 0)))
		}
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	default:
		return fmt.Sprint(v)
	}
}

func (a App) renderLogs(w, h int) string {
	if len(a.logLines) == 0 {
		return dimStyle.Render("no log output")
	}

	start := 0
	if len(a.logLines) > h-1 {
		start = len(a.logLines) - h + 1
	}

	var b strings.Builder
	for i := start; i < len(a.logLines); i++ {
		b.WriteString(truncate(a.logLines[i], w) + "\n")
	}
	return b.String()
}

func (a App) logTitle() string {
	title := " Logs "
	if a.logChannel != "" {
		title = " Logs: " + a.logChannel + " "
	}
	if a.logPaused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	right := "j/k:nav tab:pane /:search s:stop r:restart R:reload space:pause q:quit"
	switch a.mode {
	case ModeSearch:
		right = "enter:apply esc:cancel"
	case ModeConfirm:
		right = "y:confirm any:cancel"
	}

	gap := a.width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func stateIndicator(st core.ChannelStatus) string {
	switch st.State() {
	case "live":
		return stateLive.Render("●")
	case "running":
		return stateRunning.Render("◐")
	default:
		return stateOffline.Render("○")
	}
}

func colorState(st core.ChannelStatus) string {
	switch st.State() {
	case "live":
		return stateLive.Render("on air")
	case "running":
		return stateRunning.Render("running, not streaming")
	default:
		return stateOffline.Render("offline")
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(sec uint64) string {
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	if sec < 3600 {
		return fmt.Sprintf("%dm%ds", sec/60, sec%60)
	}
	return fmt.Sprintf("%dh%dm", sec/3600, (sec%3600)/60)
}
