package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/agentplane/internal/models"
)

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := agentOnlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = agentOfflineStyle.Render("○ DAEMON")
	}
	running := 0
	for _, ag := range a.agents {
		if ag.Status == models.AgentStatusRunning {
			running++
		}
	}
	streamStatus := lipgloss.NewStyle().Foreground(mutedColor).Render("○ feed")
	if a.stream != nil {
		streamStatus = lipgloss.NewStyle().Foreground(successColor).Render("● feed")
	}

	header := titleStyle.Render("agentplane")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d/%d agents running]", running, len(a.agents)))
	header += "  " + streamStatus
	b.WriteString(header + "\n")
	b.WriteString(a.renderTabs() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := max(a.height-9, 5)
	switch a.mode {
	case modeAgents:
		b.WriteString(a.renderAgents(contentHeight))
	case modeTasks:
		b.WriteString(a.renderTasks(contentHeight))
	case modeEvents:
		b.WriteString(a.feed.View())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") || strings.HasPrefix(a.message, "✗") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeAgents:
		status = fmt.Sprintf(" Agents: %d | ↑↓:nav | Enter:start/stop | Tab:tasks | Ctrl+C:quit", len(a.agents))
	case modeTasks:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:execute | Tab:events | Ctrl+C:quit", len(a.tasks))
	case modeEvents:
		status = fmt.Sprintf(" Events: %d | ↑↓:scroll | Tab:agents | Ctrl+C:quit", len(a.events))
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func (a *App) renderTabs() string {
	tabs := make([]string, len(modes))
	for i, m := range modes {
		label := strings.ToUpper(m)
		if m == a.mode {
			tabs[i] = selectedStyle.Render(label)
		} else {
			tabs[i] = taskItemStyle.Foreground(mutedColor).Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (a *App) renderAgents(height int) string {
	if len(a.agents) == 0 {
		return "\n  No agents registered. Add them to ~/.agentplane/config.yaml.\n"
	}

	lines := make([]string, 0, len(a.agents))
	for i, ag := range a.agents {
		row := fmt.Sprintf("%-16s %-12s %-11s %s  errors:%d",
			ag.Name, ag.Platform, string(ag.Type), formatAgentStatus(ag.Status), ag.ErrorCount)
		if i == a.agentIdx {
			lines = append(lines, selectedStyle.Render("▶ "+row))
		} else {
			lines = append(lines, taskItemStyle.Render("  "+row))
		}
	}
	return strings.Join(window(lines, a.agentIdx, height), "\n")
}

func (a *App) renderTasks(height int) string {
	if len(a.tasks) == 0 {
		return "\n  No tasks. Type: task <agent> <type> [json]\n"
	}

	lines := make([]string, 0, len(a.tasks))
	for i, t := range a.tasks {
		row := fmt.Sprintf("%s  %-8s p%-2d %-14s %s", formatTaskStatus(t.Status), shortID(t.ID), t.Priority, t.AgentName, t.TaskType)
		if t.RetryCount > 0 {
			row += fmt.Sprintf("  retries:%d/%d", t.RetryCount, t.MaxRetries)
		}
		if t.Error != "" {
			row += "  " + lipgloss.NewStyle().Foreground(errorColor).Render(truncate(t.Error, 40))
		}
		if i == a.taskIdx {
			lines = append(lines, selectedStyle.Render("▶ "+row))
		} else {
			lines = append(lines, taskItemStyle.Render("  "+row))
		}
	}
	return strings.Join(window(lines, a.taskIdx, height), "\n")
}

// window keeps the selected line visible within height lines.
func window(lines []string, selected, height int) []string {
	if len(lines) <= height {
		return lines
	}
	start := max(selected-height/2, 0)
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = max(0, end-height)
	}
	return lines[start:end]
}

func formatAgentStatus(s models.AgentStatus) string {
	switch s {
	case models.AgentStatusRunning:
		return lipgloss.NewStyle().Foreground(successColor).Render("● running")
	case models.AgentStatusIdle:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render("◐ idle   ")
	case models.AgentStatusPaused:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◑ paused ")
	case models.AgentStatusError:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ error  ")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○ offline")
	}
}

func formatTaskStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusPending:
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING  ")
	case models.TaskStatusRunning:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING  ")
	case models.TaskStatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE     ")
	case models.TaskStatusFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED   ")
	case models.TaskStatusPaused:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render("◐ PAUSED   ")
	case models.TaskStatusCancelled:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("– CANCELLED")
	default:
		return string(s)
	}
}

func formatEvent(ev models.Event) string {
	color := mutedColor
	switch ev.Type {
	case models.EventAgentError, models.EventTaskFailed:
		color = errorColor
	case models.EventSaleRecorded, models.EventTaskCompleted:
		color = successColor
	case models.EventAgentStarted, models.EventAgentStopped:
		color = cyanColor
	}
	line := fmt.Sprintf("%s %-18s %-14s", ev.Timestamp.Local().Format("15:04:05"),
		lipgloss.NewStyle().Foreground(color).Render(string(ev.Type)), ev.Source)
	if len(ev.Data) > 0 {
		line += " " + helpStyle.Render(truncate(formatData(ev.Data), 80))
	}
	return line
}

func formatData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, data[k])
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
