package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands and agent names.
type Suggestions struct {
	items       []SuggestionItem
	filtered    []SuggestionItem
	selectedIdx int
	visible     bool
}

// SuggestionItem represents a single autocomplete suggestion.
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command" or "agent"
}

var commandSuggestions = []SuggestionItem{
	{Text: "start", Description: "Start an agent", Type: "command"},
	{Text: "stop", Description: "Stop an agent", Type: "command"},
	{Text: "start-all", Description: "Start every agent", Type: "command"},
	{Text: "stop-all", Description: "Stop every running agent", Type: "command"},
	{Text: "task", Description: "Submit a task: task <agent> <type> [json]", Type: "command"},
	{Text: "exec", Description: "Execute a pending task now", Type: "command"},
	{Text: "cancel", Description: "Cancel a task", Type: "command"},
	{Text: "sync", Description: "Sync all vendors, or one: sync <vendor>", Type: "command"},
}

const maxVisibleSuggestions = 6

// NewSuggestions creates a new suggestions handler.
func NewSuggestions() *Suggestions {
	return &Suggestions{items: commandSuggestions}
}

// SetAgents adds agent names as completions for the second word.
func (s *Suggestions) SetAgents(names []string) {
	items := make([]SuggestionItem, 0, len(commandSuggestions)+len(names))
	items = append(items, commandSuggestions...)
	for _, n := range names {
		items = append(items, SuggestionItem{Text: n, Description: "agent", Type: "agent"})
	}
	s.items = items
}

// Update recomputes suggestions for the current input.
func (s *Suggestions) Update(input string) {
	s.filtered = nil
	s.selectedIdx = 0
	s.visible = false
	if input == "" {
		return
	}

	words := strings.Fields(input)
	trailingSpace := strings.HasSuffix(input, " ")
	var want, prefix string
	switch {
	case len(words) == 1 && !trailingSpace:
		want, prefix = "command", words[0]
	case (len(words) == 1 && trailingSpace) || (len(words) == 2 && !trailingSpace):
		if words[0] != "start" && words[0] != "stop" && words[0] != "task" {
			return
		}
		want = "agent"
		if len(words) == 2 {
			prefix = words[1]
		}
	default:
		return
	}

	for _, item := range s.items {
		if item.Type == want && strings.HasPrefix(item.Text, prefix) && item.Text != prefix {
			s.filtered = append(s.filtered, item)
		}
	}
	s.visible = len(s.filtered) > 0
}

// Complete returns input with the selected suggestion applied.
func (s *Suggestions) Complete(input string) string {
	sel := s.Selected()
	if sel == nil {
		return input
	}
	words := strings.Fields(input)
	if sel.Type == "command" || len(words) == 0 {
		return sel.Text + " "
	}
	return words[0] + " " + sel.Text + " "
}

// IsVisible returns whether suggestions should be shown.
func (s *Suggestions) IsVisible() bool { return s.visible }

// Selected returns the highlighted suggestion.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// Next moves the selection down.
func (s *Suggestions) Next() {
	if len(s.filtered) > 0 {
		s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
	}
}

// Prev moves the selection up.
func (s *Suggestions) Prev() {
	if len(s.filtered) > 0 {
		s.selectedIdx = (s.selectedIdx - 1 + len(s.filtered)) % len(s.filtered)
	}
}

// Render draws the dropdown.
func (s *Suggestions) Render(width int) string {
	if !s.visible {
		return ""
	}
	var lines []string
	for i, item := range s.filtered {
		if i >= maxVisibleSuggestions {
			lines = append(lines, helpStyle.Render(fmt.Sprintf("  … %d more", len(s.filtered)-i)))
			break
		}
		desc := lipgloss.NewStyle().Foreground(mutedColor).Render(item.Description)
		if i == s.selectedIdx {
			lines = append(lines, selectedStyle.Render(item.Text)+" "+desc)
		} else {
			lines = append(lines, taskItemStyle.Render(item.Text)+" "+desc)
		}
	}
	return panelStyle.Width(max(width-4, 20)).Render(strings.Join(lines, "\n"))
}
