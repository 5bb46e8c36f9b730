// Package tui provides the live terminal dashboard for agentplane.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/agentplane/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	agentOnlineStyle = lipgloss.NewStyle().
				Foreground(successColor).
				Bold(true)

	agentOfflineStyle = lipgloss.NewStyle().
				Foreground(errorColor)
)

const (
	modeAgents = "agents"
	modeTasks  = "tasks"
	modeEvents = "events"

	refreshInterval = 2 * time.Second
	maxFeedEvents   = 200
)

var modes = []string{modeAgents, modeTasks, modeEvents}

// App is the main TUI application model.
type App struct {
	client       *Client
	agents       []models.AgentSnapshot
	tasks        []models.Task
	events       []models.Event
	agentIdx     int
	taskIdx      int
	input        textinput.Model
	feed         viewport.Model
	width        int
	height       int
	mode         string
	message      string
	daemonOnline bool
	suggestions  *Suggestions

	ctx    context.Context
	cancel context.CancelFunc
	stream <-chan models.Event
}

type (
	agentsLoadedMsg  struct{ agents []models.AgentSnapshot }
	tasksLoadedMsg   struct{ tasks []models.Task }
	eventsLoadedMsg  struct{ events []models.Event }
	streamOpenedMsg  struct{ ch <-chan models.Event }
	eventMsg         struct{ ev models.Event }
	streamClosedMsg  struct{}
	daemonStatusMsg  struct{ online bool }
	tickMsg          time.Time
	commandResultMsg struct{ message string }
	errMsg           struct{ err error }
)

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "start <agent> | stop <agent> | task <agent> <type> [json] | sync"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		feed:        viewport.New(80, 20),
		mode:        modeAgents,
		suggestions: NewSuggestions(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	defer a.cancel()
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.checkDaemon(),
		a.fetchAgents(),
		a.fetchTasks(),
		a.fetchEvents(),
		a.openStream(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			a.cancel()
			return a, tea.Quit

		case "up":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Prev()
			case a.mode == modeAgents && a.agentIdx > 0:
				a.agentIdx--
			case a.mode == modeTasks && a.taskIdx > 0:
				a.taskIdx--
			case a.mode == modeEvents:
				a.feed.LineUp(1)
			}
			return a, nil

		case "down":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Next()
			case a.mode == modeAgents && a.agentIdx < len(a.agents)-1:
				a.agentIdx++
			case a.mode == modeTasks && a.taskIdx < len(a.tasks)-1:
				a.taskIdx++
			case a.mode == modeEvents:
				a.feed.LineDown(1)
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.input.SetValue(a.suggestions.Complete(a.input.Value()))
				a.input.CursorEnd()
				a.suggestions.Update("")
				return a, nil
			}
			a.mode = nextMode(a.mode)
			return a, nil

		case "enter":
			if a.suggestions.IsVisible() {
				a.input.SetValue(a.suggestions.Complete(a.input.Value()))
				a.input.CursorEnd()
				a.suggestions.Update("")
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				return a, a.executeCommand(line)
			}
			return a, a.activateSelection()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.feed.Width = msg.Width - 2
		a.feed.Height = max(msg.Height-10, 5)
		a.refreshFeed()

	case agentsLoadedMsg:
		a.agents = msg.agents
		if a.agentIdx >= len(a.agents) {
			a.agentIdx = max(0, len(a.agents)-1)
		}
		names := make([]string, len(a.agents))
		for i, ag := range a.agents {
			names[i] = ag.Name
		}
		a.suggestions.SetAgents(names)

	case tasksLoadedMsg:
		a.tasks = msg.tasks
		if a.taskIdx >= len(a.tasks) {
			a.taskIdx = max(0, len(a.tasks)-1)
		}

	case eventsLoadedMsg:
		a.events = msg.events
		a.refreshFeed()

	case streamOpenedMsg:
		a.stream = msg.ch
		return a, a.waitForEvent()

	case eventMsg:
		a.appendEvent(msg.ev)
		return a, a.waitForEvent()

	case streamClosedMsg:
		a.stream = nil

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		cmds = append(cmds, a.checkDaemon(), a.fetchAgents(), a.fetchTasks(), a.tickCmd())
		if a.stream == nil && a.daemonOnline {
			cmds = append(cmds, a.openStream())
		}
		return a, tea.Batch(cmds...)

	case commandResultMsg:
		a.message = msg.message
		return a, tea.Batch(a.fetchAgents(), a.fetchTasks())

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

func nextMode(current string) string {
	for i, m := range modes {
		if m == current {
			return modes[(i+1)%len(modes)]
		}
	}
	return modeAgents
}

func (a *App) appendEvent(ev models.Event) {
	a.events = append(a.events, ev)
	if len(a.events) > maxFeedEvents {
		a.events = a.events[len(a.events)-maxFeedEvents:]
	}
	a.refreshFeed()
}

func (a *App) refreshFeed() {
	lines := make([]string, len(a.events))
	for i, ev := range a.events {
		lines[i] = formatEvent(ev)
	}
	atBottom := a.feed.AtBottom()
	a.feed.SetContent(strings.Join(lines, "\n"))
	if atBottom {
		a.feed.GotoBottom()
	}
}

// activateSelection toggles the selected agent or executes the selected task.
func (a *App) activateSelection() tea.Cmd {
	switch a.mode {
	case modeAgents:
		if len(a.agents) == 0 {
			return nil
		}
		ag := a.agents[a.agentIdx]
		if ag.Status == models.AgentStatusRunning {
			return a.executeCommand("stop " + ag.Name)
		}
		return a.executeCommand("start " + ag.Name)
	case modeTasks:
		if len(a.tasks) == 0 {
			return nil
		}
		return a.executeCommand("exec " + a.tasks[a.taskIdx].ID)
	}
	return nil
}

// Command is a parsed command bar line.
type Command struct {
	Name    string
	Args    []string
	Payload map[string]any
}

// ParseCommand splits a command line. A trailing JSON object on "task" is
// decoded as the payload.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, fmt.Errorf("empty command")
	}
	var payload map[string]any
	if i := strings.Index(line, "{"); i >= 0 {
		if err := json.Unmarshal([]byte(line[i:]), &payload); err != nil {
			return Command{}, fmt.Errorf("invalid payload: %w", err)
		}
		line = strings.TrimSpace(line[:i])
	}
	parts := strings.Fields(line)
	cmd := Command{Name: parts[0], Args: parts[1:], Payload: payload}

	need := map[string]int{"start": 1, "stop": 1, "task": 2, "exec": 1, "cancel": 1}
	if n, ok := need[cmd.Name]; ok && len(cmd.Args) < n {
		return Command{}, fmt.Errorf("%s needs %d argument(s)", cmd.Name, n)
	}
	switch cmd.Name {
	case "start", "stop", "start-all", "stop-all", "task", "exec", "cancel", "sync":
		return cmd, nil
	}
	return Command{}, fmt.Errorf("unknown command %q", cmd.Name)
}

func (a *App) executeCommand(line string) tea.Cmd {
	parsed, err := ParseCommand(line)
	if err != nil {
		return func() tea.Msg { return errMsg{err} }
	}

	return func() tea.Msg {
		switch parsed.Name {
		case "start", "stop":
			name := parsed.Args[0]
			op := a.client.StartAgent
			if parsed.Name == "stop" {
				op = a.client.StopAgent
			}
			ok, err := op(name)
			if err != nil {
				return errMsg{err}
			}
			if !ok {
				return commandResultMsg{fmt.Sprintf("✗ %s %s failed", parsed.Name, name)}
			}
			return commandResultMsg{fmt.Sprintf("✓ %s %s", parsed.Name, name)}

		case "start-all", "stop-all":
			op := a.client.StartAll
			if parsed.Name == "stop-all" {
				op = a.client.StopAll
			}
			results, err := op()
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{summarize(parsed.Name, results)}

		case "task":
			task, err := a.client.CreateTask(parsed.Args[0], parsed.Args[1], parsed.Payload)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Created task %s", shortID(task.ID))}

		case "exec":
			res, err := a.client.ExecuteTask(parsed.Args[0])
			if err != nil {
				return errMsg{err}
			}
			if !res.Success {
				return commandResultMsg{"✗ Task failed: " + res.Error}
			}
			return commandResultMsg{"✓ Task completed"}

		case "cancel":
			if err := a.client.CancelTask(parsed.Args[0]); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ Task cancelled"}

		case "sync":
			if len(parsed.Args) > 0 {
				res, err := a.client.SyncVendor(parsed.Args[0])
				if err != nil {
					return errMsg{err}
				}
				if !res.Success {
					return commandResultMsg{fmt.Sprintf("✗ %s: %s", res.VendorName, res.Error)}
				}
				return commandResultMsg{fmt.Sprintf("✓ %s: %d orders, %d new", res.VendorName, res.OrdersCount, res.NewOrders)}
			}
			summary, err := a.client.Sync()
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Synced %d/%d vendors", summary.Successful, summary.TotalVendors)}
		}
		return nil
	}
}

func summarize(op string, results map[string]bool) string {
	var ok, failed []string
	for name, success := range results {
		if success {
			ok = append(ok, name)
		} else {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	msg := fmt.Sprintf("✓ %s: %d ok", op, len(ok))
	if len(failed) > 0 {
		msg += ", failed: " + strings.Join(failed, ", ")
	}
	return msg
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (a *App) fetchAgents() tea.Cmd {
	return func() tea.Msg {
		agents, err := a.client.Agents()
		if err != nil {
			return errMsg{err}
		}
		return agentsLoadedMsg{agents}
	}
}

func (a *App) fetchTasks() tea.Cmd {
	return func() tea.Msg {
		tasks, err := a.client.Tasks("")
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchEvents() tea.Cmd {
	return func() tea.Msg {
		events, err := a.client.Events(maxFeedEvents)
		if err != nil {
			return errMsg{err}
		}
		return eventsLoadedMsg{events}
	}
}

func (a *App) openStream() tea.Cmd {
	return func() tea.Msg {
		ch, err := a.client.StreamEvents(a.ctx)
		if err != nil {
			return streamClosedMsg{}
		}
		return streamOpenedMsg{ch}
	}
}

func (a *App) waitForEvent() tea.Cmd {
	ch := a.stream
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{ev}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		return daemonStatusMsg{online: a.client.Healthy()}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
