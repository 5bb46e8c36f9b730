package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/agentplane/internal/models"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    Command
		wantErr bool
	}{
		{line: "start shop", want: Command{Name: "start", Args: []string{"shop"}}},
		{line: "  sync  ", want: Command{Name: "sync", Args: []string{}}},
		{line: `task shop post_product {"title":"Lamp","price":120}`, want: Command{
			Name:    "task",
			Args:    []string{"shop", "post_product"},
			Payload: map[string]any{"title": "Lamp", "price": 120.0},
		}},
		{line: "task shop", wantErr: true},
		{line: "task shop post {broken", wantErr: true},
		{line: "stop", wantErr: true},
		{line: "dance", wantErr: true},
		{line: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSuggestions(t *testing.T) {
	s := NewSuggestions()
	s.SetAgents([]string{"shop", "shopkeeper", "mihan"})

	s.Update("sta")
	require.True(t, s.IsVisible())
	assert.Equal(t, "start", s.Selected().Text)
	s.Next()
	assert.Equal(t, "start-all", s.Selected().Text)
	assert.Equal(t, "start-all ", s.Complete("sta"))

	s.Update("start sh")
	require.True(t, s.IsVisible())
	assert.Equal(t, "shop", s.Selected().Text)
	assert.Equal(t, "start shop ", s.Complete("start sh"))

	s.Update("sync sh")
	assert.False(t, s.IsVisible(), "sync takes vendors, not agents")

	s.Update("")
	assert.False(t, s.IsVisible())
	assert.Nil(t, s.Selected())
}

func TestAppUpdate(t *testing.T) {
	a := New("http://127.0.0.1:0")
	defer a.cancel()

	a.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	a.Update(agentsLoadedMsg{agents: []models.AgentSnapshot{
		{Name: "mihan", Status: models.AgentStatusIdle},
		{Name: "shop", Status: models.AgentStatusRunning},
	}})
	assert.Len(t, a.agents, 2)

	a.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, a.agentIdx)

	a.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, modeTasks, a.mode)
	a.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, modeEvents, a.mode)

	for i := 0; i < maxFeedEvents+5; i++ {
		a.Update(eventMsg{ev: models.Event{ID: "e", Type: models.EventCustom, Source: "cli"}})
	}
	assert.Len(t, a.events, maxFeedEvents)

	a.Update(errMsg{err: assert.AnError})
	assert.Contains(t, a.message, "Error")

	view := a.View()
	assert.Contains(t, view, "agentplane")
	assert.Contains(t, view, "[1/2 agents running]")
}

func TestClient(t *testing.T) {
	var lastBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.AgentSnapshot{{Name: "shop", Status: models.AgentStatusIdle}})
	})
	mux.HandleFunc("/agents/shop/start", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("/agents/broken/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"success":false}`))
	})
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewDecoder(r.Body).Decode(&lastBody)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(models.Task{ID: "task-1", AgentName: "shop", Status: models.TaskStatusPending})
			return
		}
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/tasks/nope/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"task not found"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	assert.True(t, c.Healthy())

	agents, err := c.Agents()
	require.NoError(t, err)
	require.Len(t, agents, 1)

	ok, err := c.StartAgent("shop")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.StartAgent("broken")
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := c.CreateTask("shop", "get_products", map[string]any{"limit": 5.0})
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "get_products", lastBody["task_type"])

	tasks, err := c.Tasks("failed")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	err = c.CancelTask("nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
