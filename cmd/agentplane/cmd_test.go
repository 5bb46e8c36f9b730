package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/agentplane/internal/config"
	"github.com/fentz26/agentplane/internal/controlplane"
	"github.com/fentz26/agentplane/internal/models"
)

func withAPI(t *testing.T, h http.Handler) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	prev := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() { apiAddr = prev })
}

func TestAPIGet_DecodesBody(t *testing.T) {
	withAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/abc", r.URL.Path)
		w.Write([]byte(`{"id":"abc","agent_name":"shop","status":"pending"}`))
	}))

	var task models.Task
	require.NoError(t, apiGet("/tasks/abc", &task))
	assert.Equal(t, "shop", task.AgentName)
	assert.Equal(t, models.TaskStatusPending, task.Status)
}

func TestAPIPost_ErrorMessage(t *testing.T) {
	withAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"task cannot transition"}`))
	}))

	err := apiPost("/tasks/x/pause", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "API error (409): task cannot transition", err.Error())
}

func TestAPIPost_PlainErrorBody(t *testing.T) {
	withAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	err := apiPost("/sync", map[string]any{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (502): boom")
}

func TestCheckHealth(t *testing.T) {
	withAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"ok":false,"db":"database is closed","version":"0.1.0"}`))
	}))

	health, err := CheckHealth()
	require.Error(t, err)
	require.NotNil(t, health)
	assert.False(t, health.OK)
	assert.Equal(t, controlplane.Version, health.Version)
	assert.False(t, isDaemonRunning())
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:9000\n"), 0o600))

	prevPath, prevListen, prevDB, prevAuto := configPath, listenAddr, dbPath, autoStart
	t.Cleanup(func() { configPath, listenAddr, dbPath, autoStart = prevPath, prevListen, prevDB, prevAuto })

	configPath = path
	listenAddr = ""
	dbPath = filepath.Join(dir, "x.db")
	autoStart = true

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, dbPath, cfg.DBPath)
	assert.True(t, cfg.AutoStart)
}

func TestConfigInit(t *testing.T) {
	prevPath, prevForce := configPath, forceInit
	t.Cleanup(func() { configPath, forceInit = prevPath, prevForce })

	configPath = filepath.Join(t.TempDir(), "nested", "config.yaml")
	forceInit = false

	require.NoError(t, runConfigInit(nil, nil))
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Listen, cfg.Listen)

	assert.Error(t, runConfigInit(nil, nil), "existing file needs --force")
	forceInit = true
	assert.NoError(t, runConfigInit(nil, nil))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("123456789abc"))
	assert.Equal(t, "abc", truncateID("abc"))
}
