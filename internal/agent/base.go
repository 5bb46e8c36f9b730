package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/models"
)

// maxErrorLog bounds the per-agent error log; the oldest entries are dropped.
const maxErrorLog = 1000

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Option configures a Base.
type Option func(*Base)

// WithLogger sets the agent logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithAuthFunc adds a platform check run after the credential keys are validated.
func WithAuthFunc(fn func(ctx context.Context, creds map[string]string) error) Option {
	return func(b *Base) { b.authFn = fn }
}

// Base implements the shared lifecycle: status machine, error log, FIFO queue.
// Platform variants embed it and add ProcessTask plus their capability.
type Base struct {
	name     string
	platform Platform
	creds    map[string]string
	settings map[string]any
	logger   *zap.Logger
	now      func() time.Time
	authFn   func(ctx context.Context, creds map[string]string) error

	mu            sync.Mutex
	status        models.AgentStatus
	authenticated bool
	createdAt     time.Time
	lastActivity  *time.Time
	errors        []models.ErrorEntry
	queue         []models.TaskRequest
	changed       chan struct{}
	done          chan struct{}
	publisher     Publisher
}

// NewBase creates an Offline, unauthenticated base.
func NewBase(name string, p Platform, creds map[string]string, settings map[string]any, opts ...Option) *Base {
	b := &Base{
		name:     name,
		platform: p,
		creds:    make(map[string]string, len(creds)),
		settings: make(map[string]any, len(settings)),
		logger:   zap.NewNop(),
		now:      time.Now,
		status:   models.AgentStatusOffline,
		changed:  make(chan struct{}),
	}
	for k, v := range creds {
		b.creds[k] = v
	}
	for k, v := range settings {
		b.settings[k] = v
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("agent", name), zap.String("platform", p.Name))
	b.createdAt = b.now().UTC()
	return b
}

// Name returns the registry key of the agent.
func (b *Base) Name() string { return b.name }

// Type returns the capability tag.
func (b *Base) Type() models.AgentType { return b.platform.Type }

// Platform returns the platform identifier.
func (b *Base) Platform() string { return b.platform.Name }

// Authenticate checks that every required credential is present.
func (b *Base) Authenticate(ctx context.Context) bool {
	if missing := b.missingCredentials(); len(missing) > 0 {
		err := fmt.Errorf("%w: %s requires %s", ErrMisconfigured, b.platform.Name, strings.Join(missing, ", "))
		b.mu.Lock()
		b.authenticated = false
		b.mu.Unlock()
		b.LogError(err, "configuration", map[string]any{"missing": missing})
		return false
	}

	if b.authFn != nil {
		if err := b.authFn(ctx, b.credentialsCopy()); err != nil {
			b.mu.Lock()
			b.authenticated = false
			b.mu.Unlock()
			b.LogError(err, "authentication", nil)
			return false
		}
	}

	b.mu.Lock()
	b.authenticated = true
	if b.status == models.AgentStatusOffline || b.status == models.AgentStatusError {
		b.setStatusLocked(models.AgentStatusIdle)
	}
	b.mu.Unlock()

	b.logger.Info("agent_authenticated")
	return true
}

// Start moves Idle to Running. A Paused agent is resumed.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case models.AgentStatusRunning:
		return nil
	case models.AgentStatusPaused:
		b.setStatusLocked(models.AgentStatusRunning)
		b.touchLocked()
		return nil
	}

	if !b.authenticated {
		b.setStatusLocked(models.AgentStatusError)
		b.appendErrorLocked(ErrNotAuthenticated, "lifecycle", map[string]any{"method": "start"})
		return ErrNotAuthenticated
	}
	if b.status != models.AgentStatusIdle {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.status, models.AgentStatusRunning)
	}

	b.done = make(chan struct{})
	b.setStatusLocked(models.AgentStatusRunning)
	b.touchLocked()
	b.logger.Info("agent_started")
	return nil
}

// Stop moves Running or Paused to Idle. It is idempotent.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case models.AgentStatusRunning, models.AgentStatusPaused:
		b.closeDoneLocked()
		b.setStatusLocked(models.AgentStatusIdle)
		b.logger.Info("agent_stopped")
	}
	return nil
}

// Pause moves Running to Paused.
func (b *Base) Pause(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != models.AgentStatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.status, models.AgentStatusPaused)
	}
	b.setStatusLocked(models.AgentStatusPaused)
	return nil
}

// Resume moves Paused back to Running.
func (b *Base) Resume(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != models.AgentStatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.status, models.AgentStatusRunning)
	}
	b.setStatusLocked(models.AgentStatusRunning)
	b.touchLocked()
	return nil
}

// Done is closed when the current run stops. Long-running work selects on it.
func (b *Base) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done == nil {
		return closedChan
	}
	return b.done
}

// MarkError records err and moves the agent to Error from any state.
func (b *Base) MarkError(err error, kind string, details map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeDoneLocked()
	b.setStatusLocked(models.AgentStatusError)
	b.appendErrorLocked(err, kind, details)
}

// MarkOffline drops the agent to Offline and clears authentication.
func (b *Base) MarkOffline() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeDoneLocked()
	b.authenticated = false
	b.setStatusLocked(models.AgentStatusOffline)
}

// Status returns the current lifecycle state.
func (b *Base) Status() models.AgentStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// IsAuthenticated reports whether Authenticate last succeeded.
func (b *Base) IsAuthenticated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authenticated
}

// WaitForStatus blocks until the agent reaches want or ctx is done.
func (b *Base) WaitForStatus(ctx context.Context, want models.AgentStatus) error {
	for {
		b.mu.Lock()
		if b.status == want {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// HealthCheck is false for agents in Error or Offline.
func (b *Base) HealthCheck() bool {
	s := b.Status()
	return s != models.AgentStatusError && s != models.AgentStatusOffline
}

// QueueTask appends req to the FIFO queue.
func (b *Base) QueueTask(req models.TaskRequest) {
	b.mu.Lock()
	b.queue = append(b.queue, req)
	n := len(b.queue)
	b.mu.Unlock()
	b.logger.Debug("task_queued", zap.String("task_id", req.TaskID), zap.String("task_type", req.Type), zap.Int("pending", n))
}

// DequeueTask pops the oldest queued request.
func (b *Base) DequeueTask() (models.TaskRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return models.TaskRequest{}, false
	}
	req := b.queue[0]
	b.queue[0] = models.TaskRequest{}
	b.queue = b.queue[1:]
	return req, true
}

// PendingTasks returns the queue length.
func (b *Base) PendingTasks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// LogError appends to the error log without changing status.
func (b *Base) LogError(err error, kind string, details map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendErrorLocked(err, kind, details)
}

// Errors returns a copy of the error log.
func (b *Base) Errors() []models.ErrorEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.ErrorEntry, len(b.errors))
	copy(out, b.errors)
	return out
}

// Snapshot returns a read-only status view. Credentials are never included.
func (b *Base) Snapshot() models.AgentSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := models.AgentSnapshot{
		Name:          b.name,
		Type:          b.platform.Type,
		Platform:      b.platform.Name,
		Status:        b.status,
		Authenticated: b.authenticated,
		CreatedAt:     b.createdAt,
		PendingTasks:  len(b.queue),
		ErrorCount:    len(b.errors),
	}
	if b.lastActivity != nil {
		t := *b.lastActivity
		snap.LastActivityAt = &t
	}
	return snap
}

// Config returns settings and the credential keys, never their values.
func (b *Base) Config() models.AgentConfigView {
	keys := make([]string, 0, len(b.creds))
	for k := range b.creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	settings := make(map[string]any, len(b.settings))
	for k, v := range b.settings {
		settings[k] = v
	}
	return models.AgentConfigView{
		Name:           b.name,
		Platform:       b.platform.Name,
		Type:           b.platform.Type,
		CredentialKeys: keys,
		Settings:       settings,
	}
}

// SetPublisher attaches the event sink used by the variants.
func (b *Base) SetPublisher(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publisher = p
}

// Touch stamps the last activity time.
func (b *Base) Touch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.touchLocked()
}

func (b *Base) publish(ctx context.Context, typ models.EventType, data map[string]any) {
	b.mu.Lock()
	p := b.publisher
	b.mu.Unlock()
	if p == nil {
		return
	}
	p.Publish(ctx, models.Event{
		Type:     typ,
		Source:   b.name,
		Data:     data,
		Priority: models.DefaultPriority,
	})
}

func (b *Base) unknownTask(req models.TaskRequest) models.TaskResult {
	err := fmt.Errorf("%w: %s", ErrUnknownTaskType, req.Type)
	b.LogError(err, "unknown_task_type", map[string]any{"task_id": req.TaskID})
	return models.TaskResult{Success: false, Error: err.Error()}
}

func (b *Base) failTask(req models.TaskRequest, err error) models.TaskResult {
	b.LogError(err, "task", map[string]any{"task_id": req.TaskID, "task_type": req.Type})
	return models.TaskResult{Success: false, Error: err.Error()}
}

func (b *Base) setting(key string) (any, bool) {
	v, ok := b.settings[key]
	return v, ok
}

func (b *Base) missingCredentials() []string {
	var missing []string
	for _, key := range b.platform.RequiredCredentials {
		if strings.TrimSpace(b.creds[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func (b *Base) credentialsCopy() map[string]string {
	out := make(map[string]string, len(b.creds))
	for k, v := range b.creds {
		out[k] = v
	}
	return out
}

func (b *Base) setStatusLocked(s models.AgentStatus) {
	if b.status == s {
		return
	}
	b.status = s
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Base) touchLocked() {
	t := b.now().UTC()
	b.lastActivity = &t
}

func (b *Base) closeDoneLocked() {
	if b.done != nil {
		close(b.done)
		b.done = nil
	}
}

func (b *Base) appendErrorLocked(err error, kind string, details map[string]any) {
	entry := models.ErrorEntry{
		Timestamp: b.now().UTC(),
		Kind:      kind,
		Message:   err.Error(),
		Context:   details,
	}
	if len(b.errors) >= maxErrorLog {
		b.errors = b.errors[1:]
	}
	b.errors = append(b.errors, entry)
	b.logger.Error("agent_error", zap.String("kind", kind), zap.Error(err), zap.Any("details", details))
}

// decodePayload maps a loosely typed payload onto v.
func decodePayload(payload map[string]any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func intField(payload map[string]any, key string, def int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
