// Package agent defines the agent lifecycle and the platform capability interfaces.
package agent

import (
	"context"
	"errors"

	"github.com/fentz26/agentplane/internal/models"
)

// Sentinel errors for agent operations.
var (
	ErrNotAuthenticated  = errors.New("agent not authenticated")
	ErrMisconfigured     = errors.New("agent misconfigured")
	ErrInvalidTransition = errors.New("invalid agent state transition")
	ErrUnknownTaskType   = errors.New("unknown task type")
	ErrUnknownPlatform   = errors.New("unknown platform")
	ErrNotFound          = errors.New("item not found")
	ErrInvalidPayload    = errors.New("invalid task payload")
)

// Publisher receives domain events emitted by agents.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event)
}

// Agent is the lifecycle contract every platform agent satisfies.
type Agent interface {
	Name() string
	Type() models.AgentType
	Platform() string

	// Authenticate validates credentials. It never panics and reports
	// configuration problems through the error log.
	Authenticate(ctx context.Context) bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	ProcessTask(ctx context.Context, req models.TaskRequest) models.TaskResult
	QueueTask(req models.TaskRequest)
	DequeueTask() (models.TaskRequest, bool)
	PendingTasks() int

	Status() models.AgentStatus
	IsAuthenticated() bool
	WaitForStatus(ctx context.Context, want models.AgentStatus) error
	HealthCheck() bool
	MarkError(err error, kind string, details map[string]any)
	MarkOffline()
	LogError(err error, kind string, details map[string]any)
	Errors() []models.ErrorEntry
	Snapshot() models.AgentSnapshot
	Config() models.AgentConfigView
	SetPublisher(p Publisher)
}

// Lister is implemented by marketplace agents.
type Lister interface {
	PostProduct(ctx context.Context, l Listing) (Listing, error)
	UpdateProduct(ctx context.Context, id string, fields map[string]any) (Listing, error)
	DeleteProduct(ctx context.Context, id string) error
	Products(ctx context.Context) []Listing
}

// Messenger is implemented by messaging agents.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) (Message, error)
	HandleMessage(ctx context.Context, msg Message) (string, error)
	Messages(chatID string, limit int) []Message
	SetAutoResponse(text string)
}

// SocialPoster is implemented by social media agents.
type SocialPoster interface {
	PostContent(ctx context.Context, content string, media []string) (Post, error)
	Followers(ctx context.Context) []Follower
	Analytics(ctx context.Context) Analytics
}

// AffiliateSource is implemented by affiliate agents.
type AffiliateSource interface {
	AffiliateProducts(ctx context.Context) []AffiliateProduct
	Commissions(ctx context.Context) Commissions
	Sales(ctx context.Context) []Sale
	RecordSale(ctx context.Context, s Sale) (Sale, error)
}

var (
	_ Agent           = (*MarketplaceAgent)(nil)
	_ Agent           = (*MessagingAgent)(nil)
	_ Agent           = (*SocialAgent)(nil)
	_ Agent           = (*AffiliateAgent)(nil)
	_ Lister          = (*MarketplaceAgent)(nil)
	_ Messenger       = (*MessagingAgent)(nil)
	_ SocialPoster    = (*SocialAgent)(nil)
	_ AffiliateSource = (*AffiliateAgent)(nil)
)
