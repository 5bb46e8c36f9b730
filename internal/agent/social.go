package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/agentplane/internal/models"
)

// Social task kinds.
const (
	TaskPostContent  = "post_content"
	TaskGetFollowers = "get_followers"
	TaskGetAnalytics = "get_analytics"
	TaskAddFollower  = "add_follower"
)

// Post is published social content.
type Post struct {
	ID       string    `json:"id"`
	Content  string    `json:"content"`
	Media    []string  `json:"media,omitempty"`
	PostedAt time.Time `json:"posted_at"`
}

// Follower is one account following the agent.
type Follower struct {
	Username   string    `json:"username"`
	FollowedAt time.Time `json:"followed_at"`
}

// Analytics summarizes the account.
type Analytics struct {
	Posts      int        `json:"posts"`
	Followers  int        `json:"followers"`
	LastPostAt *time.Time `json:"last_post_at,omitempty"`
}

// SocialAgent keeps posts and followers for a social platform.
type SocialAgent struct {
	*Base

	dataMu    sync.Mutex
	posts     []Post
	followers map[string]Follower
}

// NewSocialAgent wraps base with social posting support.
func NewSocialAgent(base *Base) *SocialAgent {
	return &SocialAgent{Base: base, followers: make(map[string]Follower)}
}

// ProcessTask dispatches social task kinds.
func (a *SocialAgent) ProcessTask(ctx context.Context, req models.TaskRequest) models.TaskResult {
	a.Touch()

	switch req.Type {
	case TaskPostContent:
		var in struct {
			Content string   `json:"content"`
			Media   []string `json:"media"`
		}
		if err := decodePayload(req.Payload, &in); err != nil {
			return a.failTask(req, err)
		}
		post, err := a.PostContent(ctx, in.Content, in.Media)
		if err != nil {
			return a.failTask(req, err)
		}
		return models.TaskResult{Success: true, Data: map[string]any{"post_id": post.ID}}

	case TaskGetFollowers:
		return models.TaskResult{Success: true, Data: map[string]any{"followers": a.Followers(ctx)}}

	case TaskGetAnalytics:
		return models.TaskResult{Success: true, Data: map[string]any{"analytics": a.Analytics(ctx)}}

	case TaskAddFollower:
		username := stringField(req.Payload, "username")
		if username == "" {
			return a.failTask(req, fmt.Errorf("%w: username is required", ErrInvalidPayload))
		}
		a.AddFollower(username)
		return models.TaskResult{Success: true}

	default:
		return a.unknownTask(req)
	}
}

// PostContent publishes content with optional media.
func (a *SocialAgent) PostContent(ctx context.Context, content string, media []string) (Post, error) {
	if content == "" && len(media) == 0 {
		return Post{}, fmt.Errorf("%w: content or media is required", ErrInvalidPayload)
	}
	a.dataMu.Lock()
	post := Post{
		ID:       fmt.Sprintf("%s_post_%d", a.Platform(), len(a.posts)+1),
		Content:  content,
		Media:    append([]string(nil), media...),
		PostedAt: a.now().UTC(),
	}
	a.posts = append(a.posts, post)
	a.dataMu.Unlock()

	a.publish(ctx, models.EventCustom, map[string]any{"action": "content_posted", "post_id": post.ID})
	return post, nil
}

// AddFollower records a follower. Re-adding is a no-op.
func (a *SocialAgent) AddFollower(username string) {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	if _, ok := a.followers[username]; !ok {
		a.followers[username] = Follower{Username: username, FollowedAt: a.now().UTC()}
	}
}

// Followers returns the follower list.
func (a *SocialAgent) Followers(ctx context.Context) []Follower {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	out := make([]Follower, 0, len(a.followers))
	for _, f := range a.followers {
		out = append(out, f)
	}
	return out
}

// Analytics summarizes posts and followers.
func (a *SocialAgent) Analytics(ctx context.Context) Analytics {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	an := Analytics{Posts: len(a.posts), Followers: len(a.followers)}
	if n := len(a.posts); n > 0 {
		t := a.posts[n-1].PostedAt
		an.LastPostAt = &t
	}
	return an
}
