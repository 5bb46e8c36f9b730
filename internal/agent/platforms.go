package agent

import (
	"fmt"
	"sort"

	"github.com/fentz26/agentplane/internal/models"
)

// Platform describes a supported platform and the credentials it needs.
type Platform struct {
	Name                string
	Type                models.AgentType
	RequiredCredentials []string
	BaseURL             string
}

var catalog = map[string]Platform{
	"torob":      {Name: "torob", Type: models.AgentTypeMarketplace, RequiredCredentials: []string{"seller_id", "token"}, BaseURL: "https://torob.com"},
	"basalam":    {Name: "basalam", Type: models.AgentTypeMarketplace, RequiredCredentials: []string{"vendor_id", "api_key"}, BaseURL: "https://basalam.com"},
	"telegram":   {Name: "telegram", Type: models.AgentTypeMessaging, RequiredCredentials: []string{"bot_token"}},
	"whatsapp":   {Name: "whatsapp", Type: models.AgentTypeMessaging, RequiredCredentials: []string{"phone_number"}},
	"eitaa":      {Name: "eitaa", Type: models.AgentTypeMessaging, RequiredCredentials: []string{"channel_id"}},
	"instagram":  {Name: "instagram", Type: models.AgentTypeSocial, RequiredCredentials: []string{"username", "password"}},
	"tiktok":     {Name: "tiktok", Type: models.AgentTypeSocial, RequiredCredentials: []string{"username", "password"}},
	"twitter":    {Name: "twitter", Type: models.AgentTypeSocial, RequiredCredentials: []string{"api_key"}},
	"mihanstore": {Name: "mihanstore", Type: models.AgentTypeAffiliate, RequiredCredentials: []string{"shop_id", "token"}, BaseURL: "https://mihanstore.net/partner"},
}

// LookupPlatform returns the catalog entry for name.
func LookupPlatform(name string) (Platform, bool) {
	p, ok := catalog[name]
	return p, ok
}

// Platforms lists the catalog sorted by name.
func Platforms() []Platform {
	out := make([]Platform, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Config is the declarative description of one agent instance.
type Config struct {
	Name        string            `yaml:"name"`
	Platform    string            `yaml:"platform"`
	Credentials map[string]string `yaml:"credentials"`
	Settings    map[string]any    `yaml:"settings"`
}

// New builds the agent variant matching the platform's capability type.
func New(cfg Config, opts ...Option) (Agent, error) {
	p, ok := LookupPlatform(cfg.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, cfg.Platform)
	}
	name := cfg.Name
	if name == "" {
		name = p.Name
	}
	base := NewBase(name, p, cfg.Credentials, cfg.Settings, opts...)

	switch p.Type {
	case models.AgentTypeMarketplace:
		return NewMarketplaceAgent(base), nil
	case models.AgentTypeMessaging:
		return NewMessagingAgent(base), nil
	case models.AgentTypeSocial:
		return NewSocialAgent(base), nil
	case models.AgentTypeAffiliate:
		return NewAffiliateAgent(base), nil
	default:
		return nil, fmt.Errorf("%w: unknown agent type %q", ErrUnknownPlatform, p.Type)
	}
}
