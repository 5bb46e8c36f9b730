package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/agentplane/internal/models"
)

// Marketplace task kinds.
const (
	TaskPostProduct   = "post_product"
	TaskUpdateProduct = "update_product"
	TaskDeleteProduct = "delete_product"
	TaskGetProducts   = "get_products"
)

// Listing is a product posted to a marketplace.
type Listing struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Price       float64        `json:"price"`
	Status      string         `json:"status"`
	URL         string         `json:"url,omitempty"`
	PostedAt    time.Time      `json:"posted_at"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// MarketplaceAgent keeps listings for a marketplace platform.
type MarketplaceAgent struct {
	*Base

	dataMu   sync.Mutex
	listings map[string]Listing
	seq      int
}

// NewMarketplaceAgent wraps base with marketplace listing support.
func NewMarketplaceAgent(base *Base) *MarketplaceAgent {
	return &MarketplaceAgent{Base: base, listings: make(map[string]Listing)}
}

// ProcessTask dispatches marketplace task kinds.
func (a *MarketplaceAgent) ProcessTask(ctx context.Context, req models.TaskRequest) models.TaskResult {
	a.Touch()

	switch req.Type {
	case TaskPostProduct:
		var l Listing
		if err := decodePayload(req.Payload, &l); err != nil {
			return a.failTask(req, err)
		}
		posted, err := a.PostProduct(ctx, l)
		if err != nil {
			return a.failTask(req, err)
		}
		return models.TaskResult{Success: true, Data: map[string]any{"product_id": posted.ID, "url": posted.URL}}

	case TaskUpdateProduct:
		id := stringField(req.Payload, "product_id")
		fields, _ := req.Payload["data"].(map[string]any)
		updated, err := a.UpdateProduct(ctx, id, fields)
		if err != nil {
			return a.failTask(req, err)
		}
		return models.TaskResult{Success: true, Data: map[string]any{"product_id": updated.ID}}

	case TaskDeleteProduct:
		id := stringField(req.Payload, "product_id")
		if err := a.DeleteProduct(ctx, id); err != nil {
			return a.failTask(req, err)
		}
		return models.TaskResult{Success: true, Data: map[string]any{"product_id": id}}

	case TaskGetProducts:
		return models.TaskResult{Success: true, Data: map[string]any{"products": a.Products(ctx)}}

	default:
		return a.unknownTask(req)
	}
}

// PostProduct validates and stores a new listing.
func (a *MarketplaceAgent) PostProduct(ctx context.Context, l Listing) (Listing, error) {
	if l.Title == "" || l.Description == "" || l.Category == "" || l.Price <= 0 {
		return Listing{}, fmt.Errorf("%w: title, description, category and price are required", ErrInvalidPayload)
	}

	a.dataMu.Lock()
	a.seq++
	l.ID = fmt.Sprintf("%s_%d", a.Platform(), a.seq)
	l.Status = "active"
	l.PostedAt = a.now().UTC()
	if a.platform.BaseURL != "" {
		l.URL = a.platform.BaseURL + "/detail/" + l.ID
	}
	a.listings[l.ID] = l
	a.dataMu.Unlock()

	a.publish(ctx, models.EventProductPosted, map[string]any{"product_id": l.ID, "title": l.Title, "price": l.Price})
	return l, nil
}

// UpdateProduct merges fields into an existing listing.
func (a *MarketplaceAgent) UpdateProduct(ctx context.Context, id string, fields map[string]any) (Listing, error) {
	a.dataMu.Lock()
	l, ok := a.listings[id]
	if !ok {
		a.dataMu.Unlock()
		return Listing{}, fmt.Errorf("%w: product %q", ErrNotFound, id)
	}
	merged := l
	if err := decodePayload(fields, &merged); err != nil {
		a.dataMu.Unlock()
		return Listing{}, err
	}
	merged.ID = l.ID
	merged.PostedAt = l.PostedAt
	a.listings[id] = merged
	a.dataMu.Unlock()

	a.publish(ctx, models.EventProductUpdated, map[string]any{"product_id": id})
	return merged, nil
}

// DeleteProduct removes a listing.
func (a *MarketplaceAgent) DeleteProduct(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("product_id is required")
	}
	a.dataMu.Lock()
	_, ok := a.listings[id]
	delete(a.listings, id)
	a.dataMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: product %q", ErrNotFound, id)
	}

	a.publish(ctx, models.EventProductDeleted, map[string]any{"product_id": id})
	return nil
}

// Products returns all listings ordered by ID.
func (a *MarketplaceAgent) Products(ctx context.Context) []Listing {
	a.dataMu.Lock()
	defer a.dataMu.Unlock()
	out := make([]Listing, 0, len(a.listings))
	for _, l := range a.listings {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) || (out[i].PostedAt.Equal(out[j].PostedAt) && out[i].ID < out[j].ID) })
	return out
}
