package gmail

import (
	"context"
	"fmt"
	"sync"
)

// LabelCache maps label names to ids for one Gmail account. It is owned by the Gateway
// and filled from Client.ListLabels, either eagerly via Refresh or on first lookup.
type LabelCache struct {
	mu     sync.RWMutex
	byName map[string]LabelID
	loaded bool
}

// NewLabelCache returns an empty cache.
func NewLabelCache() *LabelCache {
	return &LabelCache{}
}

// Refresh replaces the cache contents with the labels currently defined in Gmail.
func (c *LabelCache) Refresh(ctx context.Context, client Client) error {
	byName, _, err := client.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	c.Set(byName)
	return nil
}

// Set installs a label listing.
func (c *LabelCache) Set(byName map[string]LabelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = make(map[string]LabelID, len(byName))
	for name, id := range byName {
		c.byName[name] = id
	}
	c.loaded = true
}

// Loaded reports whether the cache has been populated.
func (c *LabelCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// ID looks up a label id by its display name.
func (c *LabelCache) ID(name string) (LabelID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	return id, ok
}
