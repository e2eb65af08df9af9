// Package rules
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Rules are the per-instrument trading constraints. Immutable once fetched.
type Rules struct {
	StepSize    float64
	MinQty      float64
	TickSize    float64
	MinNotional float64
}

// Validate rejects rules the sizer cannot work with.
func (r Rules) Validate() error {
	if r.StepSize <= 0 {
		return fmt.Errorf("rules: step size %v invalid", r.StepSize)
	}
	if r.TickSize <= 0 {
		return fmt.Errorf("rules: tick size %v invalid", r.TickSize)
	}
	if r.MinQty < 0 || r.MinNotional < 0 {
		return fmt.Errorf("rules: negative minimum")
	}
	return nil
}

// Source fetches rules for one symbol from the venue.
type Source interface {
	FetchRules(ctx context.Context, symbol string) (Rules, error)
}

// Cache fetches rules at most once per symbol and keeps them for the process
// lifetime.
type Cache struct {
	mu  sync.RWMutex
	src Source
	m   map[string]Rules
}

func NewCache(src Source) *Cache {
	return &Cache{src: src, m: make(map[string]Rules)}
}

// Get returns the cached rules, fetching them on first use.
func (c *Cache) Get(ctx context.Context, symbol string) (Rules, error) {
	sym := strings.ToUpper(symbol)

	c.mu.RLock()
	r, ok := c.m[sym]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	r, err := c.src.FetchRules(ctx, sym)
	if err != nil {
		return Rules{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.m[sym]; ok {
		return prev, nil
	}
	c.m[sym] = r
	return r, nil
}

// Put seeds the cache directly (bootstrap and tests).
func (c *Cache) Put(symbol string, r Rules) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[strings.ToUpper(symbol)] = r
}
