// Package connector provides source connectors and the catalog routing
// source requests to them by name.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
)

// ErrUnknownSource is returned for a request naming no registered source.
var ErrUnknownSource = errors.New("unknown source")

// Catalog routes requests to connectors by SourceRequest.Source.
type Catalog struct {
	mu      sync.RWMutex
	sources map[string]plan.Connector
}

var (
	_ plan.Connector = (*Catalog)(nil)
	_ plan.Describer = (*Catalog)(nil)
)

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{sources: make(map[string]plan.Connector)}
}

// Register binds name to c, replacing any previous binding.
func (c *Catalog) Register(name string, conn plan.Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = conn
}

// Lookup returns the connector bound to name.
func (c *Catalog) Lookup(name string) (plan.Connector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return conn, nil
}

// Names lists registered sources, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.sources))
	for n := range c.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute implements plan.Connector.
func (c *Catalog) Execute(ctx context.Context, req plan.SourceRequest, sink plan.Sink) error {
	conn, err := c.Lookup(req.Source)
	if err != nil {
		return err
	}
	return conn.Execute(ctx, req, sink)
}

// Describe implements plan.Describer for sources that can describe.
func (c *Catalog) Describe(ctx context.Context, req plan.SourceRequest) (rows.Schema, error) {
	conn, err := c.Lookup(req.Source)
	if err != nil {
		return rows.Schema{}, err
	}
	d, ok := conn.(plan.Describer)
	if !ok {
		return rows.Schema{}, fmt.Errorf("source %q cannot describe queries", req.Source)
	}
	return d.Describe(ctx, req)
}
