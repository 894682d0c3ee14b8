// Package persona provides read-only persona catalogs implementing
// core.PersonaCatalog.
package persona

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agencyhost/core"
)

// ErrInvalidPersona is returned when a persona definition lacks an id or
// repeats one already present in the catalog.
var ErrInvalidPersona = errors.New("invalid persona")

// Compile-time check that Catalog implements core.PersonaCatalog.
var _ core.PersonaCatalog = (*Catalog)(nil)

// Catalog is an immutable in-memory persona registry. Every read returns a
// copy, so callers may freely modify results.
type Catalog struct {
	mu       sync.RWMutex
	personas map[string]core.Persona
	order    []string
}

// New builds a catalog from the given definitions. Ids must be non-empty and
// unique.
func New(personas ...core.Persona) (*Catalog, error) {
	c := &Catalog{personas: make(map[string]core.Persona, len(personas))}
	for i, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona %d: %w: missing id", i, ErrInvalidPersona)
		}
		if _, dup := c.personas[p.ID]; dup {
			return nil, fmt.Errorf("persona %s: %w: duplicate id", p.ID, ErrInvalidPersona)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		c.personas[p.ID] = p.Clone()
		c.order = append(c.order, p.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// MustNew is like New but panics on error. Intended for static tables.
func MustNew(personas ...core.Persona) *Catalog {
	c, err := New(personas...)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadAllPersonaDefinitions returns every persona sorted by id.
func (c *Catalog) LoadAllPersonaDefinitions(ctx context.Context) ([]core.Persona, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.personas[id].Clone())
	}
	return out, nil
}

// LoadPersonaByID returns the persona with the given id, or false when absent.
func (c *Catalog) LoadPersonaByID(ctx context.Context, id string) (core.Persona, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Persona{}, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.personas[id]
	if !ok {
		return core.Persona{}, false, nil
	}
	return p.Clone(), true, nil
}

// Len returns the number of personas in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
