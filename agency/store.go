package agency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/storage"
)

var (
	// ErrAgencyNotFound is returned for unknown agency ids.
	ErrAgencyNotFound = errors.New("agency not found")
	// ErrAgencyExists is returned by Create for a duplicate id.
	ErrAgencyExists = errors.New("agency already exists")
)

const definitionPrefix = "agency/"

// DefinitionStore persists user-defined agencies. Values are msgpack encoded
// through the storage adapter, so any Adapter implementation can back it.
type DefinitionStore struct {
	adapter storage.Adapter
	now     func() time.Time

	// mu serializes read-modify-write sequences; the adapter serializes
	// individual writes.
	mu sync.Mutex
}

// NewDefinitionStore creates a store on an opened adapter.
func NewDefinitionStore(adapter storage.Adapter) *DefinitionStore {
	return &DefinitionStore{adapter: adapter, now: func() time.Time { return time.Now().UTC() }}
}

func definitionKey(id string) string { return definitionPrefix + id }

// Create stores a new agency. An empty id is replaced by a random one.
func (s *DefinitionStore) Create(ctx context.Context, a core.Agency) (core.Agency, error) {
	a = a.Clone()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := validateDefinition(a); err != nil {
		return core.Agency{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.adapter.Get(ctx, definitionKey(a.ID)); err == nil {
		return core.Agency{}, fmt.Errorf("%w: %s", ErrAgencyExists, a.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return core.Agency{}, err
	}
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt
	if err := storage.PutValue(ctx, s.adapter, definitionKey(a.ID), a); err != nil {
		return core.Agency{}, err
	}
	return a.Clone(), nil
}

// Update replaces an existing agency, keeping its creation time.
func (s *DefinitionStore) Update(ctx context.Context, a core.Agency) (core.Agency, error) {
	a = a.Clone()
	if err := validateDefinition(a); err != nil {
		return core.Agency{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, err := s.get(ctx, a.ID)
	if err != nil {
		return core.Agency{}, err
	}
	a.CreatedAt = prev.CreatedAt
	a.UpdatedAt = s.now()
	if err := storage.PutValue(ctx, s.adapter, definitionKey(a.ID), a); err != nil {
		return core.Agency{}, err
	}
	return a.Clone(), nil
}

// Get loads one agency.
func (s *DefinitionStore) Get(ctx context.Context, id string) (core.Agency, error) {
	return s.get(ctx, id)
}

func (s *DefinitionStore) get(ctx context.Context, id string) (core.Agency, error) {
	a, err := storage.GetValue[core.Agency](ctx, s.adapter, definitionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return core.Agency{}, fmt.Errorf("%w: %s", ErrAgencyNotFound, id)
	}
	return a, err
}

// List returns all agencies ordered by name, then id.
func (s *DefinitionStore) List(ctx context.Context) ([]core.Agency, error) {
	keys, err := s.adapter.Keys(ctx, definitionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]core.Agency, 0, len(keys))
	for _, k := range keys {
		a, err := storage.GetValue[core.Agency](ctx, s.adapter, k)
		if errors.Is(err, storage.ErrNotFound) {
			continue // deleted concurrently
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes an agency.
func (s *DefinitionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	return s.adapter.Delete(ctx, definitionKey(id))
}

func validateDefinition(a core.Agency) error {
	if strings.Contains(a.ID, "/") {
		return fmt.Errorf("%w: agency id %q must not contain '/'", ErrInvalidRequest, a.ID)
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: agency name is required", ErrInvalidRequest)
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}
