package agency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/storage"
)

func TestDefinitionStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewDefinitionStore(storage.NewMemory())

	created, err := s.Create(ctx, core.Agency{
		Name:  "Launch team",
		Goal:  "Launch",
		Seats: []core.Seat{{RoleID: "researcher", PersonaID: "researcher"}, {RoleID: "writer", DependsOn: "researcher"}},
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = s.Create(ctx, created)
	assert.ErrorIs(t, err, ErrAgencyExists)

	got, err := s.Get(ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, created.Seats, got.Seats)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))

	got.Goal = "Launch v2"
	got.Seats = got.Seats[:1]
	updated, err := s.Update(ctx, got)
	assert.NoError(t, err)
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt))
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	_, err = s.Create(ctx, core.Agency{ID: "b", Name: "Alpha", Goal: "x", Seats: []core.Seat{{RoleID: "a"}}})
	assert.NoError(t, err)

	list, err := s.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0].Name)
	assert.Equal(t, "Launch v2", list[1].Goal)
	assert.Len(t, list[1].Seats, 1)

	assert.NoError(t, s.Delete(ctx, created.ID))
	assert.ErrorIs(t, s.Delete(ctx, created.ID), ErrAgencyNotFound)
	_, err = s.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrAgencyNotFound)
	_, err = s.Update(ctx, created)
	assert.ErrorIs(t, err, ErrAgencyNotFound)
}

func TestDefinitionStore_Validation(t *testing.T) {
	ctx := context.Background()
	s := NewDefinitionStore(storage.NewMemory())

	_, err := s.Create(ctx, core.Agency{Goal: "g"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.Create(ctx, core.Agency{Name: "n", Seats: []core.Seat{{RoleID: "a"}, {RoleID: "a"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, core.ErrDuplicateRole)

	_, err = s.Create(ctx, core.Agency{ID: "a/b", Name: "n"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequestFromAgency(t *testing.T) {
	a := core.Agency{ID: "ag", Goal: "g", Seats: []core.Seat{{RoleID: "r", PersonaID: "p", Instruction: "i", DependsOn: ""}}}
	req := RequestFromAgency(a, FormatMarkdown)
	assert.Equal(t, "ag", req.AgencyID)
	assert.Equal(t, []Role{{ID: "r", PersonaID: "p", Instruction: "i"}}, req.Roles)
	assert.Equal(t, a.Seats, req.Seats())
}
