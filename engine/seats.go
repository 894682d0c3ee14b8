package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/agencyhost/core"
)

// seatRegistry tracks the live seat list of every agency the engine serves.
// Each update returns a complete copy so consumers can replace wholesale.
type seatRegistry struct {
	mu       sync.Mutex
	agencies map[string]*agencySeats
}

type agencySeats struct {
	runID string
	goal  string
	seats []core.SeatSnapshot
}

func newSeatRegistry() *seatRegistry {
	return &seatRegistry{agencies: make(map[string]*agencySeats)}
}

// bind assigns a fresh instance id to the request's role and returns it with
// the resulting snapshot. A request from a new run starts over with every
// declared seat pending.
func (r *seatRegistry) bind(ar *core.AgencyRequest, personaID string) (string, core.AgencyUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agencies[ar.AgencyID]
	if !ok || st.stale(ar) {
		st = &agencySeats{runID: ar.RunID}
		r.agencies[ar.AgencyID] = st
	}
	if ar.Goal != "" {
		st.goal = ar.Goal
	}
	for _, s := range ar.Seats {
		if st.index(s.RoleID) < 0 {
			st.seats = append(st.seats, core.SeatSnapshot{RoleID: s.RoleID, PersonaID: s.PersonaID})
		}
	}
	i := st.index(ar.RoleID)
	if i < 0 {
		st.seats = append(st.seats, core.SeatSnapshot{RoleID: ar.RoleID})
		i = len(st.seats) - 1
	}

	instanceID := uuid.NewString()
	st.seats[i].PersonaID = personaID
	st.seats[i].GMIInstanceID = instanceID
	st.seats[i].Metadata = map[string]any{"status": "running"}

	return instanceID, r.updateLocked(ar.AgencyID, st)
}

// stale reports whether ar belongs to a different run than the recorded
// seats: another run id, another seat set, or a role that is already bound.
func (a *agencySeats) stale(ar *core.AgencyRequest) bool {
	if ar.RunID != "" || a.runID != "" {
		return ar.RunID != a.runID
	}
	if len(ar.Seats) > 0 {
		if len(ar.Seats) != len(a.seats) {
			return true
		}
		for _, s := range ar.Seats {
			if a.index(s.RoleID) < 0 {
				return true
			}
		}
	}
	if i := a.index(ar.RoleID); i >= 0 && !a.seats[i].Pending() {
		return true
	}
	return false
}

// finish records the terminal status of the seat bound to instanceID and
// returns the snapshot. A seat rebound by a later run is left alone.
func (r *seatRegistry) finish(agencyID, roleID, instanceID, status string) core.AgencyUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agencies[agencyID]
	if !ok {
		return core.AgencyUpdate{AgencyID: agencyID}
	}
	if i := st.index(roleID); i >= 0 && st.seats[i].GMIInstanceID == instanceID {
		md := make(map[string]any, len(st.seats[i].Metadata)+1)
		for k, v := range st.seats[i].Metadata {
			md[k] = v
		}
		md["status"] = status
		st.seats[i].Metadata = md
	}
	return r.updateLocked(agencyID, st)
}

func (r *seatRegistry) snapshot(agencyID string) (core.AgencyUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.agencies[agencyID]
	if !ok {
		return core.AgencyUpdate{}, false
	}
	return r.updateLocked(agencyID, st), true
}

func (r *seatRegistry) updateLocked(agencyID string, st *agencySeats) core.AgencyUpdate {
	return core.AgencyUpdate{
		AgencyID: agencyID,
		Goal:     st.goal,
		Seats:    core.CloneSeatSnapshots(st.seats),
	}
}

func (a *agencySeats) index(roleID string) int {
	for i, s := range a.seats {
		if s.RoleID == roleID {
			return i
		}
	}
	return -1
}
