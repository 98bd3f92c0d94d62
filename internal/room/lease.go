package room

import (
	"time"

	"github.com/google/uuid"
)

// Lease is the cooperative single-writer token gating responder-side
// posting. It is mutual exclusion between well-behaved backends, not a
// security boundary.
type Lease struct {
	ID        string    `json:"leaseId"`
	GrantedAt time.Time `json:"grantedAt"`
}

// LeaseOutcome classifies the result of a backend channel open.
type LeaseOutcome string

const (
	LeaseGranted LeaseOutcome = "backend-granted"
	LeaseDenied  LeaseOutcome = "backend-denied"
)

// AcquireLease resolves a backend channel open against the room's lease:
// grant when none is held, rebind on an exact id match, deny otherwise.
// Takeover always revokes the old lease and grants a fresh id. The previous holder is not disconnected; its id just stops
// validating.
func (r *Room) AcquireLease(leaseID string, takeover bool) (Lease, LeaseOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// An evicted instance grants nothing; leases are per-instance state
	// and a lease granted here would never validate a send, which always
	// resolves the live instance. The backend's reconnect lands there.
	if r.closed {
		return Lease{}, LeaseDenied
	}

	switch {
	case r.lease == nil:
		r.lease = &Lease{ID: uuid.NewString(), GrantedAt: time.Now().UTC()}
	case leaseID != "" && leaseID == r.lease.ID:
		// Rebind: same lease, same id.
	case takeover:
		r.lease = &Lease{ID: uuid.NewString(), GrantedAt: time.Now().UTC()}
	default:
		return Lease{}, LeaseDenied
	}
	return *r.lease, LeaseGranted
}

// HoldsLease reports whether the given id is the current lease.
func (r *Room) HoldsLease(leaseID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease != nil && leaseID != "" && leaseID == r.lease.ID
}

// LeaseHeld reports whether any lease is active.
func (r *Room) LeaseHeld() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease != nil
}
