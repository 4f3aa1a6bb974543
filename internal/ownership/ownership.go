// Package ownership implements the resource ownership state machine:
// every managed resource is, at any instant, Free, Held by a
// framework, mid-Seize, Seized onto a framework pending acceptance,
// or Retired. All mutation goes through a single mutex so framework
// goroutines never observe a torn state.
package ownership

import (
	"sync"
	"time"
)

// Status names the five states a resource can be in. It mirrors
// fc_server/core/coordinator.py's status strings.
type Status int

const (
	// Free means no framework currently holds the resource.
	Free Status = iota
	// Held means a framework owns the resource outright.
	Held
	// Seizing means a higher-priority framework has requested the
	// resource and the current holder is being asked to release it.
	Seizing
	// Seized means the resource has been taken from its prior holder
	// and is waiting for the new framework to accept it.
	Seized
	// Retired means the resource has been withdrawn from scheduling.
	Retired
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Held:
		return "held"
	case Seizing:
		return "seizing"
	case Seized:
		return "seized"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// State is one resource's current ownership record.
type State struct {
	Status Status

	// Holder is the framework that currently holds the resource
	// (valid in Held, Seizing, and Seized — in Seized it is the new
	// framework, not the one being seized from).
	Holder string

	// SeizeFrom is the framework being displaced, valid in Seizing and
	// Seized (a declined seize falls back to it).
	SeizeFrom string

	// Seize carries the outstanding claim's bookkeeping while the
	// resource is Seizing or Seized.
	Seize *SeizeRecord
}

// SeizeRecord tracks one outstanding seize claim, used to enforce the
// expiry window and to tie a seize back to the job that requested it.
type SeizeRecord struct {
	SeizeID     string
	JobID       string
	Framework   string
	Priority    int
	RequestedAt time.Time
}

// Expired reports whether the claim has outlived its allowed window
// without being accepted by the new framework.
func (r *SeizeRecord) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(r.RequestedAt) > window
}

// Table is the coordinator's authoritative, mutex-guarded map of
// resource name to ownership state. Framework plugins only ever see
// it through the read-only query methods; mutation is the
// coordinator's exclusive responsibility.
type Table struct {
	mu        sync.Mutex
	resources map[string]*State
}

// NewTable builds a table with every managed resource initialized to
// Free.
func NewTable(managedResources []string) *Table {
	t := &Table{resources: make(map[string]*State, len(managedResources))}
	for _, r := range managedResources {
		t.resources[r] = &State{Status: Free}
	}
	return t
}

// snapshot copies a state so callers never mutate table internals
// through an aliased pointer.
func snapshot(s *State) State {
	cp := *s
	if s.Seize != nil {
		rec := *s.Seize
		cp.Seize = &rec
	}
	return cp
}

// Get returns a resource's current state and whether it is managed
// at all.
func (t *Table) Get(resource string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok {
		return State{}, false
	}
	return snapshot(s), true
}

// All returns a snapshot of every managed resource's state, keyed by
// resource name.
func (t *Table) All() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.resources))
	for name, s := range t.resources {
		out[name] = snapshot(s)
	}
	return out
}

// IsAvailable reports whether resource is Free or already Seized onto
// framework (a resource a framework was just granted via a seize is
// available to it even before it calls Accept). Held{framework} is
// deliberately not available: a framework that already holds a
// resource outright has no reason to ask for it again.
func (t *Table) IsAvailable(resource, framework string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok {
		return false
	}
	return s.Status == Free || (s.Status == Seized && s.Holder == framework)
}

// IsNonAvailable is the negation of IsAvailable (mirrors
// coordinator.py's is_resource_non_available).
func (t *Table) IsNonAvailable(resource, framework string) bool {
	return !t.IsAvailable(resource, framework)
}

// IsSeized reports whether resource is Seized onto framework, i.e.
// the new framework still owes an Accept or Return call.
func (t *Table) IsSeized(resource, framework string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok {
		return false
	}
	return s.Status == Seized && s.Holder == framework
}

// IsRetired reports whether resource has been withdrawn from
// scheduling.
func (t *Table) IsRetired(resource string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	return ok && s.Status == Retired
}

// Hold transitions a Free resource directly to Held by framework.
// Returns false if the resource is not Free.
func (t *Table) Hold(resource, framework string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok || s.Status != Free {
		return false
	}
	s.Status = Held
	s.Holder = framework
	s.Seize = nil
	return true
}

// BeginSeize transitions a Held resource into Seizing, recording the
// claim. Returns false if the resource isn't Held or is already mid
// seize.
func (t *Table) BeginSeize(resource string, rec SeizeRecord) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok || s.Status != Held {
		return false
	}
	s.Status = Seizing
	s.SeizeFrom = s.Holder
	recCopy := rec
	s.Seize = &recCopy
	return true
}

// CompleteSeize moves a Seizing resource to Seized once the prior
// holder has released it, handing it to the new framework named in
// the outstanding SeizeRecord.
func (t *Table) CompleteSeize(resource string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok || s.Status != Seizing || s.Seize == nil {
		return false
	}
	s.Status = Seized
	s.Holder = s.Seize.Framework
	return true
}

// Accept transitions resource to Held by framework: either a direct
// grant of a Free resource, or finalizing a seize already granted to
// framework (Seized{framework}), clearing the outstanding seize
// record either way. Accept succeeds in exactly the states
// IsAvailable reports as available to framework — anything else is
// rejected. Returns false if resource is unmanaged, Held elsewhere,
// mid-Seizing, Seized onto a different framework, or Retired.
func (t *Table) Accept(resource, framework string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok {
		return false
	}
	switch {
	case s.Status == Free:
		s.Status = Held
		s.Holder = framework
		s.Seize = nil
		return true
	case s.Status == Seized && s.Holder == framework:
		s.Status = Held
		s.SeizeFrom = ""
		s.Seize = nil
		return true
	default:
		return false
	}
}

// Return releases a Held (or Seized, declined) resource back to Free.
func (t *Table) Return(resource, framework string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok {
		return false
	}
	if s.Status == Held && s.Holder == framework {
		s.Status = Free
		s.Holder = ""
		s.Seize = nil
		return true
	}
	if s.Status == Seized && s.Holder == framework {
		// Declined: fall back to whichever framework it was seized from.
		s.Status = Held
		s.Holder = s.SeizeFrom
		s.SeizeFrom = ""
		s.Seize = nil
		return true
	}
	return false
}

// Retire withdraws a resource from scheduling regardless of its
// current status.
func (t *Table) Retire(resource string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok {
		return false
	}
	s.Status = Retired
	s.Holder = ""
	s.SeizeFrom = ""
	s.Seize = nil
	return true
}

// Reset forces a resource back to Free from any state, used when a
// framework reports a resource as unexpectedly idle (coordinator.py's
// reset_resource).
func (t *Table) Reset(resource string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.resources[resource]
	if !ok {
		return false
	}
	s.Status = Free
	s.Holder = ""
	s.SeizeFrom = ""
	s.Seize = nil
	return true
}

// ClearExpiredSeizes walks every Seizing/Seized resource and, for any
// whose SeizeRecord has outlived window, reverts it to Free: a grant
// only matters if the requesting framework actually consumes it, and
// a force-kick-off that never completes must not leave the resource
// stuck mid-transition forever. Returns the resources that were
// reverted, for the caller to log and to drop from any outstanding
// per-job seize bookkeeping.
func (t *Table) ClearExpiredSeizes(now time.Time, window time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for name, s := range t.resources {
		if s.Seize == nil || !s.Seize.Expired(now, window) {
			continue
		}
		if s.Status != Seizing && s.Status != Seized {
			continue
		}
		s.Status = Free
		s.Holder = ""
		s.SeizeFrom = ""
		s.Seize = nil
		expired = append(expired, name)
	}
	return expired
}
