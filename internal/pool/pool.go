package pool

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmacedo/galton/internal/config"
)

// SlotState is the scheduling state of a compute slot.
type SlotState string

const (
	SlotAvailable SlotState = "available"
	SlotBusy      SlotState = "busy"
)

// Slot is one unit of external compute capacity bound to a specific worker
// endpoint and model family. The family never changes at runtime.
type Slot struct {
	ID       string
	Family   string
	Endpoint string
}

type slotEntry struct {
	slot         Slot
	state        SlotState
	currentJobID string
}

// Registry holds the fixed set of compute slots. Acquire and Release are the
// only mutating entry points; both run under a single mutex so the
// check-then-mark step is atomic.
type Registry struct {
	mu    sync.Mutex
	slots []*slotEntry
}

// NewRegistry builds the slot table from static configuration.
func NewRegistry(slots []config.SlotConfig) *Registry {
	r := &Registry{}
	for _, sc := range slots {
		r.slots = append(r.slots, &slotEntry{
			slot:  Slot{ID: sc.ID, Family: sc.Family, Endpoint: sc.Endpoint},
			state: SlotAvailable,
		})
	}
	return r
}

// Acquire atomically finds an available slot matching family, marks it busy
// for jobID and returns it. The second return is false when no matching slot
// is available.
func (r *Registry) Acquire(family, jobID string) (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.slots {
		if entry.state != SlotAvailable || entry.slot.Family != family {
			continue
		}
		entry.state = SlotBusy
		entry.currentJobID = jobID
		slog.Debug("Compute slot acquired",
			"slot_id", entry.slot.ID,
			"family", family,
			"job_id", jobID,
		)
		return entry.slot, true
	}
	return Slot{}, false
}

// Release transitions a slot back to available and clears its current job.
// Releasing an already-available slot logs and is otherwise a no-op.
func (r *Registry) Release(slotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.slots {
		if entry.slot.ID != slotID {
			continue
		}
		if entry.state == SlotAvailable {
			slog.Warn("Release of already-available slot", "slot_id", slotID)
			return
		}
		previousJob := entry.currentJobID
		entry.state = SlotAvailable
		entry.currentJobID = ""
		slog.Debug("Compute slot released",
			"slot_id", slotID,
			"completed_job_id", previousJob,
		)
		return
	}
	slog.Warn("Release of unknown slot", "slot_id", slotID)
}

// HasFamily reports whether any slot, busy or not, serves the given family.
// Used for request validation, not for scheduling decisions.
func (r *Registry) HasFamily(family string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.slots {
		if entry.slot.Family == family {
			return true
		}
	}
	return false
}

// SlotStatus is the diagnostic view of a single slot.
type SlotStatus struct {
	ID           string    `json:"id"`
	Family       string    `json:"family"`
	State        SlotState `json:"state"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
}

// Snapshot is a read-only view of the pool for health reporting. It must
// never drive acquire/release decisions.
type Snapshot struct {
	Total       int          `json:"total"`
	Available   int          `json:"available"`
	Busy        int          `json:"busy"`
	Utilization string       `json:"utilization"`
	Slots       []SlotStatus `json:"slots"`
}

// Snapshot returns the current diagnostic view of the pool.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Total: len(r.slots)}
	for _, entry := range r.slots {
		if entry.state == SlotAvailable {
			snap.Available++
		} else {
			snap.Busy++
		}
		snap.Slots = append(snap.Slots, SlotStatus{
			ID:           entry.slot.ID,
			Family:       entry.slot.Family,
			State:        entry.state,
			CurrentJobID: entry.currentJobID,
		})
	}
	if snap.Total > 0 {
		snap.Utilization = fmt.Sprintf("%.1f%%", float64(snap.Busy)/float64(snap.Total)*100)
	} else {
		snap.Utilization = "0.0%"
	}
	return snap
}
