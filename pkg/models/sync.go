package models

import (
	"fmt"

	"github.com/fabsim/fabsim/pkg/sim"
)

// SyncPolicy decides when a batch of concurrently started nodes is allowed
// to unblock its dependents.
type SyncPolicy string

const (
	// SyncAllComplete waits for every member of the batch.
	SyncAllComplete SyncPolicy = "all_complete"
	// SyncAnyComplete proceeds as soon as the first member finishes; the
	// rest keep running detached and their results are recorded but do not
	// gate downstream nodes.
	SyncAnyComplete SyncPolicy = "any_complete"
	// SyncThreshold proceeds once Threshold members have finished.
	SyncThreshold SyncPolicy = "threshold"
)

// SynchronizationPoint attaches a barrier policy to a set of graph nodes.
// A zero Timeout means no timeout; otherwise the barrier gives up after
// Timeout units of virtual time and proceeds with whatever results exist.
type SynchronizationPoint struct {
	ID        string     `json:"id"`
	Members   []string   `json:"members"   validate:"required,min=1"`
	Policy    SyncPolicy `json:"policy"    validate:"required"`
	Threshold int        `json:"threshold"`
	Timeout   sim.Time   `json:"timeout"`
}

// Validate checks the policy and threshold against the member set.
func (sp SynchronizationPoint) Validate() error {
	switch sp.Policy {
	case SyncAllComplete, SyncAnyComplete:
	case SyncThreshold:
		if sp.Threshold < 1 || sp.Threshold > len(sp.Members) {
			return fmt.Errorf("sync point %s: threshold %d out of range [1,%d]", sp.ID, sp.Threshold, len(sp.Members))
		}
	default:
		return fmt.Errorf("sync point %s: unknown policy %q", sp.ID, sp.Policy)
	}
	if len(sp.Members) == 0 {
		return fmt.Errorf("sync point %s: empty member set", sp.ID)
	}
	return nil
}

// Required returns how many member completions release the barrier.
func (sp SynchronizationPoint) Required() int {
	switch sp.Policy {
	case SyncAnyComplete:
		return 1
	case SyncThreshold:
		return sp.Threshold
	default:
		return len(sp.Members)
	}
}
