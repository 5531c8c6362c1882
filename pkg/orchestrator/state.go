package orchestrator

import (
	"time"

	"github.com/Sternrassler/workforce-harvester/pkg/attributes"
	"github.com/Sternrassler/workforce-harvester/pkg/pagination"
	"github.com/Sternrassler/workforce-harvester/pkg/token"
	"github.com/google/uuid"
)

// Phase is the orchestration position.
type Phase string

const (
	PhaseAuthenticate Phase = "authenticate"
	PhaseBase         Phase = "base"
	PhaseAttributes   Phase = "attributes"
	PhaseReconcile    Phase = "reconcile"
	PhaseLoad         Phase = "load"
	PhaseDone         Phase = "done"
)

// State is the full continuation state of a run. It is saved to the
// checkpoint store after every step and holds no credential secrets.
type State struct {
	RunID      string           `json:"run_id"`
	Phase      Phase            `json:"phase"`
	Token      token.Token      `json:"token"`
	Base       pagination.State `json:"base"`
	Attributes attributes.State `json:"attributes"`
	Reconciled int              `json:"reconciled"`
	Loaded     int              `json:"loaded"`
	StartedAt  time.Time        `json:"started_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewState returns the initial state of a run.
func NewState(runID string, now time.Time) State {
	return State{
		RunID:     runID,
		Phase:     PhaseAuthenticate,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Done reports whether the run finished.
func (s State) Done() bool {
	return s.Phase == PhaseDone
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}
