package policy

import (
	"time"

	"github.com/ppiankov/fleetwatch/internal/deploy"
	"github.com/ppiankov/fleetwatch/internal/model"
	"github.com/ppiankov/fleetwatch/internal/world"
)

// Deployments is the read-only view of the deployment registry rules need.
// *deploy.Manager satisfies it.
type Deployments interface {
	Get(id string) (deploy.Record, bool)
	List() []deploy.Record
	CanReach(id string, to deploy.State) error
}

// Input is everything a rule may look at. Now is the snapshot build time;
// rules never read the wall clock.
type Input struct {
	Snapshot    *world.Snapshot
	Deployments Deployments
	Now         time.Time
}

// Candidate is a rule's proposal before the engine stamps confidence and
// priority onto it.
type Candidate struct {
	Type      model.ActionType
	Target    string
	Rationale string
	Params    map[string]string
	Expect    []model.Criterion
	// Boost is added to the rule's base confidence, capped at 1.
	Boost float64
}

// Rule is one named, independently testable pattern.
type Rule struct {
	Name        string
	Description string
	Emits       []model.ActionType
	Confidence  float64
	Priority    int
	Match       func(in Input) []Candidate
}
