package reconcile

import (
	"context"

	loopfsm "github.com/looplab/fsm"

	"github.com/mkarlsen/CrewDesk/app/models"
)

// Transition is one edge of the lifecycle graph.
type Transition struct {
	Src string
	Dst string
}

// Transitions is the full set of webhook-reachable lifecycle edges. none and
// trial_pending are entry states (tenant provisioning / explicit trial
// start); canceled is terminal for a given subscription identity and is left
// only through an explicit administrative reinstatement.
var Transitions = []Transition{
	{Src: models.BillingStatusTrialPending, Dst: models.BillingStatusTrialActive},
	{Src: models.BillingStatusTrialActive, Dst: models.BillingStatusActive},
	{Src: models.BillingStatusTrialPending, Dst: models.BillingStatusActive},
	{Src: models.BillingStatusActive, Dst: models.BillingStatusPastDue},
	{Src: models.BillingStatusPastDue, Dst: models.BillingStatusActive},
	{Src: models.BillingStatusActive, Dst: models.BillingStatusCanceled},
	{Src: models.BillingStatusPastDue, Dst: models.BillingStatusCanceled},
}

// transitionEvents converts the adjacency table into looplab/fsm EventDesc
// form. Edges sharing a destination collapse into one event named after the
// destination status, so validating "current -> target" is firing the event
// named target.
var transitionEvents = buildTransitionEvents()

func buildTransitionEvents() []loopfsm.EventDesc {
	grouped := make(map[string][]string)
	order := make([]string, 0)

	for _, t := range Transitions {
		if _, exists := grouped[t.Dst]; !exists {
			order = append(order, t.Dst)
		}
		grouped[t.Dst] = append(grouped[t.Dst], t.Src)
	}

	out := make([]loopfsm.EventDesc, 0, len(order))
	for _, dst := range order {
		out = append(out, loopfsm.EventDesc{
			Name: dst,
			Src:  grouped[dst],
			Dst:  dst,
		})
	}
	return out
}

// CanTransition reports whether current -> target is an edge of the
// lifecycle graph. A fresh FSM instance is built per call because
// looplab/fsm tracks its current state internally. Self-transitions are not
// graph edges; the engine treats them as benign-duplicate no-ops before it
// gets here.
func CanTransition(ctx context.Context, current, target string) bool {
	machine := loopfsm.NewFSM(current, transitionEvents, nil)

	// No callbacks are registered, so the only failure modes are
	// InvalidEventError and NoTransitionError: both mean "not an edge".
	err := machine.Event(ctx, target)
	return err == nil
}
