package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/mkarlsen/CrewDesk/app/models"
)

// guardContext is everything a guard may look at: the parsed event, the
// resolved billing record (nil when resolution failed), the event's target
// status and a stable "now". Guards never mutate anything.
type guardContext struct {
	ctx    context.Context
	event  InboundEvent
	record *models.BillingRecord
	target string
	now    time.Time
	cfg    Config
}

// veto stops the pipeline and becomes the event's terminal outcome.
type veto struct {
	outcome Outcome
	note    string
}

type guard struct {
	name  string
	check func(*guardContext) *veto
}

// guards run in fixed order after a successful ledger claim and before any
// mutation; the first veto wins.
var guards = []guard{
	{name: "resolution", check: checkResolution},
	{name: "authority", check: checkAuthority},
	{name: "transition_validity", check: checkTransitionValidity},
	{name: "semantic_dedup", check: checkSemanticDedup},
	{name: "resource_identity", check: checkResourceIdentity},
}

// checkResolution rejects events whose shape the engine cannot work with and
// events whose resource identity maps to no tenant. Tenant resolution uses
// the provider's customer/subscription references exclusively; free-text
// metadata in the payload is untrusted by definition.
func checkResolution(g *guardContext) *veto {
	if g.target == "" {
		return &veto{
			outcome: OutcomeRejectedMalformed,
			note:    fmt.Sprintf("unknown event type %q", g.event.EventType),
		}
	}
	if g.event.CustomerRef == "" {
		return &veto{outcome: OutcomeRejectedMalformed, note: "event carries no customer ref"}
	}
	if IsDestructiveEvent(g.event.EventType) && g.event.SubscriptionRef == "" {
		return &veto{outcome: OutcomeRejectedMalformed, note: "destructive event carries no subscription ref"}
	}
	if g.record == nil {
		return &veto{outcome: OutcomeRejectedMalformed, note: "no tenant for resource identity"}
	}
	return nil
}

// checkAuthority refuses webhook-driven activation unless this system
// previously armed the tenant for it (checkout initiation set the authority
// to external_processor). An attacker-crafted event naming another tenant's
// identifiers fails here regardless of its contents.
func checkAuthority(g *guardContext) *veto {
	if !IsActivationEvent(g.event.EventType) {
		return nil
	}
	if g.record.PaymentAuthority != models.PaymentAuthorityExternalProcessor {
		return &veto{
			outcome: OutcomeRejectedUntrusted,
			note:    fmt.Sprintf("activation with payment authority %q", g.record.PaymentAuthority),
		}
	}
	return nil
}

// checkTransitionValidity discards events that arrive out of order relative
// to already-applied later events. A self-transition is a benign duplicate
// and passes through as a no-op apply.
func checkTransitionValidity(g *guardContext) *veto {
	if g.target == g.record.Status {
		return nil
	}
	if !CanTransition(g.ctx, g.record.Status, g.target) {
		return &veto{
			outcome: OutcomeIgnoredStale,
			note:    fmt.Sprintf("no edge %s -> %s", g.record.Status, g.target),
		}
	}
	return nil
}

// checkSemanticDedup drops the second of two causally linked provider events
// for the same business transition (e.g. checkout_completed followed seconds
// later by the first invoice_paid). Applying both would be harmless at the
// status level but would reset timestamps.
func checkSemanticDedup(g *guardContext) *veto {
	group := SemanticGroup(g.event.EventType)
	if group == "" || g.record.LastEventType == "" || g.record.LastEventAt == nil {
		return nil
	}
	if SemanticGroup(g.record.LastEventType) != group {
		return nil
	}
	if age := g.now.Sub(*g.record.LastEventAt); age < g.cfg.DedupWindow {
		return &veto{
			outcome: OutcomeIgnoredDuplicate,
			note:    fmt.Sprintf("%s within %s of %s", g.event.EventType, age.Round(time.Millisecond), g.record.LastEventType),
		}
	}
	return nil
}

// checkResourceIdentity ignores destructive events that name a subscription
// other than the one currently on record: that subscription has been
// superseded and must not cancel the tenant's current one.
func checkResourceIdentity(g *guardContext) *veto {
	if !IsDestructiveEvent(g.event.EventType) {
		return nil
	}
	if g.record.ExternalSubscriptionRef == nil || *g.record.ExternalSubscriptionRef != g.event.SubscriptionRef {
		return &veto{
			outcome: OutcomeIgnoredStale,
			note:    fmt.Sprintf("subscription ref %q is not the recorded subscription", g.event.SubscriptionRef),
		}
	}
	return nil
}

func runGuards(g *guardContext) (string, *veto) {
	for _, gd := range guards {
		if v := gd.check(g); v != nil {
			return gd.name, v
		}
	}
	return "", nil
}
