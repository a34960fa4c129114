package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarlsen/CrewDesk/app/models"
)

// Dispatcher is notified after a committed transition that changed the
// tenant's status. It is fire-and-forget from the engine's point of view:
// failures are logged and never roll back the committed state change, and it
// must tolerate being invoked more than once for the same transition.
type Dispatcher interface {
	BillingStatusChanged(ctx context.Context, tenantID uint, oldStatus, newStatus string) error
}

// NoopDispatcher discards notifications.
type NoopDispatcher struct{}

func (NoopDispatcher) BillingStatusChanged(context.Context, uint, string, string) error { return nil }

// Config is the engine's tunable surface. The transition graph itself is
// fixed and not configurable.
type Config struct {
	// DedupWindow bounds how far apart two causally linked provider events
	// may arrive and still be treated as one business transition. This is a
	// heuristic, not a provider guarantee; keep it a tunable.
	DedupWindow time.Duration

	// TrialPeriod sets trial_ends_at when a trial activates.
	TrialPeriod time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow: 60 * time.Second,
		TrialPeriod: 14 * 24 * time.Hour,
	}
}

// Engine converts at-least-once, out-of-order, occasionally adversarial
// provider notifications into a single consistent billing state per tenant.
// The unique-key claim in the processed-events ledger is the only
// synchronization primitive; record updates are conditional writes retried
// once against re-evaluated guards.
type Engine struct {
	repo       Repository
	dispatcher Dispatcher
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// NewEngine wires an engine from its collaborators. A nil dispatcher is
// replaced with a no-op one.
func NewEngine(repo Repository, dispatcher Dispatcher, cfg Config, log zerolog.Logger) *Engine {
	if dispatcher == nil {
		dispatcher = NoopDispatcher{}
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	if cfg.TrialPeriod <= 0 {
		cfg.TrialPeriod = DefaultConfig().TrialPeriod
	}
	return &Engine{
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Process handles one delivery attempt of one provider event. Every returned
// outcome must be acknowledged to the provider; a non-nil error is always
// transient and must propagate as retryable.
func (e *Engine) Process(ctx context.Context, event InboundEvent) (Outcome, error) {
	row := &models.ProcessedEvent{
		ExternalEventID: event.ExternalEventID,
		EventType:       event.EventType,
		CustomerRef:     event.CustomerRef,
		SubscriptionRef: event.SubscriptionRef,
		PayloadJSON:     event.PayloadJSON,
		Outcome:         models.EventOutcomePending,
		ReceivedAt:      e.now(),
	}

	claimed, stored, err := e.repo.ClaimEvent(ctx, row)
	if err != nil {
		return "", err
	}
	if !claimed {
		e.log.Debug().
			Str("external_event_id", event.ExternalEventID).
			Str("event_type", event.EventType).
			Msg("duplicate delivery, claim already held")
		return OutcomeIgnoredDuplicate, nil
	}

	return e.reconcile(ctx, stored.ID, event)
}

// reconcile runs the post-claim pipeline: resolve, guard, conditionally
// apply. On a conditional-write conflict the record is re-read and the
// guards re-evaluated once; a second conflict is transient and left to the
// pending sweep / provider retry.
func (e *Engine) reconcile(ctx context.Context, eventID uint, event InboundEvent) (Outcome, error) {
	const attempts = 2

	for attempt := 0; attempt < attempts; attempt++ {
		record, err := e.repo.FindRecordByResource(ctx, event.CustomerRef, event.SubscriptionRef)
		if err != nil {
			return "", err
		}

		target, _ := TargetStatus(event.EventType)
		gctx := &guardContext{
			ctx:    ctx,
			event:  event,
			record: record,
			target: target,
			now:    e.now(),
			cfg:    e.cfg,
		}

		if name, v := runGuards(gctx); v != nil {
			if err := e.repo.FinalizeEvent(ctx, eventID, v.outcome, v.note); err != nil {
				return "", err
			}
			e.logVeto(event, name, v)
			return v.outcome, nil
		}

		updates := buildUpdates(record, event, target, gctx.now, e.cfg)
		applied, err := e.repo.ApplyTransition(ctx, record.ID, record.Status, updates, eventID)
		if err != nil {
			return "", err
		}
		if !applied {
			// A concurrent event for the same tenant won the write; the
			// guards may now veto this one.
			e.log.Info().
				Str("external_event_id", event.ExternalEventID).
				Uint("tenant_id", record.TenantID).
				Msg("billing record moved underneath apply, re-evaluating")
			continue
		}

		if target != record.Status {
			if derr := e.dispatcher.BillingStatusChanged(ctx, record.TenantID, record.Status, target); derr != nil {
				e.log.Error().Err(derr).
					Uint("tenant_id", record.TenantID).
					Str("old_status", record.Status).
					Str("new_status", target).
					Msg("dispatcher notification failed, transition already committed")
			}
		}
		e.log.Info().
			Str("external_event_id", event.ExternalEventID).
			Str("event_type", event.EventType).
			Uint("tenant_id", record.TenantID).
			Str("old_status", record.Status).
			Str("new_status", target).
			Msg("billing transition applied")
		return OutcomeApplied, nil
	}

	return "", fmt.Errorf("%w: billing record contended, event %s left pending", ErrTransient, event.ExternalEventID)
}

// SweepPending re-evaluates ledger reservations stuck in PENDING, i.e.
// events whose processing crashed between claim and finalize. Intended for a
// periodic background ticker.
func (e *Engine) SweepPending(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := e.repo.ListPendingEvents(ctx, e.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, row := range rows {
		event := InboundEvent{
			ExternalEventID: row.ExternalEventID,
			EventType:       row.EventType,
			CustomerRef:     row.CustomerRef,
			SubscriptionRef: row.SubscriptionRef,
			PayloadJSON:     row.PayloadJSON,
		}
		outcome, err := e.reconcile(ctx, row.ID, event)
		if err != nil {
			e.log.Error().Err(err).
				Str("external_event_id", row.ExternalEventID).
				Msg("pending sweep could not settle event")
			continue
		}
		e.log.Info().
			Str("external_event_id", row.ExternalEventID).
			Str("outcome", string(outcome)).
			Msg("pending event settled by sweep")
		recovered++
	}
	return recovered, nil
}

func (e *Engine) logVeto(event InboundEvent, guardName string, v *veto) {
	logEvent := e.log.Debug()
	if v.outcome.IsRejected() {
		// Untrusted rejections are a security signal, malformed ones an
		// integration signal; both belong in alerting.
		logEvent = e.log.Warn()
	}
	logEvent.
		Str("external_event_id", event.ExternalEventID).
		Str("event_type", event.EventType).
		Str("guard", guardName).
		Str("outcome", string(v.outcome)).
		Str("note", v.note).
		Msg("event vetoed")
}

// buildUpdates computes the column set for one transition. A self-transition
// moves only the event bookkeeping. Subscription and customer refs are
// written exclusively by activation transitions.
func buildUpdates(record *models.BillingRecord, event InboundEvent, target string, now time.Time, cfg Config) map[string]interface{} {
	updates := map[string]interface{}{
		"last_event_type": event.EventType,
		"last_event_at":   now,
	}
	if target == record.Status {
		return updates
	}

	updates["status"] = target
	activating := record.Status == models.BillingStatusTrialPending ||
		record.Status == models.BillingStatusTrialActive

	switch target {
	case models.BillingStatusTrialActive:
		updates["trial_started_at"] = now
		updates["trial_ends_at"] = now.Add(cfg.TrialPeriod)
	case models.BillingStatusActive:
		if activating {
			updates["subscription_started_at"] = now
		}
	case models.BillingStatusCanceled:
		updates["canceled_at"] = now
	}

	if activating && (target == models.BillingStatusTrialActive || target == models.BillingStatusActive) {
		updates["external_customer_ref"] = event.CustomerRef
		if event.SubscriptionRef != "" {
			updates["external_subscription_ref"] = event.SubscriptionRef
		}
	}
	return updates
}
