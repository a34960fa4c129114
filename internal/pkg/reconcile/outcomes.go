package reconcile

import (
	"errors"

	"github.com/mkarlsen/CrewDesk/app/models"
)

// Outcome is the engine's synchronous answer for one delivery attempt. Every
// outcome must be acknowledged to the provider; only a transient error may
// trigger redelivery.
type Outcome string

const (
	OutcomeApplied           = Outcome(models.EventOutcomeApplied)
	OutcomeIgnoredStale      = Outcome(models.EventOutcomeIgnoredStale)
	OutcomeIgnoredDuplicate  = Outcome(models.EventOutcomeIgnoredDuplicate)
	OutcomeRejectedUntrusted = Outcome(models.EventOutcomeRejectedUntrusted)
	OutcomeRejectedMalformed = Outcome(models.EventOutcomeRejectedMalformed)
)

// ErrTransient marks storage failures that left no terminal ledger outcome.
// Callers must propagate it as a retryable error so the provider redelivers.
var ErrTransient = errors.New("transient storage failure")

// IsRejected reports whether an outcome is a terminal rejection worth
// surfacing to operational alerting.
func (o Outcome) IsRejected() bool {
	return o == OutcomeRejectedUntrusted || o == OutcomeRejectedMalformed
}
