package swarm

import (
	"errors"
	"fmt"

	"swarmd/internal/safety"
)

// ErrCancelled is returned when the mission's context was cancelled. The
// trace is persisted as failed with error "cancelled" before it surfaces.
var ErrCancelled = errors.New("cancelled")

// SafetyBlockedError reports a mission stopped by the input scan. A
// failed trace has been persisted by the time this surfaces.
type SafetyBlockedError struct {
	TraceID string
	Flags   []safety.RedTeamFlag
}

func (e *SafetyBlockedError) Error() string {
	return fmt.Sprintf("mission blocked by safety system (%d flags)", len(e.Flags))
}

// BudgetExceededError reports a pre-flight estimate above the budget.
// No trace is persisted for this failure.
type BudgetExceededError struct {
	Estimate  float64
	MaxBudget float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("estimated cost $%.4f exceeds budget $%.2f", e.Estimate, e.MaxBudget)
}

// SynthesisError reports that both the primary and fallback synthesis
// models failed; it is fatal to the mission.
type SynthesisError struct {
	Primary  error
	Fallback error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}
