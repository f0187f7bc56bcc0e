package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/ggonzalez94/agent-funding/internal/model"
)

// ErrIntegrity marks a status report that contradicts what was already
// observed. Such reports are dropped, never applied.
var ErrIntegrity = errors.New("bridge status integrity violation")

// NewState is the record created when a quote is submitted.
func NewState(quoteID string, requests []model.BridgeRequest, now time.Time) model.BridgeExecutionState {
	return model.BridgeExecutionState{
		ID:        quoteID,
		Status:    model.ExecutionSubmitted,
		Legs:      []model.LegState{},
		Requests:  requests,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Apply folds a backend observation into the current state. Terminal states
// never change. A leg that was done must stay done and the number of legs
// cannot change once known; either violation rejects the whole observation
// with ErrIntegrity and current is returned untouched.
func Apply(current model.BridgeExecutionState, obs Observation, now time.Time) (model.BridgeExecutionState, error) {
	if current.Terminal() {
		return current, nil
	}
	if len(current.Legs) > 0 && len(obs.Legs) != len(current.Legs) {
		return current, fmt.Errorf("%w: %s reported %d legs, expected %d", ErrIntegrity, current.ID, len(obs.Legs), len(current.Legs))
	}

	legs := make([]model.LegState, len(obs.Legs))
	for i, leg := range obs.Legs {
		if !validLeg(leg.Status) {
			return current, fmt.Errorf("%w: %s leg %d has unknown status %q", ErrIntegrity, current.ID, i, leg.Status)
		}
		if i < len(current.Legs) && current.Legs[i].Status == model.LegDone {
			prev := current.Legs[i]
			if leg.Status != model.LegDone {
				return current, fmt.Errorf("%w: %s leg %d regressed from %s to %s", ErrIntegrity, current.ID, i, prev.Status, leg.Status)
			}
			if leg.TxHash == "" {
				leg.TxHash = prev.TxHash
			}
			if leg.ExplorerLink == "" {
				leg.ExplorerLink = prev.ExplorerLink
			}
		}
		legs[i] = leg
	}

	next := current
	next.Legs = legs
	next.Status = overallStatus(current.Status, obs.Reported, legs)
	next.UpdatedAt = now.UTC()
	return next, nil
}

// overallStatus is DONE once every leg is done and ERROR once every leg is
// terminal with at least one failure. It never moves back to SUBMITTED.
func overallStatus(previous, reported model.ExecutionStatus, legs []model.LegState) model.ExecutionStatus {
	if len(legs) == 0 {
		switch reported {
		case model.ExecutionDone, model.ExecutionError, model.ExecutionExecuting:
			return reported
		}
		return previous
	}

	allDone, allTerminal, anyStarted := true, true, false
	for _, leg := range legs {
		if leg.Status != model.LegDone {
			allDone = false
		}
		if !leg.Status.Terminal() {
			allTerminal = false
		}
		if leg.Status != model.LegPending || leg.TxHash != "" {
			anyStarted = true
		}
	}
	switch {
	case allDone:
		return model.ExecutionDone
	case allTerminal:
		return model.ExecutionError
	case anyStarted, previous == model.ExecutionExecuting, reported == model.ExecutionExecuting:
		return model.ExecutionExecuting
	default:
		return model.ExecutionSubmitted
	}
}

func validLeg(s model.LegStatus) bool {
	switch s {
	case model.LegPending, model.LegDone, model.LegFailed:
		return true
	}
	return false
}

// changed reports whether next differs from prev in anything a caller renders.
func changed(prev, next model.BridgeExecutionState) bool {
	if prev.Status != next.Status || len(prev.Legs) != len(next.Legs) {
		return true
	}
	for i := range prev.Legs {
		if prev.Legs[i] != next.Legs[i] {
			return true
		}
	}
	return false
}
