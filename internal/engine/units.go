package engine

import (
	"github.com/roach88/fedq/internal/failure"
	"github.com/roach88/fedq/internal/plan"
)

// UnitState is the lifecycle state of a deployment unit.
type UnitState uint8

const (
	unitAbsent UnitState = iota
	// UnitDeployed accepts requests.
	UnitDeployed
	// UnitWithdrawing rejects requests; its caches are cleared and its
	// in-flight requests cancelled.
	UnitWithdrawing
)

func (s UnitState) String() string {
	switch s {
	case UnitDeployed:
		return "deployed"
	case UnitWithdrawing:
		return "withdrawing"
	default:
		return "absent"
	}
}

// commandRegistry is implemented by planners that hold per-unit commands.
type commandRegistry interface {
	Register(unit string, cmds ...plan.Command)
	Forget(unit string)
}

// Withdrawal reports what a withdrawal cleared.
type Withdrawal struct {
	Unit          string
	ResultEntries int      // result cache entries removed on this node
	PlanEntries   int      // plan cache entries removed on this node
	Cancelled     []string // in-flight requests cancelled
}

// Deploy makes unit available, registering cmds with the planner when it
// holds commands.
func (e *Engine) Deploy(unit string, cmds ...plan.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.units[unit] == UnitDeployed {
		return newUnitError(ErrCodeUnitDeployed, unit, "unit is already deployed")
	}
	if reg, ok := e.planner.(commandRegistry); ok {
		reg.Forget(unit)
		reg.Register(unit, cmds...)
	}
	e.units[unit] = UnitDeployed
	e.deployments++
	e.epochs[unit] = e.deployments
	e.logger.Info("unit deployed", "unit", unit, "commands", len(cmds))
	return nil
}

// Withdrawing marks unit as going away: new submissions fail, both caches
// drop the unit's entries and its in-flight requests are cancelled before
// Withdrawing returns.
func (e *Engine) Withdrawing(unit string) (Withdrawal, error) {
	e.mu.Lock()
	if e.units[unit] == unitAbsent {
		e.mu.Unlock()
		return Withdrawal{}, newUnitError(ErrCodeUnknownUnit, unit, "unit is not deployed")
	}
	e.units[unit] = UnitWithdrawing
	e.mu.Unlock()

	w := e.clearUnit(unit)
	e.logger.Info("unit withdrawing",
		"unit", unit,
		"result_entries", w.ResultEntries,
		"plan_entries", w.PlanEntries,
		"cancelled", len(w.Cancelled))
	return w, nil
}

// Withdrawn removes unit. It performs the same clearing as Withdrawing,
// so a Withdrawn without a preceding Withdrawing is safe.
func (e *Engine) Withdrawn(unit string) (Withdrawal, error) {
	e.mu.Lock()
	if e.units[unit] == unitAbsent {
		e.mu.Unlock()
		return Withdrawal{}, newUnitError(ErrCodeUnknownUnit, unit, "unit is not deployed")
	}
	e.units[unit] = UnitWithdrawing
	e.mu.Unlock()

	w := e.clearUnit(unit)

	e.mu.Lock()
	delete(e.units, unit)
	delete(e.epochs, unit)
	if reg, ok := e.planner.(commandRegistry); ok {
		reg.Forget(unit)
	}
	e.mu.Unlock()

	e.logger.Info("unit withdrawn", "unit", unit, "result_entries", w.ResultEntries, "plan_entries", w.PlanEntries)
	return w, nil
}

func (e *Engine) clearUnit(unit string) Withdrawal {
	cancelled := e.sched.CancelUnit(unit, failure.Cancelled("engine.withdraw", "unit %s withdrawn", unit))
	return Withdrawal{
		Unit:          unit,
		ResultEntries: e.results.ClearForUnit(unit),
		PlanEntries:   e.plans.ClearForUnit(unit),
		Cancelled:     cancelled,
	}
}

// Unit returns the lifecycle state of unit.
func (e *Engine) Unit(unit string) UnitState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.units[unit]
}

// deployment returns the deployment unit is currently on, or the unit
// error when it does not accept requests.
func (e *Engine) deployment(unit string) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.units[unit] != UnitDeployed {
		return 0, e.unitErrorLocked(unit)
	}
	return e.epochs[unit], nil
}

// onDeploymentLocked reports whether unit is still deployed on epoch.
// Work started against an earlier deployment must not reach the caches.
func (e *Engine) onDeploymentLocked(unit string, epoch uint64) bool {
	return e.units[unit] == UnitDeployed && e.epochs[unit] == epoch
}
