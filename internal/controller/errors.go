package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreFault aborts the whole run: the candidate store could not
	// read or persist history, so no further outcome can be trusted.
	ErrStoreFault = errors.New("candidate store fault")
	// ErrDuplicateUnit is returned when a worklist names a unit twice.
	ErrDuplicateUnit = errors.New("duplicate unit in worklist")
	// ErrNoUnits is returned for an empty worklist.
	ErrNoUnits = errors.New("empty worklist")
)

func storeFault(op, unit string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStoreFault, op, unit, err)
}

// Detail values recorded on outcomes.
const (
	DetailRepairNonProgress = "repair_non_progress"
	DetailBudgetExhausted   = "repair_budget_exhausted"
)
