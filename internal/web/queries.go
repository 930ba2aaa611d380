package web

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lucasnoah/testfactory/internal/candidate"
)

// unitSummary is the latest known state of a unit, read from its journal.
type unitSummary struct {
	Unit        string   `json:"unit"`
	Attempts    int      `json:"attempts"`
	LastStage   string   `json:"last_stage,omitempty"`
	LastAt      string   `json:"last_at,omitempty"`
	Outcome     string   `json:"outcome,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
	Repairs     int      `json:"repair_cycles"`
	Coverage    *float64 `json:"coverage_percent,omitempty"`
	FailureKind string   `json:"failure_kind,omitempty"`
}

// unitSummaries reads every unit journal in the store.
func (s *Server) unitSummaries() ([]unitSummary, error) {
	ids, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	out := make([]unitSummary, 0, len(ids))
	for _, id := range ids {
		sum := unitSummary{Unit: id}
		history, err := s.store.History(id)
		if err != nil && !errors.Is(err, candidate.ErrNotFound) {
			return nil, fmt.Errorf("history %s: %w", id, err)
		}
		sum.Attempts = len(history)
		if last, ok := candidate.Latest(history); ok {
			sum.LastStage = string(last.Stage)
			sum.LastAt = last.CreatedAt.UTC().Format("2006-01-02 15:04:05")
		}
		o, err := s.store.Outcome(id)
		switch {
		case err == nil:
			sum.Outcome = string(o.Kind)
			sum.Reason = string(o.Reason)
			sum.RunID = o.RunID
			sum.Repairs = o.RepairCycles
			if o.Coverage != nil {
				p := o.Coverage.Percent
				sum.Coverage = &p
			}
			if o.Diagnostic != nil {
				sum.FailureKind = string(o.Diagnostic.Kind)
			}
		case errors.Is(err, candidate.ErrNotFound):
		default:
			return nil, fmt.Errorf("outcome %s: %w", id, err)
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastAt > out[j].LastAt
	})
	return out, nil
}

// outcomeCounts tallies the latest outcome of each unit.
func outcomeCounts(units []unitSummary) map[string]int {
	counts := map[string]int{}
	for _, u := range units {
		if u.Outcome == "" {
			counts["pending"]++
			continue
		}
		counts[u.Outcome]++
	}
	return counts
}
