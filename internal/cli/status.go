package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/discovery"
)

// unitStatus is a discovered unit joined with its journal.
type unitStatus struct {
	Unit      string `json:"unit"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Attempts  int    `json:"attempts"`
	LastStage string `json:"last_stage,omitempty"`
	Changed   bool   `json:"changed"`
	RunID     string `json:"run_id,omitempty"`
}

// unitStatuses reports each unit's latest outcome. A unit whose source
// changed since that outcome is marked Changed and will be regenerated.
func unitStatuses(store *candidate.Store, units []discovery.Unit) ([]unitStatus, error) {
	out := make([]unitStatus, 0, len(units))
	for _, u := range units {
		st := unitStatus{Unit: u.ID, Status: "new"}
		history, err := store.History(u.ID)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", u.ID, err)
		}
		st.Attempts = len(history)
		if last, ok := candidate.Latest(history); ok {
			st.Status = "in_progress"
			st.LastStage = string(last.Stage)
			st.Changed = last.Digest != u.Digest
		}
		o, err := store.Outcome(u.ID)
		switch {
		case err == nil:
			st.Status = string(o.Kind)
			st.Reason = string(o.Reason)
			st.RunID = o.RunID
			st.Changed = o.Digest != u.Digest
			if len(history) > o.Attempts {
				st.Status = "in_progress"
			}
		case errors.Is(err, candidate.ErrNotFound):
		default:
			return nil, fmt.Errorf("outcome %s: %w", u.ID, err)
		}
		out = append(out, st)
	}
	return out, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest outcome of every discovered unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		units, err := a.discover()
		if err != nil {
			return usageError(fmt.Errorf("discover: %w", err))
		}
		only, _ := cmd.Flags().GetStringSlice("only")
		units = discovery.Filter(units, only)

		store, err := a.store()
		if err != nil {
			return internalError(err)
		}
		infos, err := unitStatuses(store, units)
		if err != nil {
			return internalError(err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(infos, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No units found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-12s %-18s %-4s %-16s %s\n", "STATUS", "REASON", "ATT", "LAST STAGE", "UNIT")
		fmt.Fprintf(w, "%-12s %-18s %-4s %-16s %s\n",
			strings.Repeat("-", 12),
			strings.Repeat("-", 18),
			strings.Repeat("-", 4),
			strings.Repeat("-", 16),
			strings.Repeat("-", 4))
		for _, info := range infos {
			unit := info.Unit
			if info.Changed {
				unit += " (changed)"
			}
			fmt.Fprintf(w, "%-12s %-18s %-4d %-16s %s\n",
				info.Status, info.Reason, info.Attempts, info.LastStage, unit)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringSlice("only", nil, "limit to units under these paths (repeatable)")
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
