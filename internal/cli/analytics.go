package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testfactory/internal/analytics"
	"github.com/lucasnoah/testfactory/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline analytics from the event mirror",
}

// withDB opens the mirror and passes it to fn, printing JSON when --format
// json is set and falling back to text otherwise.
func withDB(fn func(cmd *cobra.Command, d *db.DB, since string) (any, func(io.Writer), error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		database, err := a.openDB()
		if err != nil {
			return internalError(err)
		}
		defer database.Close()

		since, _ := cmd.Flags().GetString("since")
		v, text, err := fn(cmd, database, since)
		if err != nil {
			return internalError(err)
		}
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		text(cmd.OutOrStdout())
		return nil
	}
}

func rule(widths ...int) []any {
	out := make([]any, len(widths))
	for i, w := range widths {
		out[i] = strings.Repeat("-", w)
	}
	return out
}

var analyticsOutcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Success, exhaustion and abort rates",
	RunE: withDB(func(cmd *cobra.Command, d *db.DB, since string) (any, func(io.Writer), error) {
		r, err := analytics.QueryOutcomeRates(d, since)
		if err != nil {
			return nil, nil, err
		}
		return r, func(w io.Writer) {
			fmt.Fprintf(w, "Units:             %d (+%d reused)\n", r.Total, r.Resumed)
			fmt.Fprintf(w, "Succeeded:         %d (%.1f%%, %.1f%% on first build)\n", r.Succeeded, r.SuccessRate, r.FirstBuildRate)
			fmt.Fprintf(w, "Exhausted:         %d\n", r.Exhausted)
			fmt.Fprintf(w, "Aborted:           %d\n", r.Aborted)
			fmt.Fprintf(w, "Mean repairs:      %.1f\n", r.MeanRepairs)
			fmt.Fprintf(w, "Guard firings:     %d\n", r.GuardFirings)
			if r.CoverageSamples > 0 {
				fmt.Fprintf(w, "Mean coverage:     %.1f%% over %d unit(s)\n", r.MeanCoverage, r.CoverageSamples)
			}
		}, nil
	}),
}

var analyticsStateDurationCmd = &cobra.Command{
	Use:   "state-duration",
	Short: "Average and percentile time spent in each pipeline state",
	RunE: withDB(func(cmd *cobra.Command, d *db.DB, since string) (any, func(io.Writer), error) {
		rows, err := analytics.QueryStateDurations(d, since)
		if err != nil {
			return nil, nil, err
		}
		return rows, func(w io.Writer) {
			fmt.Fprintf(w, "%-12s %-6s %-9s %-9s %s\n", "STATE", "COUNT", "AVG(s)", "P50(s)", "P95(s)")
			fmt.Fprintf(w, "%-12s %-6s %-9s %-9s %s\n", rule(12, 6, 9, 9, 6)...)
			for _, r := range rows {
				fmt.Fprintf(w, "%-12s %-6d %-9.1f %-9.1f %.1f\n", r.State, r.Count, r.Avg, r.P50, r.P95)
			}
		}, nil
	}),
}

var analyticsFailureKindsCmd = &cobra.Command{
	Use:   "failure-kinds",
	Short: "Distribution of classified build failures and how often each was repaired",
	RunE: withDB(func(cmd *cobra.Command, d *db.DB, since string) (any, func(io.Writer), error) {
		rows, err := analytics.QueryFailureKinds(d, since)
		if err != nil {
			return nil, nil, err
		}
		return rows, func(w io.Writer) {
			fmt.Fprintf(w, "%-18s %-6s %-8s %s\n", "KIND", "COUNT", "SHARE", "REPAIRED")
			fmt.Fprintf(w, "%-18s %-6s %-8s %s\n", rule(18, 6, 8, 8)...)
			for _, r := range rows {
				fmt.Fprintf(w, "%-18s %-6d %-8s %s\n", r.Kind, r.Count, fmt.Sprintf("%.1f%%", r.Share), fmt.Sprintf("%.1f%%", r.Repaired))
			}
		}, nil
	}),
}

var analyticsRepairCyclesCmd = &cobra.Command{
	Use:   "repair-cycles",
	Short: "Distribution of repair cycles per unit",
	RunE: withDB(func(cmd *cobra.Command, d *db.DB, since string) (any, func(io.Writer), error) {
		rows, err := analytics.QueryRepairCycles(d, since)
		if err != nil {
			return nil, nil, err
		}
		return rows, func(w io.Writer) {
			fmt.Fprintf(w, "%-7s %-10s %s\n", "CYCLES", "SUCCEEDED", "EXHAUSTED")
			fmt.Fprintf(w, "%-7s %-10s %s\n", rule(7, 10, 9)...)
			for _, r := range rows {
				fmt.Fprintf(w, "%-7d %-10d %d\n", r.Cycles, r.Succeeded, r.Exhausted)
			}
		}, nil
	}),
}

var analyticsRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Recent runs with success rate and wall time",
	RunE: withDB(func(cmd *cobra.Command, d *db.DB, since string) (any, func(io.Writer), error) {
		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := analytics.QueryRunThroughput(d, since, limit)
		if err != nil {
			return nil, nil, err
		}
		return rows, func(w io.Writer) {
			fmt.Fprintf(w, "%-10s %-20s %-9s %-6s %-8s %s\n", "RUN", "STARTED", "STATUS", "UNITS", "SUCCESS", "MINUTES")
			fmt.Fprintf(w, "%-10s %-20s %-9s %-6s %-8s %s\n", rule(10, 20, 9, 6, 8, 7)...)
			for _, r := range rows {
				fmt.Fprintf(w, "%-10s %-20s %-9s %-6d %-8s %.1f\n",
					shortID(r.RunID), r.StartedAt, r.Status, r.Units, fmt.Sprintf("%.1f%%", r.SuccessRate), r.Minutes)
			}
		}, nil
	}),
}

var analyticsTimelineCmd = &cobra.Command{
	Use:   "timeline <unit>",
	Short: "Every mirrored event for one unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(func(cmd *cobra.Command, d *db.DB, since string) (any, func(io.Writer), error) {
			events, err := analytics.QueryUnitTimeline(d, args[0])
			if err != nil {
				return nil, nil, err
			}
			return events, func(w io.Writer) {
				for _, e := range events {
					move := ""
					if e.ToState != "" {
						move = e.FromState + " -> " + e.ToState
					}
					fmt.Fprintf(w, "%s  %-8s %-20s %-26s %-8s %s\n", e.Timestamp, shortID(e.RunID), e.Event, move, e.Elapsed, e.Detail)
				}
			}, nil
		})(cmd, args)
	},
}

func init() {
	analyticsCmd.PersistentFlags().String("since", "", "only include data at or after this time (YYYY-MM-DD[ HH:MM:SS], UTC)")
	analyticsCmd.PersistentFlags().String("format", "text", "Output format: text or json")
	analyticsRunsCmd.Flags().Int("limit", 20, "number of runs to show")

	analyticsCmd.AddCommand(analyticsOutcomesCmd)
	analyticsCmd.AddCommand(analyticsStateDurationCmd)
	analyticsCmd.AddCommand(analyticsFailureKindsCmd)
	analyticsCmd.AddCommand(analyticsRepairCyclesCmd)
	analyticsCmd.AddCommand(analyticsRunsCmd)
	analyticsCmd.AddCommand(analyticsTimelineCmd)
}
