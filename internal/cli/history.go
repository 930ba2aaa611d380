package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testfactory/internal/candidate"
)

var historyCmd = &cobra.Command{
	Use:   "history <unit>",
	Short: "Show the attempt history and outcomes of one unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		store, err := a.store()
		if err != nil {
			return internalError(err)
		}
		unit := args[0]
		history, err := store.History(unit)
		if err != nil {
			return internalError(err)
		}
		if len(history) == 0 {
			return usageError(fmt.Errorf("no history for unit %s", unit))
		}
		outcomes, err := store.Outcomes(unit)
		if err != nil {
			return internalError(err)
		}

		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(struct {
				Unit     string              `json:"unit"`
				History  []candidate.Attempt `json:"history"`
				Outcomes []candidate.Outcome `json:"outcomes"`
			}{unit, history, outcomes}, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}

		showText, _ := cmd.Flags().GetBool("text")
		fmt.Fprintf(w, "%-4s %-16s %-10s %-20s %s\n", "SEQ", "STAGE", "RUN", "CREATED", "DETAIL")
		fmt.Fprintf(w, "%-4s %-16s %-10s %-20s %s\n",
			strings.Repeat("-", 4),
			strings.Repeat("-", 16),
			strings.Repeat("-", 10),
			strings.Repeat("-", 20),
			strings.Repeat("-", 6))
		for _, at := range history {
			fmt.Fprintf(w, "%-4d %-16s %-10s %-20s %s\n",
				at.Seq, at.Stage, shortID(at.RunID), at.CreatedAt.Format("2006-01-02 15:04:05"), attemptDetail(at))
			if showText && at.Text != "" {
				fmt.Fprintln(w, indent(at.Text, "    "))
			}
		}

		if len(outcomes) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintf(w, "%-10s %-10s %-18s %-8s %s\n", "RUN", "OUTCOME", "REASON", "REPAIRS", "DETAIL")
			for _, o := range outcomes {
				fmt.Fprintf(w, "%-10s %-10s %-18s %-8d %s\n",
					shortID(o.RunID), o.Kind, o.Reason, o.RepairCycles, o.Detail)
			}
		}
		return nil
	},
}

func attemptDetail(a candidate.Attempt) string {
	switch {
	case a.Diagnostic != nil:
		d := string(a.Diagnostic.Kind)
		if a.Diagnostic.Location != "" {
			d += " at " + a.Diagnostic.Location
		}
		return d
	case a.Coverage != nil:
		return fmt.Sprintf("%.1f%% line coverage", a.Coverage.Percent)
	default:
		return a.Note
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func init() {
	historyCmd.Flags().String("format", "text", "Output format: text or json")
	historyCmd.Flags().Bool("text", false, "print each attempt's test text")
}
