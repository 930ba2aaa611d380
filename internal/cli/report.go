package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarise recorded outcomes without running anything",
	Long: `Build the outcome report from the journal. By default each unit's latest
outcome is used; --run selects the outcomes of one run. The exit status follows
the same rules as run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		formatFlag, _ := cmd.Flags().GetString("format")
		format, err := report.ParseFormat(formatFlag)
		if err != nil {
			return usageError(err)
		}
		runID, _ := cmd.Flags().GetString("run")
		publish, _ := cmd.Flags().GetBool("publish")

		store, err := a.store()
		if err != nil {
			return internalError(err)
		}
		outcomes, err := storedOutcomes(store, runID)
		if err != nil {
			return internalError(err)
		}
		if runID != "" && len(outcomes) == 0 {
			return usageError(fmt.Errorf("no outcomes recorded for run %s", runID))
		}

		r := report.Summarize(outcomes)
		if err := report.Write(cmd.OutOrStdout(), r, format); err != nil {
			return internalError(fmt.Errorf("write report: %w", err))
		}

		if publish {
			publisher, err := a.publisher()
			if err != nil {
				return err
			}
			key, err := publisher.Publish(cmd.Context(), r, a.coverageDir())
			if err != nil {
				return internalError(fmt.Errorf("publish report: %w", err))
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Report published to %s\n", key)
		}

		if code := r.ExitCode(); code != report.ExitOK {
			return &ExitError{Code: code}
		}
		return nil
	},
}

// storedOutcomes returns every journaled unit's latest outcome, or the
// outcome recorded for runID, in unit order.
func storedOutcomes(store *candidate.Store, runID string) ([]candidate.Outcome, error) {
	ids, err := store.List()
	if err != nil {
		return nil, err
	}
	var out []candidate.Outcome
	for _, id := range ids {
		if runID == "" {
			o, err := store.Outcome(id)
			if errors.Is(err, candidate.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, o)
			continue
		}
		all, err := store.Outcomes(id)
		if err != nil {
			return nil, err
		}
		for _, o := range all {
			if o.RunID == runID {
				out = append(out, o)
				break
			}
		}
	}
	return out, nil
}

func init() {
	reportCmd.Flags().String("format", "table", "report format: table, json or yaml")
	reportCmd.Flags().String("run", "", "report on a single run id")
	reportCmd.Flags().Bool("publish", false, "upload the report and coverage HTML to object storage")
}
