package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testfactory/internal/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the source units a run would process, in order",
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

		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(units, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}

		if len(units) == 0 {
			fmt.Fprintln(w, "No units found.")
			return nil
		}
		fmt.Fprintf(w, "%-5s %-12s %s\n", "ORDER", "DIGEST", "UNIT")
		fmt.Fprintf(w, "%-5s %-12s %s\n", strings.Repeat("-", 5), strings.Repeat("-", 12), strings.Repeat("-", 4))
		for _, u := range units {
			fmt.Fprintf(w, "%-5d %-12s %s\n", u.Order, shortDigest(u.Digest), u.ID)
		}
		fmt.Fprintf(w, "\n%d unit(s) under %s\n", len(units), a.cfg.Project.Root)
		return nil
	},
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func init() {
	discoverCmd.Flags().StringSlice("only", nil, "limit to units under these paths (repeatable)")
	discoverCmd.Flags().String("format", "text", "Output format: text or json")
}
