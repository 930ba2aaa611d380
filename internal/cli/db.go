package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event mirror database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		database, err := a.openDB()
		if err != nil {
			return internalError(err)
		}
		defer database.Close()
		cmd.Printf("Database (%s) is up to date.\n", database.Driver())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate all mirror tables (destructive!)",
	Long: `Drop every mirror table and re-apply the schema. The unit journals in
the state dir are not touched, so history and resume are unaffected.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return usageError(errors.New("db reset deletes all mirrored runs and events; pass --yes to confirm"))
		}
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		database, err := a.openDB()
		if err != nil {
			return internalError(err)
		}
		defer database.Close()
		if err := database.Reset(); err != nil {
			return internalError(err)
		}
		cmd.Println("Database reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
