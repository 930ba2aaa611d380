package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/testfactory/internal/db"
	"github.com/lucasnoah/testfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web dashboard",
	Long: `Start a read-only browser dashboard showing each unit's latest outcome and
attempt history, recent runs and events from the mirror, Prometheus metrics at
/metrics and the generated coverage HTML at /coverage/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		store, err := a.store()
		if err != nil {
			return internalError(err)
		}

		var database *db.DB
		if d, err := a.openDB(); err != nil {
			a.logger.Warn("event mirror unavailable, serving journals only", zap.Error(err))
		} else {
			database = d
			defer database.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := web.NewServer(store, database, a.coverageDir(), addr, a.logger.Named("web"))
		if err := srv.Start(ctx); err != nil {
			return internalError(err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "localhost:8080", "address to listen on")
}
