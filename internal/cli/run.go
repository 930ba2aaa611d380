package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/testfactory/internal/build"
	"github.com/lucasnoah/testfactory/internal/controller"
	"github.com/lucasnoah/testfactory/internal/db"
	"github.com/lucasnoah/testfactory/internal/discovery"
	"github.com/lucasnoah/testfactory/internal/report"
	"github.com/lucasnoah/testfactory/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate, build and repair tests for every discovered unit",
	Long: `Discover source units under project.root and drive each one through
generate, refine, build and repair. Units that already succeeded for the same
source digest are reused; interrupted units resume at the build step.

Exit status is 0 when every unit succeeded, 1 when any unit needs attention,
2 on an internal fault and 3 on a usage or configuration error. Interrupting
the run (Ctrl-C) lets in-flight calls finish and aborts the remaining units.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	formatFlag, _ := cmd.Flags().GetString("format")
	format, err := report.ParseFormat(formatFlag)
	if err != nil {
		return usageError(err)
	}
	only, _ := cmd.Flags().GetStringSlice("only")
	noMirror, _ := cmd.Flags().GetBool("no-mirror")
	publish, _ := cmd.Flags().GetBool("publish")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr == "" {
		metricsAddr = a.cfg.Telemetry.MetricsAddr
	}

	var publisher *report.Publisher
	if publish {
		if publisher, err = a.publisher(); err != nil {
			return err
		}
	}

	units, err := a.discover()
	if err != nil {
		return usageError(fmt.Errorf("discover: %w", err))
	}
	units = discovery.Filter(units, only)
	if len(units) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No units found.")
		return nil
	}

	store, err := a.store()
	if err != nil {
		return internalError(err)
	}
	runner := &build.ExecRunner{}
	deps := controller.Deps{
		Completer: a.completer(),
		Builder:   a.builder(runner),
		Coverage:  a.coverage(runner),
		Store:     store,
		Prompts:   a.prompts(),
		Logger:    a.logger.Named("controller"),
	}
	if !noMirror {
		database, err := a.openDB()
		if err != nil {
			a.logger.Warn("event mirror disabled", zap.Error(err))
		} else {
			defer database.Close()
			deps.Sink = db.NewSink(database)
		}
	}

	ctrl, err := controller.New(a.controllerConfig(), deps)
	if err != nil {
		return usageError(err)
	}

	shutdownTracing, err := a.initTracing(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return usageError(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			a.logger.Warn("flush traces", zap.Error(err))
		}
	}()

	if metricsAddr != "" {
		metrics, err := telemetry.ListenMetrics(metricsAddr, a.logger.Named("metrics"))
		if err != nil {
			return usageError(err)
		}
		defer metrics.Shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := controller.NewRunID()
	outcomes, runErr := ctrl.RunWithID(ctx, runID, units)
	if runErr != nil {
		return internalError(fmt.Errorf("run %s: %w", runID, runErr))
	}

	r := report.Summarize(outcomes)
	for _, u := range r.Attention() {
		a.logger.Warn("unit needs attention",
			zap.String("unit", u.Unit),
			zap.String("outcome", u.Outcome),
			zap.String("reason", u.Reason),
			zap.String("failure_kind", u.FailureKind),
			zap.Int("attempts", u.Attempts))
	}
	if err := report.Write(cmd.OutOrStdout(), r, format); err != nil {
		return internalError(fmt.Errorf("write report: %w", err))
	}

	if publisher != nil {
		key, err := publisher.Publish(context.WithoutCancel(ctx), r, a.coverageDir())
		if err != nil {
			return internalError(fmt.Errorf("publish report: %w", err))
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Report published to %s\n", key)
	}

	if code := r.ExitCode(); code != report.ExitOK {
		return &ExitError{Code: code}
	}
	return nil
}

func init() {
	runCmd.Flags().StringSlice("only", nil, "limit the run to units under these paths (repeatable)")
	runCmd.Flags().String("format", "table", "report format: table, json or yaml")
	runCmd.Flags().Bool("no-mirror", false, "do not mirror events to the database")
	runCmd.Flags().Bool("publish", false, "upload the report and coverage HTML to object storage")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics at this address while the run is in progress (default: telemetry.metrics_addr)")
}
