package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/model"
	"github.com/arb-consulting/shallow-review-2025/internal/pipeline"
)

var (
	fetchPhase       string
	fetchLimit       int
	fetchWorkers     int
	fetchRetryErrors bool
	fetchFailOnError bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Pre-fetch pending pages into the cache",
	Long:  "Renders the pages of pending rows for a phase and stores them in the fetch cache. Row statuses are left alone, so a later collect or classify run starts against a warm cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		phase, err := model.ParsePhase(fetchPhase)
		if err != nil {
			return err
		}

		runCtx, cancel, tracker, err := beginRun(ctx, "fetch")
		if err != nil {
			return err
		}
		defer cancel()
		defer finishRun(tracker)

		env, err := initPipeline(runCtx, []string{"render"}, tracker, cancel)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, runErr := env.Pipeline.RunFetch(runCtx, phase, pipeline.RunOptions{
			Limit:       fetchLimit,
			Workers:     fetchWorkers,
			RetryErrors: fetchRetryErrors,
		})

		zap.L().Info("fetch complete",
			zap.String("phase", string(phase)),
			zap.Int("selected", sum.Selected),
			zap.Int("done", sum.Done),
			zap.Int("failed", sum.Failed),
		)
		if runErr != nil {
			return eris.Wrap(runErr, "fetch run")
		}
		if fetchFailOnError && sum.Failed > 0 {
			return eris.Errorf("fetch: %d of %d rows failed", sum.Failed, sum.Selected)
		}
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchPhase, "phase", "collect", "phase whose pending rows to fetch")
	fetchCmd.Flags().IntVar(&fetchLimit, "limit", 0, "max rows to fetch (default from config)")
	fetchCmd.Flags().IntVar(&fetchWorkers, "workers", 0, "concurrent fetch workers (default from config)")
	fetchCmd.Flags().BoolVar(&fetchRetryErrors, "retry-errors", false, "re-attempt rows and cached fetches that previously failed")
	fetchCmd.Flags().BoolVar(&fetchFailOnError, "fail-on-error", false, "exit non-zero when any row failed")
	rootCmd.AddCommand(fetchCmd)
}
