package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/pipeline"
)

var (
	collectLimit        int
	collectWorkers      int
	collectModel        string
	collectMaxTokens    int64
	collectMinRelevancy float64
	collectRetryErrors  bool
	collectFailOnError  bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Extract candidate links from collection sources",
	Long:  "Processes pending collect rows: fetches each source page, asks the model for outbound content links, and promotes those at or above the relevancy threshold into the classify queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runCtx, cancel, tracker, err := beginRun(ctx, "collect")
		if err != nil {
			return err
		}
		defer cancel()
		defer finishRun(tracker)

		env, err := initPipeline(runCtx, []string{"llm", "render"}, tracker, cancel)
		if err != nil {
			return err
		}
		defer env.Close()

		minRelevancy := collectMinRelevancy
		if minRelevancy < 0 {
			minRelevancy = cfg.Collect.MinRelevancy
		}

		sum, runErr := env.Pipeline.RunCollect(runCtx, pipeline.RunOptions{
			Limit:        collectLimit,
			Workers:      collectWorkers,
			Model:        collectModel,
			MaxTokens:    collectMaxTokens,
			MinRelevancy: minRelevancy,
			RetryErrors:  collectRetryErrors,
		})

		zap.L().Info("collect complete",
			zap.Int("selected", sum.Selected),
			zap.Int("done", sum.Done),
			zap.Int("failed", sum.Failed),
		)
		if runErr != nil {
			return eris.Wrap(runErr, "collect run")
		}
		if collectFailOnError && sum.Failed > 0 {
			return eris.Errorf("collect: %d of %d rows failed", sum.Failed, sum.Selected)
		}
		return nil
	},
}

func init() {
	collectCmd.Flags().IntVar(&collectLimit, "limit", 0, "max rows to process (default from config)")
	collectCmd.Flags().IntVar(&collectWorkers, "workers", 0, "concurrent workers (default from config)")
	collectCmd.Flags().StringVar(&collectModel, "model", "", "model id or alias (default from config)")
	collectCmd.Flags().Int64Var(&collectMaxTokens, "max-tokens", 0, "completion token ceiling (default from config)")
	collectCmd.Flags().Float64Var(&collectMinRelevancy, "min-relevancy", -1, "promotion threshold for extracted links (default from config)")
	collectCmd.Flags().BoolVar(&collectRetryErrors, "retry-errors", false, "re-attempt rows and cached fetches that previously failed")
	collectCmd.Flags().BoolVar(&collectFailOnError, "fail-on-error", false, "exit non-zero when any row failed")
	rootCmd.AddCommand(collectCmd)
}
