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
	classifyLimit        int
	classifyWorkers      int
	classifyModel        string
	classifyMaxTokens    int64
	classifyMinRelevancy float64
	classifyRetryErrors  bool
	classifyFailOnError  bool
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Categorize fetched content pages against the taxonomy",
	Long:  "Processes pending classify rows: fetches each page, asks the model for taxonomy categories with relevancy and confidence, and stores the verdict on the row.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runCtx, cancel, tracker, err := beginRun(ctx, "classify")
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

		minRelevancy := classifyMinRelevancy
		if minRelevancy < 0 {
			minRelevancy = cfg.Classify.MinRelevancy
		}

		sum, runErr := env.Pipeline.RunClassify(runCtx, pipeline.RunOptions{
			Limit:        classifyLimit,
			Workers:      classifyWorkers,
			Model:        classifyModel,
			MaxTokens:    classifyMaxTokens,
			MinRelevancy: minRelevancy,
			RetryErrors:  classifyRetryErrors,
		})

		zap.L().Info("classify complete",
			zap.Int("selected", sum.Selected),
			zap.Int("done", sum.Done),
			zap.Int("failed", sum.Failed),
		)
		if runErr != nil {
			return eris.Wrap(runErr, "classify run")
		}
		if classifyFailOnError && sum.Failed > 0 {
			return eris.Errorf("classify: %d of %d rows failed", sum.Failed, sum.Selected)
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().IntVar(&classifyLimit, "limit", 0, "max rows to process (default from config)")
	classifyCmd.Flags().IntVar(&classifyWorkers, "workers", 0, "concurrent workers (default from config)")
	classifyCmd.Flags().StringVar(&classifyModel, "model", "", "model id or alias (default from config)")
	classifyCmd.Flags().Int64Var(&classifyMaxTokens, "max-tokens", 0, "completion token ceiling (default from config)")
	classifyCmd.Flags().Float64Var(&classifyMinRelevancy, "min-relevancy", -1, "selection threshold on collect scores (default from config)")
	classifyCmd.Flags().BoolVar(&classifyRetryErrors, "retry-errors", false, "re-attempt rows and cached fetches that previously failed")
	classifyCmd.Flags().BoolVar(&classifyFailOnError, "fail-on-error", false, "exit non-zero when any row failed")
	rootCmd.AddCommand(classifyCmd)
}
