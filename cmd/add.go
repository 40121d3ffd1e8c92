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
	addPhase  string
	addSource string
	addModel  string
)

var addCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Add URLs from a newline-delimited file",
	Long:  "Reads URLs from a file and inserts them as candidates for the chosen phase. With --phase auto, a small model decides per URL whether it is a collection source or a content page.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runCtx, cancel, tracker, err := beginRun(ctx, "add")
		if err != nil {
			return err
		}
		defer cancel()
		defer finishRun(tracker)

		// Auto-detection talks to the model; fixed destinations only need
		// the store.
		scopes := []string{"store"}
		if addPhase == "auto" {
			scopes = []string{"llm"}
		}

		env, err := initPipeline(runCtx, scopes, tracker, cancel)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Pipeline.IngestFile(runCtx, args[0], pipeline.IngestOptions{
			Phase:  addPhase,
			Source: addSource,
			Model:  addModel,
		})
		if err != nil {
			return eris.Wrap(err, "add urls")
		}

		zap.L().Info("add complete",
			zap.String("file", args[0]),
			zap.Int("inserted", sum.Inserted),
			zap.Int("existing", sum.Existing),
			zap.Int("malformed", sum.Malformed),
			zap.Int("detection_failed", sum.Failed),
		)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addPhase, "phase", "collect", "destination phase: collect, classify or auto")
	addCmd.Flags().StringVar(&addSource, "source", "manual", "source label stored with each URL")
	addCmd.Flags().StringVar(&addModel, "model", "", "detection model for --phase auto (default from config)")
	rootCmd.AddCommand(addCmd)
}
