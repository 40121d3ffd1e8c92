package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arb-consulting/shallow-review-2025/internal/stats"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run statistics exports",
	Long:  "Commands for listing and viewing the statistics written after each pipeline run.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reports, err := loadRunReports(runsDir())
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		limit, _ := cmd.Flags().GetInt("limit")
		if limit > 0 && len(reports) > limit {
			reports = reports[:limit]
		}

		if len(reports) == 0 {
			fmt.Fprintln(os.Stderr, "No runs recorded.")
			return nil
		}

		formatRuns(os.Stdout, reports)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the full statistics report of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reports, err := loadRunReports(runsDir())
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		for _, rep := range reports {
			if strings.HasPrefix(rep.RunID, args[0]) {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
		}
		return eris.Errorf("run %q not found under %s", args[0], runsDir())
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// loadRunReports reads every run-stats export under dir, newest first.
// A missing directory means no runs yet; unreadable files are skipped
// with a warning so one corrupt export does not hide the rest.
func loadRunReports(dir string) ([]stats.Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "read runs dir")
	}

	reports := make([]stats.Report, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run-stats-") || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			zap.L().Warn("skipping unreadable run export", zap.String("file", name), zap.Error(err))
			continue
		}
		var rep stats.Report
		if err := json.Unmarshal(data, &rep); err != nil {
			zap.L().Warn("skipping malformed run export", zap.String("file", name), zap.Error(err))
			continue
		}
		reports = append(reports, rep)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].StartedAt.After(reports[j].StartedAt)
	})
	return reports, nil
}

// reportTotals sums outcome counts across all categories of a report.
func reportTotals(rep stats.Report) (newN, cached, errors int) {
	for _, cr := range rep.Categories {
		newN += cr.New
		cached += cr.Cached
		errors += cr.Errors
	}
	return newN, cached, errors
}

// formatRuns writes a tabular list of run reports to w.
func formatRuns(out io.Writer, reports []stats.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tCOMMAND\tSTARTED\tDURATION\tNEW\tCACHED\tERRORS\tCOST")
	_, _ = fmt.Fprintln(w, "---\t-------\t-------\t--------\t---\t------\t------\t----")

	for _, rep := range reports {
		dur := time.Duration(rep.DurationSecs * float64(time.Second)).Round(time.Second)
		newN, cached, errors := reportTotals(rep)

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t$%.4f\n",
			truncateID(rep.RunID),
			rep.Command,
			rep.StartedAt.Format("2006-01-02 15:04"),
			dur,
			newN,
			cached,
			errors,
			rep.Tokens.CostUSD,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a run id for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
