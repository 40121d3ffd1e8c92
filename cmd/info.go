package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/arb-consulting/shallow-review-2025/internal/model"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show status counts for each phase table",
	Long:  "Displays how many URLs sit in each lifecycle status per phase, with per-table totals.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		entries := make([]phaseCounts, 0, len(model.AllPhases()))
		for _, phase := range model.AllPhases() {
			counts, err := st.CountByStatus(ctx, phase)
			if err != nil {
				return eris.Wrapf(err, "count %s", phase)
			}
			entries = append(entries, phaseCounts{Phase: phase, Counts: counts})
		}

		formatInfo(os.Stdout, entries)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

type phaseCounts struct {
	Phase  model.Phase
	Counts map[model.Status]int
}

// formatInfo writes a tabular status breakdown to w. Statuses that do not
// apply to a phase render as "-".
func formatInfo(out io.Writer, entries []phaseCounts) {
	statuses := []model.Status{
		model.StatusNew,
		model.StatusDone,
		model.StatusFetchError,
		model.StatusExtractError,
		model.StatusClassifyError,
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TABLE\tNEW\tDONE\tFETCH_ERROR\tEXTRACT_ERROR\tCLASSIFY_ERROR\tTOTAL")
	_, _ = fmt.Fprintln(w, "-----\t---\t----\t-----------\t-------------\t--------------\t-----")

	for _, e := range entries {
		cols := make([]string, 0, len(statuses))
		total := 0
		for _, s := range statuses {
			if !e.Phase.ValidStatus(s) {
				cols = append(cols, "-")
				continue
			}
			n := e.Counts[s]
			total += n
			cols = append(cols, strconv.Itoa(n))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", e.Phase, strings.Join(cols, "\t"), total)
	}
	_ = w.Flush()
}
