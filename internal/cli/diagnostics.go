package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/embodia/internal/journal"
	"github.com/harun/embodia/pkg/diag"
)

var (
	diagKind   string
	diagTick   uint64
	diagSince  time.Duration
	diagLimit  int
	diagJSON   bool
	diagCounts bool
	diagTicks  bool
)

var diagnosticsCmd = &cobra.Command{
	Use:     "diagnostics",
	Aliases: []string{"diag"},
	Short:   "Query the diagnostics journal",
	Long: `Query the diagnostics journal written by the runtime.
Records are shown newest first and can be filtered by kind, tick and age.`,
	RunE: runDiagnostics,
}

func init() {
	diagnosticsCmd.Flags().StringVar(&diagKind, "kind", "", "only show diagnostics of this kind")
	diagnosticsCmd.Flags().Uint64Var(&diagTick, "tick", 0, "only show diagnostics of this tick")
	diagnosticsCmd.Flags().DurationVar(&diagSince, "since", 0, "only show diagnostics newer than this")
	diagnosticsCmd.Flags().IntVar(&diagLimit, "limit", 50, "maximum number of records")
	diagnosticsCmd.Flags().BoolVar(&diagJSON, "json", false, "print JSON lines")
	diagnosticsCmd.Flags().BoolVar(&diagCounts, "counts", false, "print the number of diagnostics per kind")
	diagnosticsCmd.Flags().BoolVar(&diagTicks, "ticks", false, "print tick summaries instead of diagnostics")
	rootCmd.AddCommand(diagnosticsCmd)
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Journal.Path); os.IsNotExist(err) {
		return fmt.Errorf("no journal at %s", cfg.Journal.Path)
	}

	j, err := journal.Open(journal.Config{Path: cfg.Journal.Path, Logger: zerolog.Nop()})
	if err != nil {
		return err
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	switch {
	case diagCounts:
		counts, err := j.Counts(ctx)
		if err != nil {
			return err
		}
		return printCounts(out, counts)
	case diagTicks:
		ticks, err := j.Ticks(ctx, diagLimit)
		if err != nil {
			return err
		}
		return printTicks(out, ticks, diagJSON)
	}

	q := journal.Query{Kind: diag.Kind(diagKind), TickID: diagTick, Limit: diagLimit}
	if diagSince > 0 {
		q.Since = time.Now().Add(-diagSince)
	}
	records, err := j.Diagnostics(ctx, q)
	if err != nil {
		return err
	}
	return printDiagnostics(out, records, diagJSON)
}

func printDiagnostics(out io.Writer, records []diag.Diagnostic, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		for _, d := range records {
			if err := enc.Encode(d); err != nil {
				return err
			}
		}
		return nil
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No diagnostics")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tTICK\tSUBJECT\tCAUSE")
	for _, d := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			d.Time.Format(time.RFC3339), d.Kind, d.TickID, subject(d), d.Cause)
	}
	return w.Flush()
}

// subject names what the diagnostic is about.
func subject(d diag.Diagnostic) string {
	switch {
	case d.ActuatorID != "":
		return "actuator:" + d.ActuatorID
	case d.ActionID != "":
		return "action:" + d.ActionID
	case d.ChannelID != "":
		return "channel:" + d.ChannelID
	case d.RequestID > 0:
		return fmt.Sprintf("request:%d", d.RequestID)
	}
	return "-"
}

func printCounts(out io.Writer, counts map[diag.Kind]int) error {
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tCOUNT")
	for _, k := range kinds {
		fmt.Fprintf(w, "%s\t%d\n", k, counts[diag.Kind(k)])
	}
	return w.Flush()
}

func printTicks(out io.Writer, ticks []journal.TickRow, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		for _, t := range ticks {
			if err := enc.Encode(t); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TICK\tSTARTED\tDURATION\tCHANNELS\tOMITTED\tDISPATCHED\tDIAGNOSTICS")
	for _, t := range ticks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
			t.TickID, t.Started.Format(time.RFC3339), t.Duration, t.Channels, t.Omitted, t.Dispatched, t.Diagnostics)
	}
	return w.Flush()
}
