package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/ssh-rev/internal/audit"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var count int
	var asJSON bool
	var path string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List sessions recorded by the local agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := audit.Tail(auditPath(root.config, path), count)
			if err != nil {
				return err
			}
			if asJSON {
				return writeHistoryJSON(os.Stdout, recs)
			}
			return writeHistoryTable(os.Stdout, recs)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 20, "number of most recent sessions to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per line")
	cmd.Flags().StringVar(&path, "audit-log", "", "audit log to read (default: config or ~/.ssh-rev/sessions.log.zst)")
	return cmd
}

func writeHistoryTable(w io.Writer, recs []audit.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTARTED\tDURATION\tSTATUS\tTTY\tCOMMAND")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%s\n",
			rec.Seq,
			rec.Started.Local().Format(time.RFC3339),
			rec.Duration().Round(time.Millisecond),
			rec.Status(),
			rec.Terminal,
			commandLine(rec),
		)
	}
	return tw.Flush()
}

func writeHistoryJSON(w io.Writer, recs []audit.Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func commandLine(rec audit.Record) string {
	parts := append([]string{rec.Command}, rec.Args...)
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\n'\"") {
			parts[i] = fmt.Sprintf("%q", p)
		}
	}
	return strings.Join(parts, " ")
}
