package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"capline/internal/app"
	"capline/internal/domain"
	"capline/internal/repo"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Query, export and verify run records",
	}
	log.AddCommand(logListCmd())
	log.AddCommand(logRecentCmd())
	log.AddCommand(logLastErrorCmd())
	log.AddCommand(logShowCmd())
	log.AddCommand(logExportCmd())
	log.AddCommand(logVerifyCmd())
	log.AddCommand(logPruneCmd())
	log.AddCommand(logEventsCmd())
	return log
}

func logListCmd() *cobra.Command {
	var f repo.RunFilters
	var statuses []string
	var since, until string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List run records, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.RunStatus(s))
			}
			var err error
			if f.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if f.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				records, err := rt.Logs.Query(ctx, f)
				if err != nil {
					return err
				}
				return printRecords(records)
			})
		},
	}
	cmd.Flags().StringVar(&f.CapabilityID, "capability", "", "capability id filter")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (success, partial_success, failed, cancelled, timeout)")
	cmd.Flags().StringVar(&since, "since", "", "lower bound (RFC 3339 or a duration like 24h)")
	cmd.Flags().StringVar(&until, "until", "", "upper bound (RFC 3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum records")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "records to skip")
	return cmd
}

func logRecentCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Run records from the last hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				records, err := rt.Logs.FetchRecent(ctx, hours)
				if err != nil {
					return err
				}
				return printRecords(records)
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "look-back window in hours")
	return cmd
}

func logLastErrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "last-error",
		Short: "Show the most recent failed or timed-out run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Logs.LastError(ctx)
				if err != nil {
					return err
				}
				if rec == nil {
					if viper.GetBool("json") {
						return printJSON(nil)
					}
					fmt.Println("no failed runs recorded")
					return nil
				}
				return showRecord(rt, *rec)
			})
		},
	}
	return cmd
}

func logShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show one run record with its full output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Logs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return showRecord(rt, rec)
			})
		},
	}
	return cmd
}

func showRecord(rt *app.Runtime, rec domain.RunRecord) error {
	stdout, stderr, err := rt.Logs.ReadOutput(rec)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"record": rec, "stdout": stdout, "stderr": stderr})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"ID", rec.ID},
		{"Capability", fmt.Sprintf("%s (%s)", rec.CapabilityID, rec.CapabilityTitle)},
		{"When", fmt.Sprintf("%s (%s)", rec.Timestamp.Format(time.RFC3339), humanize.Time(rec.Timestamp))},
		{"Status", rec.Status},
		{"Exit code", rec.ExitCode},
		{"Duration", (time.Duration(rec.DurationMs) * time.Millisecond).String()},
		{"Privilege", rec.Privilege},
		{"Dry run", rec.DryRun},
		{"Output", humanize.Bytes(uint64(rec.OutputSize))},
		{"Hash", rec.RecordHash},
	})
	if len(rec.Arguments) > 0 {
		pairs := make([]string, 0, len(rec.Arguments))
		for k, v := range rec.Arguments {
			pairs = append(pairs, k+"="+v)
		}
		tw.AppendRow(table.Row{"Arguments", strings.Join(pairs, " ")})
	}
	if rec.ParsedSummary != "" {
		tw.AppendRow(table.Row{"Parsed", rec.ParsedSummary})
	}
	tw.Render()
	if stdout != "" {
		fmt.Println("--- stdout")
		fmt.Print(stdout)
	}
	if stderr != "" {
		fmt.Println("--- stderr")
		fmt.Print(stderr)
	}
	return nil
}

func logExportCmd() *cobra.Command {
	var from, to, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export run records to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromT, err := parseTimeFlag("from", from)
			if err != nil {
				return err
			}
			toT, err := parseTimeFlag("to", to)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				path, err := rt.Logs.Export(ctx, fromT, toT, out)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"path": path})
				}
				fmt.Printf("Exported run records to %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "lower bound (RFC 3339 or a duration like 168h)")
	cmd.Flags().StringVar(&to, "to", "", "upper bound (RFC 3339)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "destination file (default: the export directory)")
	return cmd
}

func logVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the run record hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Logs.Verify(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"ok": report.OK(), "checked": report.Checked, "breaks": report.Breaks}); err != nil {
						return err
					}
				} else if report.OK() {
					fmt.Printf("chain OK (%d records)\n", report.Checked)
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"#", "Record", "Problem"})
					for _, b := range report.Breaks {
						tw.AppendRow(table.Row{b.Index, b.RecordID, b.Reason})
					}
					tw.Render()
				}
				if !report.OK() {
					return fmt.Errorf("chain broken at %d of %d records", len(report.Breaks), report.Checked)
				}
				return nil
			})
		},
	}
	return cmd
}

func logPruneCmd() *cobra.Command {
	var before string
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old run records, keeping the chain verifiable",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cutoff time.Time
			switch {
			case before != "":
				t, err := parseTimeFlag("before", before)
				if err != nil {
					return err
				}
				cutoff = t
			case days > 0:
				cutoff = time.Now().AddDate(0, 0, -days)
			default:
				return errors.New("--before or --days is required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Logs.Prune(ctx, cutoff)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Pruned %d run record(s) older than %s\n", res.Pruned, cutoff.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "delete records older than this (RFC 3339 or a duration like 720h)")
	cmd.Flags().IntVar(&days, "days", 0, "delete records older than this many days")
	return cmd
}

func logEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show log store events (saves, prunes, exports)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Logs.RecentEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func printRecords(records []domain.RunRecord) error {
	if viper.GetBool("json") {
		if records == nil {
			records = []domain.RunRecord{}
		}
		return printJSON(records)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "When", "Capability", "Status", "Exit", "Duration", "Output"})
	for _, r := range records {
		tw.AppendRow(table.Row{
			r.ID,
			humanize.Time(r.Timestamp),
			r.CapabilityID,
			r.Status,
			r.ExitCode,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			humanize.Bytes(uint64(r.OutputSize)),
		})
	}
	tw.Render()
	return nil
}

// parseTimeFlag accepts RFC 3339 or a Go duration meaning "that long ago".
func parseTimeFlag(name, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid --%s %q: want RFC 3339 or a duration", name, raw)
}
