package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"capline/internal/app"
	"capline/internal/catalog"
	"capline/internal/config"
	"capline/internal/domain"
	"capline/internal/engine"
)

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the capability allowlist",
	}
	cat.AddCommand(catalogListCmd())
	cat.AddCommand(catalogShowCmd())
	cat.AddCommand(catalogValidateCmd())
	return cat
}

func catalogListCmd() *cobra.Command {
	var category, risk, mode string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Catalog.LoadError(); err != nil {
					return err
				}
				items := rt.Catalog.All()
				if category != "" {
					items = rt.Catalog.ByCategory(domain.Category(category))
				}
				keep := items[:0:0]
				for _, c := range items {
					if (risk == "" || string(c.RiskClass) == risk) && (mode == "" || string(c.ExecutionMode) == mode) {
						keep = append(keep, c)
					}
				}
				if viper.GetBool("json") {
					return printJSON(keep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Mode", "Risk", "Dry run"})
				for _, c := range keep {
					dry := ""
					if c.DryRunSupported {
						dry = "yes"
					}
					tw.AppendRow(table.Row{c.ID, c.Title, c.Category, c.ExecutionMode, c.RiskClass, dry})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&risk, "risk", "", "risk class filter (safe, moderate, destructive)")
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode filter (process, privileged, automation)")
	return cmd
}

func catalogShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <capability-id>",
		Short: "Show one capability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, ok := rt.Catalog.Capability(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", engine.ErrNotAllowed, args[0])
				}
				return printJSON(c)
			})
		},
	}
	return cmd
}

func catalogValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a catalog file without loading it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Resolve(workspace, viper.GetString("catalog"))
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				cfg, err := config.LoadOptional(workspace)
				if err != nil {
					return err
				}
				path = cfg.CatalogPath(workspace)
			}
			data, err := catalog.FileSource{Path: path}.Read(cmd.Context())
			if err != nil {
				return err
			}
			c, err := catalog.Decode(data)
			if err != nil {
				return err
			}
			issues := catalog.Validate(c)
			if viper.GetBool("json") {
				if issues == nil {
					issues = catalog.Issues{}
				}
				if err := printJSON(map[string]any{"path": path, "capabilities": len(c.Capabilities), "issues": issues}); err != nil {
					return err
				}
			} else {
				if len(issues) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Severity", "Capability", "Message"})
					for _, is := range issues {
						tw.AppendRow(table.Row{is.Severity, is.CapabilityID, is.Message})
					}
					tw.Render()
				}
				fmt.Printf("%s: %d capabilities, %d error(s), %d warning(s)\n", path, len(c.Capabilities), len(issues.Errors()), len(issues.Warnings()))
			}
			if issues.HasErrors() {
				return errors.New("catalog has validation errors")
			}
			return nil
		},
	}
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <capability-id>",
		Short: "Run preflight checks without executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Check(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printPreflight(args[0], res)
				return nil
			})
		},
	}
	return cmd
}

func printPreflight(id string, res domain.PreflightResult) {
	if res.Passed {
		fmt.Printf("%s: preflight passed\n", id)
	} else {
		fmt.Printf("%s: preflight failed\n", id)
		for _, f := range res.Failures {
			fmt.Printf("  - %s\n", f)
		}
		if res.Remediation != "" {
			fmt.Printf("  fix: %s\n", res.Remediation)
		}
	}
	if len(res.Permissions) > 0 {
		keys := make([]string, 0, len(res.Permissions))
		for k := range res.Permissions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			state := "granted"
			if !res.Permissions[k] {
				state = "missing"
			}
			fmt.Printf("  permission %s: %s\n", k, state)
		}
	}
}

func runCmd() *cobra.Command {
	var rawArgs []string
	var timeout time.Duration
	var dryRun, yes bool
	cmd := &cobra.Command{
		Use:   "run <capability-id>",
		Short: "Execute a capability and record the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := parseArguments(rawArgs)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				c, ok := rt.Catalog.Capability(args[0])
				safeDryRun := dryRun && c.DryRunPayload() != ""
				if ok && !safeDryRun && !yes && needsConfirmation(c) {
					if !confirm(c) {
						return errors.New("aborted")
					}
				}
				asJSON := viper.GetBool("json")
				opts := engine.RunOptions{
					CapabilityID: args[0],
					Arguments:    arguments,
					Timeout:      timeout,
					DryRun:       dryRun,
				}
				if !asJSON {
					opts.OnProgress = printProgress
				}
				res, err := rt.Engine.Run(ctx, opts)
				var pe *engine.PreflightError
				if errors.As(err, &pe) && !asJSON {
					printPreflight(pe.CapabilityID, pe.Result)
				}
				if err != nil && res.Record.ID == "" {
					return err
				}
				if asJSON {
					if perr := printJSON(res); perr != nil {
						return perr
					}
				} else {
					printRunSummary(res)
				}
				if err != nil {
					return err
				}
				if res.Record.Status != domain.StatusSuccess && res.Record.Status != domain.StatusPartialSuccess {
					return fmt.Errorf("%s finished with status %s", res.CapabilityID, res.Record.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "capability argument as name=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the capability timeout")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run the capability's dry-run command")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func parseArguments(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --arg %q, expected name=value", kv)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}

func needsConfirmation(c domain.Capability) bool {
	return c.RiskClass == domain.RiskDestructive || c.UIHints.ConfirmationText != ""
}

func confirm(c domain.Capability) bool {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		fmt.Fprintf(os.Stderr, "%s needs confirmation and stdin is not a terminal; pass --yes\n", c.ID)
		return false
	}
	prompt := c.UIHints.ConfirmationText
	if prompt == "" {
		prompt = fmt.Sprintf("Run %s (%s)?", c.Title, c.RiskClass)
	}
	if c.UIHints.WarningText != "" {
		fmt.Fprintln(os.Stderr, c.UIHints.WarningText)
	}
	if len(c.UIHints.AppsToClose) > 0 {
		fmt.Fprintf(os.Stderr, "Close these apps first: %s\n", strings.Join(c.UIHints.AppsToClose, ", "))
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printProgress(p domain.ExecutionProgress) {
	switch {
	case p.Stdout != "":
		fmt.Println(p.Stdout)
	case p.Stderr != "":
		fmt.Fprintln(os.Stderr, p.Stderr)
	case p.Percent != nil && viper.GetBool("debug"):
		fmt.Fprintf(os.Stderr, "[%s %3.0f%%]\n", p.Phase, *p.Percent*100)
	}
}

func printRunSummary(res domain.ExecutionResult) {
	rec := res.Record
	fmt.Fprintf(os.Stderr, "%s %s: exit %d in %s, %s output, record %s\n",
		rec.CapabilityID, rec.Status, rec.ExitCode,
		(time.Duration(rec.DurationMs) * time.Millisecond).String(),
		humanize.Bytes(uint64(rec.OutputSize)), rec.ID)
	if res.Parsed == nil {
		return
	}
	switch {
	case res.Parsed.Memory != nil:
		m := res.Parsed.Memory
		fmt.Printf("memory: %s used, %s free, pressure %s\n", humanize.Bytes(m.UsedBytes), humanize.Bytes(m.FreeBytes), m.Pressure)
	case res.Parsed.Disk != nil:
		d := res.Parsed.Disk
		fmt.Printf("disk: %s used of %s, %s free\n", humanize.Bytes(d.UsedBytes), humanize.Bytes(d.TotalBytes), humanize.Bytes(d.FreeBytes))
	case len(res.Parsed.KeyValues) > 0:
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		keys := make([]string, 0, len(res.Parsed.KeyValues))
		for k := range res.Parsed.KeyValues {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tw.AppendRow(table.Row{k, res.Parsed.KeyValues[k]})
		}
		tw.Render()
	case len(res.Parsed.Table) > 1:
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(toRow(res.Parsed.Table[0]))
		for _, r := range res.Parsed.Table[1:] {
			tw.AppendRow(toRow(r))
		}
		tw.Render()
	}
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}
