package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	sessionFilter string
	outcomeFilter string
	limitFlag     int
	exportFormat  string
	exportOutput  string
	olderThanFlag time.Duration
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run", "r"},
	Short:   "Inspect run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run (attempt or run id, or a unique prefix)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than a given age",
	RunE:  runRunsPrune,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsExportCmd, runsPruneCmd)

	runsListCmd.Flags().StringVar(&sessionFilter, "session", "", "Only runs from this session")
	runsListCmd.Flags().StringVar(&outcomeFilter, "outcome", "", "Filter by outcome (succeeded, failed, timed_out, killed, fault, build_failed, launch_failed)")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsPruneCmd.Flags().DurationVar(&olderThanFlag, "older-than", 7*24*time.Hour, "Delete runs that finished longer ago than this")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	opts := storage.RunListOptions{
		SessionID: sessionFilter,
		Outcome:   storage.Outcome(outcomeFilter),
		Limit:     limitFlag,
	}
	if opts.Outcome != "" && !opts.Outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", outcomeFilter)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-10s %-8s %-14s %-6s %-9s %s\n", "ID", "SESSION", "LANG", "OUTCOME", "EXIT", "DURATION", "FINISHED")
	fmt.Println(strings.Repeat("─", 80))

	for _, r := range runs {
		fmt.Printf("%-10s %-10s %-8s %s %-6s %-9s %s\n",
			short(r.AttemptID), short(r.SessionID), r.Language,
			outcomeColor(r.Outcome).Sprintf("%-14s", r.Outcome),
			exitCode(r.ExitCode), r.Duration().Round(time.Millisecond), timeAgo(r.FinishedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Attempt:  %s\n", r.AttemptID)
	if r.RunID != "" {
		fmt.Printf("Run:      %s\n", r.RunID)
	}
	fmt.Printf("Session:  %s\n", r.SessionID)
	fmt.Printf("Language: %s\n", r.Language)
	fmt.Printf("Outcome:  %s\n", outcomeColor(r.Outcome).Sprint(r.Outcome))
	fmt.Printf("Exit:     %s\n", exitCode(r.ExitCode))
	fmt.Printf("Created:  %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Finished: %s\n", r.FinishedAt.Format(time.RFC3339))
	fmt.Printf("Duration: %s\n", r.Duration().Round(time.Millisecond))

	if r.Detail != "" {
		fmt.Println(strings.Repeat("─", 60))
		fmt.Println(r.Detail)
	}
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(r)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(r)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runRunsPrune(cmd *cobra.Command, args []string) error {
	if olderThanFlag <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PruneRuns(context.Background(), time.Now().Add(-olderThanFlag))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d run(s)\n", n)
	return nil
}

func outcomeColor(o storage.Outcome) *color.Color {
	switch o {
	case storage.OutcomeSucceeded:
		return color.New(color.FgGreen)
	case storage.OutcomeFailed, storage.OutcomeBuildFailed:
		return color.New(color.FgYellow)
	case storage.OutcomeTimedOut, storage.OutcomeKilled:
		return color.New(color.FgMagenta)
	default:
		return color.New(color.FgRed)
	}
}

func exitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d mins ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "yesterday"
		}
		if days < 30 {
			return fmt.Sprintf("%d days ago", days)
		}
		return t.Format("Jan 2, 2006")
	}
}
