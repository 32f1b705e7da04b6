package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/events"
	"github.com/michaelbrown/runbox/internal/storage"
)

var jsonFlag bool

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Watch run events published to NATS",
	Long: `Subscribe to the run lifecycle events a server publishes when
events.nats_url is configured, and print them as they arrive.`,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print raw JSON events")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is not configured")
	}

	nc, err := nats.Connect(cfg.Events.NATSURL, nats.Name("runbox-events"))
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer nc.Close()

	sub, err := events.Subscribe(nc, cfg.Events.Subject, func(e events.Event) {
		if jsonFlag {
			data, _ := json.Marshal(e)
			fmt.Println(string(data))
			return
		}
		printEvent(e)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	fmt.Fprintf(os.Stderr, "Watching %s.> (Ctrl-C to stop)\n", cfg.Events.Subject)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func printEvent(e events.Event) {
	ts := e.Time.Local().Format(time.TimeOnly)
	switch e.Type {
	case events.TypeRunStarted:
		fmt.Printf("%s %s session=%s run=%s lang=%s\n",
			ts, color.CyanString("started "), short(e.SessionID), short(e.RunID), e.Language)
	case events.TypeRunFinished:
		fmt.Printf("%s %s session=%s attempt=%s outcome=%s exit=%s\n",
			ts, color.HiBlackString("finished"), short(e.SessionID), short(e.AttemptID),
			outcomeColor(storage.Outcome(e.Outcome)).Sprint(e.Outcome), exitCode(e.ExitCode))
	default:
		fmt.Printf("%s %s\n", ts, e.Type)
	}
}
