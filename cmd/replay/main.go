package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/t031a5/controlcore/internal/config"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/replay"
	"github.com/t031a5/controlcore/internal/store"
)

// #region main

// errDiverged signals a completed replay that did not match its reference.
var errDiverged = errors.New("replay diverged")

var (
	dbPath      string
	fixturePath string
	configPath  string
	last        int
)

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay recorded cycles through fusion, reasoning and validation",
	Long: `replay --fixture path/to/fixture.json
  runs a fixture and compares every cycle with its expected results.
replay --db path/to/controlcore.db [--config controller.yaml] [--last N]
  replays the journaled cycles through the offline provider and compares
  accepted and rejected counts with what the controller recorded.`,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to fixture JSON (fixture mode)")
	rootCmd.Flags().StringVar(&dbPath, "db", "", "path to the controller's SQLite store (DB mode)")
	rootCmd.Flags().StringVar(&configPath, "config", "", "controller configuration for DB mode (defaults when empty)")
	rootCmd.Flags().IntVar(&last, "last", 100, "number of most recent journaled cycles to replay (DB mode)")
	rootCmd.MarkFlagsMutuallyExclusive("fixture", "db")
	rootCmd.MarkFlagsOneRequired("fixture", "db")
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		os.Exit(0)
	case errors.Is(err, errDiverged):
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func run(*cobra.Command, []string) error {
	if fixturePath != "" {
		return runFixtureMode(fixturePath)
	}
	return runDBMode(dbPath)
}

// #endregion main

// #region fixture-mode

func runFixtureMode(path string) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}
	results, diffs, err := f.Run()
	if err != nil {
		return err
	}

	fmt.Printf("%-8s| %-34s| %-34s| %s\n", "Cycle", "Accepted", "Rejected", "Halted")
	fmt.Printf("%-8s+%-35s+%-35s+%s\n", "--------", strings.Repeat("-", 35), strings.Repeat("-", 35), "-------")
	for _, r := range results {
		var accepted, rejected []string
		for _, in := range r.Accepted {
			accepted = append(accepted, string(in.Kind))
		}
		for _, rej := range r.Rejected {
			rejected = append(rejected, string(rej.Reason))
		}
		fmt.Printf("%-8d| %-34s| %-34s| %t\n", r.CycleID,
			strings.Join(accepted, ","), strings.Join(rejected, ","), r.Halted)
	}

	s := replay.Summarize(results)
	fmt.Printf("\nSummary: %d cycles, %d accepted, %d rejected, %d degraded, %d mismatches\n",
		s.Cycles, s.Accepted, s.Rejected, s.Degraded, len(diffs))
	printDegraded(results)
	for _, d := range diffs {
		fmt.Printf("  %s\n", d)
	}
	if len(diffs) > 0 {
		return errDiverged
	}
	return nil
}

// #endregion fixture-mode

// #region db-mode

func runDBMode(path string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	st, err := store.NewStore(path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	entries, err := st.RecentCycles(last)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("no cycles journaled")
	}

	cycles := make([]replay.Cycle, 0, len(entries))
	for _, e := range entries {
		c := replay.Cycle{ID: e.CycleID}
		if e.ContextJSON != "" {
			var sc model.SituationalContext
			if err := json.Unmarshal([]byte(e.ContextJSON), &sc); err != nil {
				return fmt.Errorf("cycle %d: parse context: %w", e.CycleID, err)
			}
			c.Observations = sc.Observations
		}
		cycles = append(cycles, c)
	}

	results, err := replay.Replay(replay.FixtureConfigFrom(cfg).ToReplayConfig(), cycles)
	if err != nil {
		return err
	}

	fmt.Printf("%-8s| %-15s| %-15s| %s\n", "Cycle", "Journaled", "Replayed", "Match")
	fmt.Printf("%-8s+%-16s+%-16s+%s\n", "--------", "----------------", "----------------", "------")
	matches := 0
	for i, r := range results {
		e := entries[i]
		exp := fmt.Sprintf("%d/%d", e.Accepted, e.Rejected)
		got := fmt.Sprintf("%d/%d", len(r.Accepted), len(r.Rejected))
		match := "DIFF"
		if exp == got {
			match = "OK"
			matches++
		}
		fmt.Printf("%-8d| %-15s| %-15s| %s\n", r.CycleID, exp, got, match)
	}

	diverge := len(results) - matches
	fmt.Printf("\nSummary: %d total, %d match, %d diverge (accepted/rejected)\n", len(results), matches, diverge)
	printDegraded(results)
	if diverge > 0 {
		return errDiverged
	}
	return nil
}

// #endregion db-mode

// #region output

func printDegraded(results []replay.Result) {
	for _, r := range results {
		if r.Degraded {
			fmt.Printf("  cycle %d degraded: %s\n", r.CycleID, r.Err)
		}
	}
}

// #endregion output
