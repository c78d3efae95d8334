package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/t031a5/controlcore/internal/config"
	"github.com/t031a5/controlcore/internal/model"
	"github.com/t031a5/controlcore/internal/replay"
	"github.com/t031a5/controlcore/internal/store"
)

// #region main

var (
	dbPath     string
	outPath    string
	configPath string
	last       int
)

var rootCmd = &cobra.Command{
	Use:   "fixture-export",
	Short: "Export journaled cycles into a replay fixture",
	Long: `Reads the last N journaled cycles from the controller's store and writes
them as a replay fixture. Expected results are the current replay of those
cycles, so the fixture pins today's behaviour for regression runs.`,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	RunE: func(*cobra.Command, []string) error {
		return run(dbPath, last, outPath)
	},
}

func init() {
	rootCmd.Flags().StringVar(&dbPath, "db", "", "path to the controller's SQLite store")
	rootCmd.Flags().StringVar(&outPath, "out", "", "output fixture JSON path")
	rootCmd.Flags().StringVar(&configPath, "config", "", "controller configuration the cycles ran under (defaults when empty)")
	rootCmd.Flags().IntVar(&last, "last", 20, "number of most recent journaled cycles to export")
	_ = rootCmd.MarkFlagRequired("db")
	_ = rootCmd.MarkFlagRequired("out")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dbPath string, last int, outPath string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	st, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	entries, err := st.RecentCycles(last)
	if err != nil {
		return err
	}

	var cycles []replay.FixtureCycle
	journaled := map[uint64][2]int{}
	for _, e := range entries {
		if e.ContextJSON == "" {
			continue
		}
		var sc model.SituationalContext
		if err := json.Unmarshal([]byte(e.ContextJSON), &sc); err != nil {
			continue
		}
		cycles = append(cycles, replay.FixtureCycle{CycleID: e.CycleID, Observations: sc.Observations})
		journaled[e.CycleID] = [2]int{e.Accepted, e.Rejected}
	}
	if len(cycles) == 0 {
		return fmt.Errorf("no journaled cycles with context in the last %d entries", last)
	}
	fmt.Printf("Found %d journaled cycles\n", len(cycles))

	fixture := &replay.Fixture{
		Description: fmt.Sprintf("Session export: %d journaled cycles", len(cycles)),
		Config:      replay.FixtureConfigFrom(cfg),
		Cycles:      cycles,
	}
	results, err := replay.Replay(fixture.Config.ToReplayConfig(), fixture.ToCycles())
	if err != nil {
		return err
	}
	fixture.ExpectedResults = expectedFrom(results)

	for _, r := range results {
		j := journaled[r.CycleID]
		if j[0] != len(r.Accepted) || j[1] != len(r.Rejected) {
			fmt.Printf("  cycle %d: journaled %d/%d accepted/rejected, replay gives %d/%d\n",
				r.CycleID, j[0], j[1], len(r.Accepted), len(r.Rejected))
		}
	}

	if err := replay.WriteFixture(outPath, fixture); err != nil {
		return err
	}
	fmt.Printf("Wrote fixture to %s (%d cycles)\n", outPath, len(fixture.Cycles))
	return nil
}

// #endregion extract

// #region output

func expectedFrom(results []replay.Result) []replay.FixtureExpectedResult {
	out := make([]replay.FixtureExpectedResult, len(results))
	for i, r := range results {
		exp := replay.FixtureExpectedResult{
			CycleID:  r.CycleID,
			Accepted: []string{},
			Rejected: []string{},
			Halted:   r.Halted,
		}
		for _, in := range r.Accepted {
			exp.Accepted = append(exp.Accepted, string(in.Kind))
		}
		for _, rej := range r.Rejected {
			exp.Rejected = append(exp.Rejected, string(rej.Reason))
		}
		out[i] = exp
	}
	return out
}

// #endregion output
