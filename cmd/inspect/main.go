package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/t031a5/controlcore/internal/store"
)

// #region main

var (
	dbPath  string
	last    int
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print what the controller journaled to its store",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		if dbPath == "" {
			return fmt.Errorf("--db is required")
		}
		return nil
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Recent action results, oldest first",
	RunE:  withStore(runResults),
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Safety state transitions, oldest first",
	RunE:  withStore(runAudit),
}

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "Journaled cycle summaries, oldest first",
	RunE:  withStore(runCycles),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the controller's SQLite store")
	rootCmd.PersistentFlags().IntVar(&last, "last", 20, "show N most recent rows")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	rootCmd.AddCommand(resultsCmd, auditCmd, cyclesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withStore(run func(*store.Store) error) func(*cobra.Command, []string) error {
	return func(*cobra.Command, []string) error {
		st, err := store.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer st.Close()
		return run(st)
	}
}

// #endregion main

// #region results

type resultRow struct {
	IntentRef string `json:"intent_ref"`
	Kind      string `json:"kind"`
	Group     string `json:"group,omitempty"`
	Cycle     uint64 `json:"origin_cycle_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Discarded bool   `json:"discarded,omitempty"`
	At        string `json:"completed_at"`
}

func runResults(st *store.Store) error {
	results, err := st.RecentResults(last)
	if err != nil {
		return err
	}
	rows := make([]resultRow, len(results))
	for i, r := range results {
		rows[i] = resultRow{
			IntentRef: r.IntentRef,
			Kind:      string(r.Kind),
			Group:     string(r.Group),
			Cycle:     r.OriginCycleID,
			Status:    string(r.Status),
			Reason:    string(r.Reason),
			Detail:    r.Detail,
			Discarded: r.Discarded,
			At:        r.CompletedAt.Format(time.RFC3339),
		}
	}
	if jsonOut {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no results recorded")
		return nil
	}

	fmt.Printf("%-8s  %8s  %-15s  %-16s  %-9s  %-22s  %s\n",
		"Intent", "Cycle", "Kind", "Group", "Status", "Reason", "Time")
	fmt.Printf("%-8s+-%8s+-%-15s+-%-16s+-%-9s+-%-22s+-%s\n",
		"--------", "--------", "---------------", "----------------", "---------", "----------------------", "--------------------")
	for _, r := range rows {
		status := r.Status
		if r.Discarded {
			status += "*"
		}
		fmt.Printf("%-8s  %8d  %-15s  %-16s  %-9s  %-22s  %s\n",
			shortID(r.IntentRef), r.Cycle, r.Kind, dash(r.Group), status, dash(r.Reason), r.At)
	}
	return nil
}

// #endregion results

// #region audit

func runAudit(st *store.Store) error {
	rows, err := st.SafetyAudit(last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Println("no safety transitions recorded")
		return nil
	}
	for _, t := range rows {
		fmt.Printf("%s  %-6s -> %-6s  by %-14s  %s\n",
			t.At.Format(time.RFC3339), t.From, t.To, t.TriggeredBy, t.Reason)
	}
	return nil
}

// #endregion audit

// #region cycles

func runCycles(st *store.Store) error {
	entries, err := st.RecentCycles(last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no cycles journaled")
		return nil
	}

	fmt.Printf("%8s  %-10s  %6s  %-10s  %4s  %4s  %9s  %s\n",
		"Cycle", "Dominant", "Conf", "Provider", "Acc", "Rej", "Duration", "Flags")
	for _, e := range entries {
		flags := ""
		if e.Degraded {
			flags += "degraded "
		}
		if e.Overrun {
			flags += "overrun"
		}
		fmt.Printf("%8d  %-10s  %6.2f  %-10s  %4d  %4d  %9s  %s\n",
			e.CycleID, dash(e.DominantModality), e.Confidence, dash(e.Provider),
			e.Accepted, e.Rejected, e.Duration.Round(10*time.Microsecond), flags)
	}
	return nil
}

// #endregion cycles

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

// #endregion output
