package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoforge/autoforge/internal/config"
	"github.com/autoforge/autoforge/internal/cyclestate"
	"github.com/autoforge/autoforge/internal/history"
)

var (
	statusFollow   bool
	statusInterval float64
)

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "seconds between updates (with --follow)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show live worker state and recent cycle history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}

		if statusFollow {
			return followStatus(cfg, repoDir)
		}
		return showStatus(cfg, repoDir)
	},
}

func followStatus(cfg *config.Config, repoDir string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	var lastOutput string

	for {
		var buf bytes.Buffer
		if err := renderStatus(&buf, cfg, repoDir); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		output := buf.String()

		if output != lastOutput {
			fmt.Print("\033[H\033[2J")
			fmt.Printf("Every %.1fs: autoforge status\n\n", statusInterval)
			fmt.Print(output)
			lastOutput = output
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

func showStatus(cfg *config.Config, repoDir string) error {
	return renderStatus(os.Stdout, cfg, repoDir)
}

func renderStatus(w io.Writer, cfg *config.Config, repoDir string) error {
	states := cyclestate.NewStore(statePath(repoDir, cfg.Paths.StateDir))
	statuses, err := states.ReadAll()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Worker Status")
	fmt.Fprintln(w, "──────────────────────────────────────")
	if len(statuses) == 0 {
		fmt.Fprintln(w, "  (no workers have run yet)")
	}
	for _, st := range statuses {
		symbol, _ := stateDisplay(st.State)
		switch {
		case st.State.IsActive() && !cyclestate.IsProcessAlive(st.PID):
			fmt.Fprintf(w, "  ✗  worker-%-2d  stale (process %d no longer running, was: %s)\n", st.WorkerID, st.PID, st.State)
		case st.Error != "":
			fmt.Fprintf(w, "  %s  worker-%-2d  %s: %s\n", symbol, st.WorkerID, st.State, st.Error)
		case st.TaskSummary != "":
			fmt.Fprintf(w, "  %s  worker-%-2d  %s: %s\n", symbol, st.WorkerID, st.State, st.TaskSummary)
		default:
			fmt.Fprintf(w, "  %s  worker-%-2d  %s\n", symbol, st.WorkerID, st.State)
		}
	}

	hist := history.NewStore(statePath(repoDir, cfg.Paths.HistoryFile), filepath.Join(statePath(repoDir, cfg.Paths.StateDir), "history.lock"), cfg.Safety.MaxHistoryRecords)
	recent, err := hist.Recent(10)
	if err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Recent Cycles")
	fmt.Fprintln(w, "──────────────────────────────────────")
	if len(recent) == 0 {
		fmt.Fprintln(w, "  (no cycles recorded yet)")
		return nil
	}
	for _, rec := range recent {
		symbol, color := "✓", ansiGreen
		if !rec.Success {
			symbol, color = "✗", ansiRed
		}
		fmt.Fprintf(w, "  %s%s%s  %s  %s  $%.4f\n", color, symbol, ansiReset, rec.Timestamp.Format(time.RFC3339), rec.Description, rec.CostUSD)
	}
	return nil
}
