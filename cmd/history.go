// cmd/history.go
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/narrator-cli/internal/history"
	"github.com/aceteam-ai/narrator-cli/internal/ui"
)

var (
	historyLimit       int
	historyShowPremise bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List and show generated scripts",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List generated scripts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistoryStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.List(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			ui.NewStatusLine().Info("No scripts generated yet")
			return nil
		}
		printHistory(os.Stdout, entries)
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show JOB_ID",
	Short: "Print a generated script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistoryStore()
		if err != nil {
			return err
		}
		defer store.Close()

		e, err := store.Get(cmd.Context(), args[0])
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("no script with job id %s (see narrator history list)", args[0])
		}
		if err != nil {
			return err
		}

		fmt.Println(color.New(color.Bold).Sprint(e.Title))
		fmt.Println(color.HiBlackString("%s · agent %s · %d words", e.CreatedAt.Local().Format("2006-01-02 15:04"), e.AgentName, e.WordCount))
		if historyShowPremise {
			fmt.Println()
			fmt.Println(color.CyanString("Premise"))
			fmt.Println(e.Premise)
		}
		fmt.Println()
		fmt.Println(e.Script)
		return nil
	},
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries to show")
	historyShowCmd.Flags().BoolVar(&historyShowPremise, "premise", false, "also print the premise")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	rootCmd.AddCommand(historyCmd)
}

// openHistoryStore opens the history database without requiring API keys.
func openHistoryStore() (*history.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openHistoryAt(cfg.HistoryPath)
}

func openHistoryAt(path string) (*history.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return history.OpenStore(path)
}

func printHistory(w io.Writer, entries []history.Entry) {
	header := []string{"JOB ID", "CREATED", "AGENT", "WORDS", "TITLE"}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.JobID,
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
			e.AgentName,
			fmt.Sprintf("%d", e.WordCount),
			ui.Truncate(e.Title, 60),
		})
	}
	writeTable(w, header, rows)
}
