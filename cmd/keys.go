// cmd/keys.go
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/narrator-cli/internal/keypool"
	"github.com/aceteam-ai/narrator-cli/internal/ui"
)

var keysResetAll bool

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and reset API keys",
}

var keysStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every key with its state and usage",
	Long: `Shows each configured key, whether it is usable, and any block or daily
exhaustion persisted by earlier runs. Request windows only cover this process,
so rpm and rpd usage is zero outside of a running generate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		printKeyStatus(os.Stdout, a.pool.Status(), time.Now())
		return nil
	},
}

var keysResetCmd = &cobra.Command{
	Use:   "reset [KEY_ID]",
	Short: "Clear blocks, exhaustion and failure counters",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !keysResetAll {
			return fmt.Errorf("give a key id or --all")
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if keysResetAll {
			a.pool.ResetAll()
			a.status.Success(fmt.Sprintf("Reset %d key(s)", len(a.pool.Keys())))
			return nil
		}
		return resetKey(a, args[0])
	},
}

func init() {
	keysResetCmd.Flags().BoolVar(&keysResetAll, "all", false, "reset every key")
	keysCmd.AddCommand(keysStatusCmd)
	keysCmd.AddCommand(keysResetCmd)
	rootCmd.AddCommand(keysCmd)
}

// resetKey clears one key and says whether it had been disabled.
func resetKey(a *app, keyID string) error {
	disabled := a.pool.FatallyBlocked(keyID)
	if err := a.pool.ResetKey(keyID); err != nil {
		return err
	}
	if disabled {
		a.status.Success(fmt.Sprintf("Re-enabled key %s; it was disabled for an auth or billing error", keyID))
		return nil
	}
	a.status.Success(fmt.Sprintf("Reset key %s", keyID))
	return nil
}

// printKeyStatus writes one row per key.
func printKeyStatus(w io.Writer, keys []keypool.KeyStatus, now time.Time) {
	header := []string{"ID", "NAME", "MODEL", "STATE", "RPM", "RPD", "DETAIL"}
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{
			k.ID,
			k.Name,
			k.Model,
			stateLabel(k.Condition),
			fmt.Sprintf("%s %d/%d", ui.UsageBar(k.RPM, k.Limits.RPM, 8), k.RPM, k.Limits.RPM),
			fmt.Sprintf("%d/%d", k.RPD, k.Limits.RPD),
			keyDetail(k, now),
		})
	}
	writeTable(w, header, rows)
}

func stateLabel(c keypool.Condition) string {
	switch c {
	case keypool.ConditionAvailable:
		return color.GreenString(string(c))
	case keypool.ConditionBlocked:
		return color.RedString(string(c))
	case keypool.ConditionExhausted, keypool.ConditionCooldown:
		return color.YellowString(string(c))
	default:
		return string(c)
	}
}

func keyDetail(k keypool.KeyStatus, now time.Time) string {
	switch {
	case k.Blocked.After(now):
		kind := "blocked"
		if k.Fatal {
			kind = "disabled"
		}
		return fmt.Sprintf("%s for %s: %s", kind, k.Blocked.Sub(now).Round(time.Second), k.Reason)
	case k.Exhausted.After(now):
		return fmt.Sprintf("daily quota resets in %s", k.Exhausted.Sub(now).Round(time.Minute))
	case k.Cooldown.After(now):
		return fmt.Sprintf("cooling down %s", k.Cooldown.Sub(now).Round(time.Second))
	case k.Failures > 0:
		return fmt.Sprintf("%d recent failure(s)", k.Failures)
	}
	return ""
}

// writeTable pads columns by display width so colored and wide cells line up.
func writeTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := runewidth.StringWidth(stripANSI(cell)); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(cells []string) {
		var sb strings.Builder
		for i, cell := range cells {
			if i > 0 {
				sb.WriteString("  ")
			}
			sb.WriteString(cell)
			if i < len(cells)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(stripANSI(cell))))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(sb.String(), " "))
	}

	boldHeader := make([]string, len(header))
	for i, h := range header {
		boldHeader[i] = color.New(color.Bold).Sprint(h)
	}
	line(boldHeader)
	for _, row := range rows {
		line(row)
	}
}

// stripANSI removes ANSI escape sequences from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\x1b' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}
