// cmd/generate.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/narrator-cli/internal/provider"
	"github.com/aceteam-ai/narrator-cli/internal/scheduler"
	"github.com/aceteam-ai/narrator-cli/internal/ui"
)

var (
	genAgent       string
	genTitles      []string
	genTitlesFile  string
	genConcurrency int
	genOutDir      string
	genNoProgress  bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate narration scripts for one or more titles",
	Long: `Generates a premise and a full narration script for every title, using the
prompts of the selected agent. Scripts are written to <out>/<title>.txt and
recorded in the local history.`,
	Example: `  narrator generate --agent stories --title "The last train"
  narrator generate --agent stories --titles-file titles.txt --concurrency 3`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVarP(&genAgent, "agent", "a", "", "agent to generate with")
	generateCmd.Flags().StringArrayVarP(&genTitles, "title", "t", nil, "video title (repeatable)")
	generateCmd.Flags().StringVar(&genTitlesFile, "titles-file", "", "file with one title per line")
	generateCmd.Flags().IntVarP(&genConcurrency, "concurrency", "c", 0, "scripts generated at the same time (default from config)")
	generateCmd.Flags().StringVarP(&genOutDir, "out", "o", "", "output directory (default from config)")
	generateCmd.Flags().BoolVar(&genNoProgress, "no-progress", false, "print log lines instead of the live progress view")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	interactive := ui.IsTTY() && !genNoProgress

	agentName, err := chooseAgent(a, interactive)
	if err != nil {
		return err
	}
	agent, err := a.cfg.Agent(agentName)
	if err != nil {
		return err
	}

	titles, err := collectTitles(genTitles, genTitlesFile, interactive)
	if err != nil {
		return err
	}

	outDir := a.cfg.OutputDir
	if genOutDir != "" {
		outDir = genOutDir
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := a.openHistory(); err != nil {
		a.status.Warning(fmt.Sprintf("History disabled: %v", err))
	}

	concurrency := a.cfg.Concurrency
	if genConcurrency > 0 {
		concurrency = genConcurrency
	}

	opts := []scheduler.Option{
		scheduler.WithConcurrency(concurrency),
		scheduler.WithLogFn(a.log),
	}
	if a.history != nil {
		opts = append(opts, scheduler.WithHistory(a.history))
	}
	if a.redis != nil && a.cfg.Redis.Publish {
		opts = append(opts, scheduler.WithSinks(scheduler.NewRedisSink(a.redis)))
	}

	gemini := provider.NewGemini(getEnvOrDefault("NARRATOR_GEMINI_URL", ""))
	sched := scheduler.New(a.pool, gemini, opts...)

	reqs := make([]scheduler.Request, len(titles))
	for i, title := range titles {
		reqs[i] = scheduler.Request{Title: title, Agent: agent}
	}

	a.status.Working(fmt.Sprintf("Generating %d script(s) with agent %s via %s on %d key(s), concurrency %d",
		len(reqs), agent.Name, gemini.Name(), len(a.cfg.Keys), concurrency))

	a.quiet = true
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go sched.Run(runCtx)

	ids := sched.Submit(reqs)
	cancelAll := func() {
		for _, id := range ids {
			if err := sched.Cancel(id); err != nil && !errors.Is(err, scheduler.ErrJobFinished) {
				Debug("cancel %s: %v", id, err)
			}
		}
	}

	if interactive {
		source := func() []scheduler.Job { return snapshots(sched, ids) }
		if err := ui.RunProgress(sched.Events(), source, cancelAll); err != nil {
			cancelAll()
			sched.Wait()
			return fmt.Errorf("progress view failed: %w", err)
		}
		sched.Wait()
	} else {
		stopPrint := make(chan struct{})
		printed := make(chan struct{})
		go func() {
			ui.PrintEvents(sched.Events(), a.status, stopPrint)
			close(printed)
		}()
		go func() {
			<-ctx.Done()
			cancelAll()
		}()
		sched.Wait()
		close(stopPrint)
		<-printed
	}

	return writeResults(a.status, snapshots(sched, ids), outDir)
}

func snapshots(s *scheduler.Scheduler, ids []string) []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.Get(id); ok {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// chooseAgent resolves --agent, falling back to the only agent or a prompt.
func chooseAgent(a *app, interactive bool) (string, error) {
	if genAgent != "" {
		return genAgent, nil
	}
	names := a.cfg.AgentNames()
	switch {
	case len(names) == 0:
		return "", fmt.Errorf("no agents configured: add an agents section to the config file")
	case len(names) == 1:
		return names[0], nil
	case interactive:
		return ui.AskSelect("Which agent should write the scripts?", names)
	default:
		return "", fmt.Errorf("--agent is required (available: %s)", strings.Join(names, ", "))
	}
}

// collectTitles merges --title flags and the titles file, asking for one
// title when none was given on a terminal.
func collectTitles(flagTitles []string, file string, interactive bool) ([]string, error) {
	var titles []string
	for _, t := range flagTitles {
		if t = strings.TrimSpace(t); t != "" {
			titles = append(titles, t)
		}
	}

	if file != "" {
		fromFile, err := readTitlesFile(file)
		if err != nil {
			return nil, err
		}
		titles = append(titles, fromFile...)
	}

	if len(titles) == 0 {
		if !interactive {
			return nil, fmt.Errorf("no titles given: use --title or --titles-file")
		}
		title, err := ui.AskInput("Video title:", "The last train to Lisbon")
		if err != nil {
			return nil, err
		}
		titles = append(titles, title)
	}
	return titles, nil
}

// readTitlesFile returns the non-empty lines of path; lines starting with #
// are comments.
func readTitlesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open titles file: %w", err)
	}
	defer f.Close()

	var titles []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		titles = append(titles, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read titles file: %w", err)
	}
	return titles, nil
}

// writeResults saves every completed script and reports failures.
func writeResults(sl *ui.StatusLine, jobs []scheduler.Job, outDir string) error {
	used := make(map[string]bool)
	failed := 0

	for _, j := range jobs {
		if j.Stage != scheduler.StageCompleted {
			failed++
			sl.Fail(fmt.Sprintf("%s: %s", j.Title, j.Error))
			var je *scheduler.JobError
			if errors.As(j.Err, &je) {
				sl.Info("  " + je.Advice)
			}
			continue
		}

		path := uniquePath(outDir, slugify(j.Title), used)
		if err := os.WriteFile(path, []byte(j.Script+"\n"), 0644); err != nil {
			failed++
			sl.Fail(fmt.Sprintf("%s: failed to write script: %v", j.Title, err))
			continue
		}
		msg := fmt.Sprintf("%s → %s", j.Title, ui.FileLink(path))
		if len(j.Warnings) > 0 {
			msg += fmt.Sprintf(" (%d warning(s))", len(j.Warnings))
		}
		sl.Success(msg)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d script(s) failed", failed, len(jobs))
	}
	return nil
}

// slugify turns a title into a file name: lower case letters and digits
// joined by dashes.
func slugify(title string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(sb.String(), "-")
	if r := []rune(slug); len(r) > 80 {
		slug = strings.TrimSuffix(string(r[:80]), "-")
	}
	if slug == "" {
		slug = "script"
	}
	return slug
}

// uniquePath returns dir/slug.txt, adding -2, -3 ... when the name is taken
// in this run or on disk.
func uniquePath(dir, slug string, used map[string]bool) string {
	name := slug
	for n := 2; ; n++ {
		path := filepath.Join(dir, name+".txt")
		if _, err := os.Stat(path); !used[path] && errors.Is(err, os.ErrNotExist) {
			used[path] = true
			return path
		}
		name = fmt.Sprintf("%s-%d", slug, n)
	}
}
