// internal/ui/status.go
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// StatusLine prints one colored line per message.
type StatusLine struct {
	mu     sync.Mutex
	writer io.Writer
	debug  bool
}

// NewStatusLine creates a status line writing to stdout.
func NewStatusLine() *StatusLine {
	return &StatusLine{writer: os.Stdout}
}

// SetWriter sets the output writer
func (sl *StatusLine) SetWriter(w io.Writer) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.writer = w
}

// SetDebug enables debug lines.
func (sl *StatusLine) SetDebug(on bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.debug = on
}

func (sl *StatusLine) print(symbol, message string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	fmt.Fprintf(sl.writer, "%s %s\n", symbol, message)
}

// Working prints an in-progress status
func (sl *StatusLine) Working(message string) {
	sl.print(color.YellowString("◆"), message)
}

// Success prints a success status
func (sl *StatusLine) Success(message string) {
	sl.print(color.GreenString("✓"), message)
}

// Fail prints a failure status
func (sl *StatusLine) Fail(message string) {
	sl.print(color.RedString("✗"), message)
}

// Warning prints a warning status
func (sl *StatusLine) Warning(message string) {
	sl.print(color.YellowString("⚠"), message)
}

// Info prints an info status
func (sl *StatusLine) Info(message string) {
	sl.print(color.BlueString("ℹ"), message)
}

// Log prints message at level. It matches the func(level, msg string)
// callbacks taken by the key pool, the retry controller and the scheduler.
func (sl *StatusLine) Log(level, message string) {
	switch level {
	case "debug":
		sl.mu.Lock()
		on := sl.debug
		sl.mu.Unlock()
		if on {
			sl.print(color.HiBlackString("·"), color.HiBlackString(message))
		}
	case "success":
		sl.Success(message)
	case "warning":
		sl.Warning(message)
	case "error":
		sl.Fail(message)
	default:
		sl.Info(message)
	}
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a single status line until stopped.
type Spinner struct {
	mu        sync.Mutex
	message   string
	running   bool
	done      chan struct{}
	writer    io.Writer
	startTime time.Time
}

// NewSpinner creates a spinner writing to stdout.
func NewSpinner() *Spinner {
	return &Spinner{writer: os.Stdout}
}

// Start begins the animation with a message
func (s *Spinner) Start(message string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.message = message
	s.running = true
	s.done = make(chan struct{})
	s.startTime = time.Now()
	s.mu.Unlock()

	go s.animate()
}

// Stop stops the spinner and prints finalMessage when not empty.
func (s *Spinner) Stop(finalMessage string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	fmt.Fprint(s.writer, "\r\033[K")
	if finalMessage != "" {
		fmt.Fprintln(s.writer, finalMessage)
	}
}

func (s *Spinner) animate() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.running {
				s.mu.Unlock()
				return
			}
			elapsed := time.Since(s.startTime)
			line := color.CyanString(spinnerFrames[i%len(spinnerFrames)]) + " " + s.message
			if elapsed > time.Second {
				line += color.HiBlackString(" (%s)", FormatDuration(elapsed))
			}
			fmt.Fprint(s.writer, "\r\033[K"+line)
			s.mu.Unlock()
		}
	}
}

// FormatDuration renders d as "4.2s" or "3m12s".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// RunWithSpinner executes fn while showing a spinner on terminals and a
// plain status line elsewhere.
func RunWithSpinner(message string, fn func() error) error {
	if !IsTTY() {
		err := fn()
		if err != nil {
			NewStatusLine().Fail(message + " - failed")
		}
		return err
	}
	spinner := NewSpinner()
	spinner.Start(message)
	if err := fn(); err != nil {
		spinner.Stop(color.RedString("✗") + " " + message + " - failed")
		return err
	}
	spinner.Stop(color.GreenString("✓") + " " + message)
	return nil
}
