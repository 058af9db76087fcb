// internal/ui/prompt.go
package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
)

// ErrAborted is returned when the user leaves a prompt without answering.
var ErrAborted = errors.New("prompt aborted")

type selectModel struct {
	question string
	choices  []string
	cursor   int
	choice   string
}

func (m selectModel) Init() tea.Cmd {
	return nil
}

func (m selectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "q", "esc":
		return m, tea.Quit
	case "enter":
		m.choice = m.choices[m.cursor]
		return m, tea.Quit
	case "down", "j":
		m.cursor = (m.cursor + 1) % len(m.choices)
	case "up", "k":
		m.cursor = (m.cursor - 1 + len(m.choices)) % len(m.choices)
	}
	return m, nil
}

func (m selectModel) View() string {
	var sb strings.Builder
	sb.WriteString(m.question + "\n\n")
	for i, choice := range m.choices {
		cursor := "  "
		if m.cursor == i {
			cursor = color.CyanString("> ")
		}
		sb.WriteString(cursor + choice + "\n")
	}
	sb.WriteString("\n(arrow keys to move, enter to select, q to quit)\n")
	return sb.String()
}

// AskSelect lets the user pick one of choices.
func AskSelect(question string, choices []string) (string, error) {
	if len(choices) == 0 {
		return "", fmt.Errorf("nothing to choose from")
	}
	m, err := tea.NewProgram(selectModel{question: question, choices: choices}).Run()
	if err != nil {
		return "", err
	}
	if choice := m.(selectModel).choice; choice != "" {
		return choice, nil
	}
	return "", ErrAborted
}

type inputModel struct {
	question string
	input    textinput.Model
	aborted  bool
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			return m, tea.Quit
		case tea.KeyCtrlC, tea.KeyEsc:
			m.aborted = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	return fmt.Sprintf("%s\n\n%s\n\n(esc to quit)", m.question, m.input.View())
}

// AskInput reads one line of text from the user.
func AskInput(question, placeholder string) (string, error) {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Focus()
	ti.CharLimit = 200
	ti.Width = 60

	m, err := tea.NewProgram(inputModel{question: question, input: ti}).Run()
	if err != nil {
		return "", err
	}
	result := m.(inputModel)
	value := strings.TrimSpace(result.input.Value())
	if result.aborted || value == "" {
		return "", ErrAborted
	}
	return value, nil
}
