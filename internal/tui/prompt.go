package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrAborted is returned when the user cancels the prompt.
var ErrAborted = errors.New("prompt aborted")

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			MarginBottom(1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Model is a masked secret prompt.
type Model struct {
	prompt  string
	confirm bool

	input   textinput.Model
	first   string
	stage   int // 0 = entry, 1 = confirmation
	errText string

	value   string
	aborted bool
}

// New creates a prompt model. With confirm set the secret must be
// entered twice and both entries must match.
func New(prompt string, confirm bool) Model {
	ti := textinput.New()
	ti.EchoMode = textinput.EchoPassword
	ti.EchoCharacter = '*'
	ti.Width = 40
	ti.Focus()

	return Model{
		prompt:  prompt,
		confirm: confirm,
		input:   ti,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			entered := m.input.Value()
			m.input.SetValue("")
			if entered == "" {
				m.errText = "empty input"
				return m, nil
			}
			if m.confirm && m.stage == 0 {
				m.first = entered
				m.stage = 1
				m.errText = ""
				return m, nil
			}
			if m.confirm && entered != m.first {
				m.first = ""
				m.stage = 0
				m.errText = "entries do not match, try again"
				return m, nil
			}
			m.value = entered
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

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("⚡ pinguard"))
	b.WriteString("\n\n")

	label := m.prompt
	if m.confirm && m.stage == 1 {
		label = fmt.Sprintf("Confirm %s", m.prompt)
	}
	b.WriteString(promptStyle.Render(label + ":"))
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	if m.errText != "" {
		b.WriteString(errorStyle.Render(m.errText))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("enter to submit, esc to cancel"))
	b.WriteString("\n")

	return b.String()
}

// Prompt runs a masked prompt and returns the entered secret.
func Prompt(prompt string) (string, error) {
	return run(New(prompt, false))
}

// PromptConfirm runs a masked prompt that requires the secret twice.
func PromptConfirm(prompt string) (string, error) {
	return run(New(prompt, true))
}

func run(m Model) (string, error) {
	out, err := tea.NewProgram(m).Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %v", err)
	}
	final, ok := out.(Model)
	if !ok || final.aborted {
		return "", ErrAborted
	}
	return final.value, nil
}
