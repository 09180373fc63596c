package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-sandbox/runtime"
	"github.com/wippyai/wasm-sandbox/sandbox"
)

func newInteractiveCommand(c *sandboxCli) *cobra.Command {
	var witPath string

	cmd := &cobra.Command{
		Use:   "interactive [OPTIONS] USER/FUNCTION",
		Short: "Pick exports and invoke them from a terminal UI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(c, args[0], witPath)
		},
	}
	cmd.Flags().StringVar(&witPath, "wit", "", "WIT file describing export signatures")
	return cmd
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type interactiveModel struct {
	err      error
	rt       *runtime.Runtime
	user     string
	function string
	witPath  string
	result   string
	funcs    []funcInfo
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
	loaded   bool
}

type loadedMsg struct {
	err   error
	funcs []funcInfo
}

type callResultMsg struct {
	err    error
	result string
}

func runInteractive(c *sandboxCli, name, witPath string) error {
	user, function, err := splitFunction(name)
	if err != nil {
		return err
	}
	rt, err := c.dispatcher()
	if err != nil {
		return err
	}
	m := &interactiveModel{rt: rt, user: user, function: function, witPath: witPath}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

// load lists exports and warms the sandbox so the first call is fast.
func (m *interactiveModel) load() tea.Msg {
	ctx := context.Background()
	bin, err := m.rt.Store().ReadFunction(m.user, m.function)
	if err != nil {
		return loadedMsg{err: err}
	}
	sigs, err := loadSignatures(m.witPath)
	if err != nil {
		return loadedMsg{err: err}
	}
	funcs, err := exportedFuncs(bin, sigs)
	if err != nil {
		return loadedMsg{err: err}
	}
	if err := m.rt.Warm(ctx, m.user, m.function); err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{funcs: funcs}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		m.loaded = true
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.funcs = msg.funcs

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.sig.Params))
	for i, p := range f.sig.Params {
		ti := textinput.New()
		ti.Placeholder = witTypeStr(p)
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	f := m.funcs[m.selected]
	values := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		values[i] = input.Value()
	}
	args, err := f.sig.EncodeArgs(values)
	if err != nil {
		return callResultMsg{err: err}
	}

	res, err := m.rt.Invoke(context.Background(), runtime.Call{
		User:     m.user,
		Function: m.function,
		Target:   sandbox.Export(f.name),
		Args:     args,
	})
	if err != nil {
		return callResultMsg{err: err}
	}
	if len(res) == 0 {
		return callResultMsg{result: "(no results)"}
	}
	return callResultMsg{result: strings.Join(f.sig.FormatResults(res), ", ")}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if !m.loaded {
		return "Loading function..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Sandbox"))
	b.WriteString(" ")
	b.WriteString(m.user + "/" + m.function)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("The function exports nothing callable.\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select an export to call:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + formatSignature(f.name, f.sig)))
			} else {
				b.WriteString("  " + m.formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(witTypeStr(f.sig.Params[i])))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatFunc(f funcInfo) string {
	params := make([]string, len(f.sig.Params))
	for i, p := range f.sig.Params {
		params[i] = fmt.Sprintf("arg%d: %s", i, typeStyle.Render(witTypeStr(p)))
	}
	out := funcStyle.Render(f.name) + "(" + strings.Join(params, ", ") + ")"
	if len(f.sig.Results) > 0 {
		results := make([]string, len(f.sig.Results))
		for i, r := range f.sig.Results {
			results[i] = witTypeStr(r)
		}
		out += " -> " + typeStyle.Render(strings.Join(results, ", "))
	}
	return out
}
