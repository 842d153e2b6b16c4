// Package tui shows a live view of a running engine in the terminal.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/allolib/allosynth/pkg/engine"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888")).Underline(true)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
)

// maxVoiceRows caps the sounding-voice list.
const maxVoiceRows = 8

// Options configures the model.
type Options struct {
	Title    string
	Interval time.Duration
	// Done, when set, ends the program once it is closed.
	Done <-chan struct{}
}

// Model polls the controller and renders allocator and sequencer state.
type Model struct {
	controller engine.Controller
	opts       Options
	stats      engine.Stats
	status     string
	quitting   bool
}

type tickMsg time.Time

type doneMsg struct{}

// New creates a model for controller.
func New(controller engine.Controller, opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.Title == "" {
		opts.Title = "allosynth"
	}
	return Model{controller: controller, opts: opts, stats: controller.Stats()}
}

// Run starts the program and blocks until the user quits or Done closes.
func Run(controller engine.Controller, opts Options) error {
	_, err := tea.NewProgram(New(controller, opts), tea.WithAltScreen()).Run()
	return err
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitDone(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return doneMsg{}
	}
}

func (m Model) Init() tea.Cmd {
	if m.opts.Done == nil {
		return tick(m.opts.Interval)
	}
	return tea.Batch(tick(m.opts.Interval), waitDone(m.opts.Done))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "s":
			m.controller.StopSequence()
			m.status = "sequence stopped"
		case "o":
			m.controller.AllNotesOff()
			m.status = "all notes off"
		}
		m.stats = m.controller.Stats()

	case tickMsg:
		m.stats = m.controller.Stats()
		return m, tick(m.opts.Interval)

	case doneMsg:
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	st := m.stats
	var b strings.Builder

	state := "STOP"
	if st.Sequence.Playing {
		state = "PLAY"
	}
	seq := st.Sequence.Name
	if seq == "" {
		seq = "-"
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s  %s %s  t=%.2fs  %s", m.opts.Title, state, seq, st.Sequence.MasterTime, st.Sequence.TimeMaster)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%s %dHz/%d  blocks %d  frames %d  draws %d  clients %d",
		st.Backend, st.SampleRate, st.BlockSize, st.Blocks, st.GraphicFrames, st.DrawCalls, st.Bus.ActiveSubscribers)))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-16s %6s %8s %7s", "TYPE", "FREE", "PENDING", "ACTIVE")))
	b.WriteString("\n")
	names := make([]string, 0, len(st.Synth.Types))
	for name := range st.Synth.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ts := st.Synth.Types[name]
		row := fmt.Sprintf("%-16s %6d %8d %7d", name, ts.Free, ts.Pending, ts.Active)
		if ts.Active > 0 {
			row = activeStyle.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-6s %-16s %s", "ID", "VOICE", "PARAMS")))
	b.WriteString("\n")
	for i, v := range st.Synth.ActiveVoices {
		if i == maxVoiceRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("... %d more", len(st.Synth.ActiveVoices)-maxVoiceRows)))
			b.WriteString("\n")
			break
		}
		b.WriteString(fmt.Sprintf("%-6d %-16s %s\n", v.ID, v.Type, v.Fields))
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("s:stop sequence  o:all notes off  q:quit"))
	return b.String()
}
