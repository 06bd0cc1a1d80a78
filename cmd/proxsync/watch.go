package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kass/go-proximity-sync/pkg/client"
	"github.com/kass/go-proximity-sync/pkg/geo"
	"github.com/kass/go-proximity-sync/pkg/models"
	"github.com/kass/go-proximity-sync/pkg/store"
)

var watchLogFile string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch nearby events and players in a terminal UI",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "Write logs to this file instead of discarding them")
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#50FA7B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9")).
			Padding(0, 1)
)

const maxRows = 8

type readyMsg struct{}
type refreshMsg time.Time
type activityMsg string
type doneMsg struct{ err error }

type row struct {
	label    string
	detail   string
	distance float64
}

type watchModel struct {
	client  *client.Client
	spinner spinner.Model
	ready   bool
	err     error

	subject  models.GeoPoint
	known    bool
	state    string
	events   []row
	players  []row
	activity []string
	width    int
}

func newWatchModel(c *client.Client) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))
	return watchModel{client: c, spinner: s, width: 80}
}

func refreshEvery() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, refreshEvery())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case readyMsg:
		m.ready = true
		return m, nil

	case activityMsg:
		m.activity = append(m.activity, string(msg))
		if len(m.activity) > 5 {
			m.activity = m.activity[1:]
		}
		return m, nil

	case doneMsg:
		m.err = msg.err
		return m, tea.Quit

	case refreshMsg:
		if m.ready {
			m.snapshot()
		}
		return m, refreshEvery()
	}

	return m, nil
}

func (m *watchModel) snapshot() {
	m.subject, m.known = m.client.Tracker().Current()
	m.state = m.client.Publisher().State().String()

	m.events = m.events[:0]
	for _, e := range m.client.Events().All() {
		m.events = append(m.events, row{
			label:    e.Title,
			detail:   e.Type.String(),
			distance: m.distanceTo(e.Location()),
		})
	}
	m.players = m.players[:0]
	for _, p := range m.client.Players().All() {
		name := p.UserName
		if name == "" {
			name = p.UserID
		}
		m.players = append(m.players, row{
			label:    name,
			detail:   p.AvatarGender,
			distance: m.distanceTo(p.Location()),
		})
	}
	sortRows(m.events)
	sortRows(m.players)
}

func (m watchModel) distanceTo(p models.GeoPoint) float64 {
	if !m.known {
		return -1
	}
	return geo.DistanceMeters(m.subject, p)
}

func sortRows(rows []row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].distance != rows[j].distance {
			return rows[i].distance < rows[j].distance
		}
		return rows[i].label < rows[j].label
	})
}

func renderRows(title string, rows []row) string {
	var b strings.Builder
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("%s (%d)", title, len(rows))))
	b.WriteString("\n")
	if len(rows) == 0 {
		b.WriteString(dimStyle.Render("nothing in range"))
		return boxStyle.Render(b.String())
	}
	for i, r := range rows {
		if i == maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("… %d more", len(rows)-maxRows)))
			break
		}
		dist := "?"
		if r.distance >= 0 {
			dist = fmt.Sprintf("%.0f m", r.distance)
		}
		fmt.Fprintf(&b, "%-24s %-10s %s\n", r.label, dimStyle.Render(r.detail), statStyle.Render(dist))
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("proxsync watch"))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("✗ " + m.err.Error()))
		b.WriteString("\n")
		return b.String()
	}
	if !m.ready {
		b.WriteString(m.spinner.View() + " Connecting...\n")
		return b.String()
	}

	where := dimStyle.Render("waiting for a fix")
	if m.known {
		where = successStyle.Render(m.subject.String())
	}
	fmt.Fprintf(&b, "Location: %s   Publisher: %s\n\n", where, statStyle.Render(m.state))

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderRows("Events", m.events),
		" ",
		renderRows("Players", m.players),
	))

	if len(m.activity) > 0 {
		b.WriteString("\n\n")
		b.WriteString(dimStyle.Render("Recent activity:"))
		b.WriteString("\n")
		for _, a := range m.activity {
			b.WriteString(dimStyle.Render("• " + a))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Press 'q' to quit"))
	return b.String()
}

func watchLogger() (*slog.Logger, func(), error) {
	if watchLogFile == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(watchLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return newLogger(f), func() { f.Close() }, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := watchLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Observers fire from client.Run, which starts after program is set.
	var program *tea.Program
	say := func(format string, args ...any) { program.Send(activityMsg(fmt.Sprintf(format, args...))) }

	s, err := openSession(ctx, logger, client.Observers{
		Events: store.Handlers[models.Event]{
			OnAppeared:    func(id string, e models.Event) { say("event %q in range", e.Title) },
			OnDisappeared: func(id string) { say("event %s left range", id) },
		},
		Players: store.Handlers[models.PlayerLocation]{
			OnAppeared:    func(id string, p models.PlayerLocation) { say("player %s nearby", p.UserName) },
			OnDisappeared: func(id string) { say("player %s left", id) },
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	program = tea.NewProgram(newWatchModel(s.client), tea.WithAltScreen(), tea.WithContext(ctx))

	runErr := make(chan error, 1)
	go func() {
		err := s.client.Run(ctx)
		runErr <- err
		if err != nil {
			program.Send(doneMsg{err: err})
		}
	}()

	go func() {
		select {
		case <-s.client.Ready():
			program.Send(readyMsg{})
		case <-ctx.Done():
		}
	}()

	final, err := program.Run()
	cancel()
	if runErr := <-runErr; runErr != nil {
		return runErr
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}
