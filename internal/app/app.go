package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/locate"
	"ble-locator.klederson.com/internal/model"
	"ble-locator.klederson.com/internal/protocol"
	"ble-locator.klederson.com/internal/radar"
	"ble-locator.klederson.com/internal/transport"
	"ble-locator.klederson.com/internal/ui"
)

// shared holds state shared between the Bubble Tea model copies and main.go.
// Because Bubble Tea uses value receivers, pointer fields ensure all copies
// see the same underlying data.
type shared struct {
	conn  *transport.Conn
	pulse *radar.Pulse
	trail *Ring[model.Position]
	cpu   *Ring[float64]
}

// AppModel is the root Bubble Tea model of the console. It plays the remote
// peer of one node.
type AppModel struct {
	width  int
	height int

	addr      string
	keys      keyMap
	help      help.Model
	spinner   spinner.Model
	connected bool
	message   string

	shared *shared

	// node data
	beacons      []model.BeaconData
	date         uint32
	position     model.Position
	hasPosition  bool
	load         model.Load
	experimental []model.ExperimentalPosition
	trajects     []model.ExperimentalTraject
	calibration  ui.CalibrationView
}

// New creates a console for the node at addr.
func New(addr string) AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ui.ColorWarning)

	return AppModel{
		addr:    addr,
		keys:    defaultKeys(),
		help:    help.New(),
		spinner: s,
		load:    model.Load{Memory: model.LoadUnavailable, Processor: model.LoadUnavailable},
		shared: &shared{
			pulse: radar.NewPulse(),
			trail: NewRing[model.Position](config.TrailLength),
			cpu:   NewRing[float64](config.HistoryLength),
		},
		calibration: ui.CalibrationView{Validated: map[uint8]bool{}},
	}
}

func (m AppModel) Init() tea.Cmd {
	return tea.Batch(
		dialCmd(m.addr),
		tickCmd(),
		m.spinner.Tick,
	)
}

func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case TickMsg:
		m.shared.pulse.Update()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case LinkUpMsg:
		m.shared.conn = msg.Conn
		m.connected = true
		m.message = "connected"
		return m, readCmd(msg.Conn)

	case LinkDownMsg:
		if msg.Conn != nil && msg.Conn != m.shared.conn {
			return m, nil
		}
		m.dropLink(msg.Err)
		return m, redialCmd()

	case RedialMsg:
		return m, dialCmd(m.addr)

	case FrameMsg:
		if msg.Conn != m.shared.conn {
			return m, nil
		}
		m.apply(msg.Msg)
		return m, readCmd(msg.Conn)

	case BadFrameMsg:
		if msg.Conn != m.shared.conn {
			return m, nil
		}
		m.message = "bad frame: " + msg.Err.Error()
		return m, readCmd(msg.Conn)

	case SendErrorMsg:
		m.message = "send failed: " + msg.Err.Error()
		m.calibration.Pending = false
		return m, nil
	}

	return m, nil
}

func (m *AppModel) dropLink(err error) {
	if m.shared.conn != nil {
		m.shared.conn.Close()
		m.shared.conn = nil
	}
	m.connected = false
	m.calibration.Active = false
	m.calibration.Pending = false
	switch {
	case err == nil, errors.Is(err, io.EOF):
		m.message = "node went away"
	default:
		m.message = err.Error()
	}
}

func (m AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, m.keys.Calibrate):
		if !m.connected {
			m.message = "not connected"
			return m, nil
		}
		m.message = "asking calibration positions"
		return m, sendCmd(m.shared.conn, protocol.CalibrationPositionsRequest{})

	case key.Matches(msg, m.keys.Up):
		if m.calibration.Cursor > 0 {
			m.calibration.Cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.calibration.Cursor < len(m.calibration.Positions)-1 {
			m.calibration.Cursor++
		}

	case key.Matches(msg, m.keys.Validate):
		if !m.connected || !m.calibration.Active || m.calibration.Pending {
			return m, nil
		}
		p := m.calibration.Positions[m.calibration.Cursor]
		m.calibration.Pending = true
		m.message = fmt.Sprintf("sampling position #%d", p.ID)
		return m, sendCmd(m.shared.conn, protocol.CalibrationPositionSignal{ID: p.ID})
	}

	return m, nil
}

// apply folds one node frame into the console state.
func (m *AppModel) apply(msg protocol.Message) {
	switch f := msg.(type) {
	case protocol.ExperimentalPositions:
		m.experimental = f.Positions
	case protocol.ExperimentalTrajects:
		m.trajects = f.Trajects
	case protocol.BeaconsData:
		m.beacons = f.Beacons
		m.date = f.Date
	case protocol.CurrentPosition:
		m.position = f.Position
		m.hasPosition = true
		m.date = f.Date
		m.shared.trail.Push(f.Position)
	case protocol.LoadReport:
		m.load = f.Load
		m.date = f.Date
		if f.Load.Processor != model.LoadUnavailable {
			m.shared.cpu.Push(float64(f.Load.Processor))
		}
	case protocol.CalibrationPositions:
		m.calibration = ui.CalibrationView{
			Positions: f.Positions,
			Validated: map[uint8]bool{},
			Active:    len(f.Positions) > 0,
		}
		m.message = fmt.Sprintf("calibration: %d positions", len(f.Positions))
	case protocol.CalibrationPositionSignal:
		m.calibration.Validated[f.ID] = true
		m.calibration.Pending = false
		m.calibration.Cursor = m.nextUnvalidated()
		m.message = fmt.Sprintf("position #%d sampled", f.ID)
	case protocol.CalibrationDataReport:
		m.calibration.Results = f.Data
	case protocol.CalibrationEnd:
		m.calibration.Active = false
		m.calibration.Pending = false
		m.message = "calibration finished"
	default:
		m.message = "unexpected " + msg.Command().String()
	}
}

func (m *AppModel) nextUnvalidated() int {
	n := len(m.calibration.Positions)
	for i := 1; i <= n; i++ {
		idx := (m.calibration.Cursor + i) % n
		if !m.calibration.Validated[m.calibration.Positions[idx].ID] {
			return idx
		}
	}
	return m.calibration.Cursor
}

func (m AppModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing BLE Locator console..."
	}

	menuH := 1
	statusH := 1
	bodyH := m.height - menuH - statusH
	if bodyH < 8 {
		bodyH = 8
	}

	mapW := m.width * 2 / 3
	if mapW < 30 {
		mapW = 30
	}
	sideW := m.width - mapW
	if sideW < 24 {
		sideW = 24
		mapW = m.width - sideW
	}

	helpView := m.help.View(m.keys)
	if !m.connected {
		helpView = m.spinner.View() + " connecting  " + helpView
	}
	menuBar := ui.RenderMenuBar(m.width, m.addr, m.connected, helpView)

	innerW := mapW - 4
	innerH := bodyH - 4
	if innerW < 10 {
		innerW = 10
	}
	if innerH < 5 {
		innerH = 5
	}
	selected := -1
	if m.calibration.Active {
		selected = m.calibration.Cursor
	}
	scene := radar.Scene{
		Beacons:      m.beacons,
		Experimental: m.experimental,
		Trajects:     m.trajects,
		Calibration:  m.calibration.Positions,
		Selected:     selected,
		Validated:    m.calibration.Validated,
		Trail:        m.shared.trail.Values(),
		Position:     m.position,
		HasPosition:  m.hasPosition,
	}
	floor := radar.Render(innerW, innerH, scene, m.shared.pulse)
	mapPanel := ui.RenderMapPanel(mapW, bodyH, "FLOOR", floor, radar.RenderLegend(innerW))

	listH := bodyH / 2
	list := ui.RenderBeaconList(m.beacons, locate.Default, sideW, listH)
	calib := ui.RenderCalibrationPanel(m.calibration, m.shared.cpu.Values(), sideW, bodyH-listH)
	side := lipgloss.JoinVertical(lipgloss.Left, list, calib)

	statusBar := ui.RenderStatusBar(m.width, ui.Status{
		Connected:   m.connected,
		Beacons:     len(m.beacons),
		Position:    m.position,
		HasPosition: m.hasPosition,
		Load:        m.load,
		Date:        m.date,
		Message:     m.message,
	})

	return ui.ComposeLayout(menuBar, mapPanel, side, statusBar)
}

// Close drops the node connection.
func (m AppModel) Close() {
	if m.shared.conn != nil {
		m.shared.conn.Close()
		m.shared.conn = nil
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second/time.Duration(config.TargetFPS), func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func dialCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), config.RetryDelay)
		defer cancel()
		conn, err := transport.Dial(ctx, addr)
		if err != nil {
			return LinkDownMsg{Err: err}
		}
		return LinkUpMsg{Conn: conn}
	}
}

func redialCmd() tea.Cmd {
	return tea.Tick(config.RetryDelay, func(time.Time) tea.Msg {
		return RedialMsg{}
	})
}

// readCmd waits for the next frame. Frames that fail to decode were still
// consumed by their announced length, so reading continues.
func readCmd(conn *transport.Conn) tea.Cmd {
	return func() tea.Msg {
		frame, err := conn.ReadFrame()
		if err != nil {
			return LinkDownMsg{Conn: conn, Err: err}
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			return BadFrameMsg{Conn: conn, Err: err}
		}
		return FrameMsg{Conn: conn, Msg: msg}
	}
}

func sendCmd(conn *transport.Conn, msg protocol.Message) tea.Cmd {
	return func() tea.Msg {
		if err := conn.Send(msg); err != nil {
			return SendErrorMsg{Err: err}
		}
		return nil
	}
}
