package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/avickers/meshtalk/internal/chat"
	"github.com/avickers/meshtalk/internal/identity"
	"github.com/avickers/meshtalk/internal/session"
)

// Messages the session dispatcher feeds into the program.
type (
	ConnectedMsg    struct{ Self identity.Participant }
	DisconnectedMsg struct{}
	RosterMsg       struct {
		Roster identity.Roster
		Delta  identity.Delta
	}
	ChatMsg         struct{ Message chat.Message }
	SessionErrorMsg struct {
		Kind   session.ErrorKind
		Reason string
	}
)

// line is one rendered row of the message log, ordered by timestamp rather
// than arrival.
type line struct {
	ts   int64
	text string
}

// ChatModel is the terminal chat: message log on top, input box below,
// status bar at the bottom. It consumes the session facade and nothing
// deeper.
type ChatModel struct {
	sess *session.Session
	self identity.Participant

	vp    viewport.Model
	input textinput.Model
	lines []line

	roster identity.Roster
	status string
	ready  bool
	width  int
	height int
}

// NewChat builds the model for a joined session.
func NewChat(sess *session.Session, self identity.Participant) ChatModel {
	input := textinput.New()
	input.Placeholder = "Say something (or /who, /quit)"
	input.CharLimit = 2000
	input.Focus()

	return ChatModel{
		sess:   sess,
		self:   self,
		input:  input,
		status: "connected to relay",
	}
}

func (m ChatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := msg.Height - 6
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.vp = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = vpHeight
		}
		m.input.Width = msg.Width - 6
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.sess.Leave()
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}

	case ConnectedMsg:
		m.status = fmt.Sprintf("online as %s", msg.Self.DisplayName)
		return m, nil

	case DisconnectedMsg:
		m.status = "disconnected"
		m.appendNotice(WarningStyle.Render("disconnected from relay"))
		return m, nil

	case RosterMsg:
		m.roster = msg.Roster
		for _, p := range msg.Delta.Joined {
			m.appendNotice(NoticeStyle.Render(fmt.Sprintf("%s joined", p.DisplayName)))
		}
		for _, p := range msg.Delta.Left {
			m.appendNotice(MutedStyle.Render(fmt.Sprintf("%s left", p.DisplayName)))
		}
		return m, nil

	case ChatMsg:
		m.appendMessage(msg.Message, false)
		return m, nil

	case SessionErrorMsg:
		m.appendNotice(ErrorStyle.Render(fmt.Sprintf("[%s] %s", msg.Kind, msg.Reason)))
		return m, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m ChatModel) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if text == "" {
		return m, nil
	}

	switch text {
	case "/quit":
		m.sess.Leave()
		return m, tea.Quit

	case "/who":
		m.appendNotice(RosterTable(m.roster, m.self.ID, m.sess.Links()))
		return m, nil
	}

	sent, report, err := m.sess.Send(text)
	if err != nil {
		m.appendNotice(ErrorStyle.Render("not connected: message was not sent"))
		return m, nil
	}

	m.appendMessage(sent, true)
	if report.NoPeers() {
		m.appendNotice(MutedStyle.Render("nobody else is here yet; message not delivered"))
	} else if report.AllFailed() {
		m.appendNotice(ErrorStyle.Render("message could not be delivered"))
	}
	return m, nil
}

func (m *ChatModel) appendMessage(msg chat.Message, own bool) {
	nameStyle := PeerNameStyle
	if own {
		nameStyle = SelfNameStyle
	}
	stamp := TimestampStyle.Render(msg.Time().Format("15:04"))
	m.lines = append(m.lines, line{
		ts:   msg.Timestamp,
		text: fmt.Sprintf("%s %s %s", stamp, nameStyle.Render(msg.SenderName+":"), msg.Text),
	})
	m.refresh()
}

func (m *ChatModel) appendNotice(text string) {
	m.lines = append(m.lines, line{ts: time.Now().UnixMilli(), text: text})
	m.refresh()
}

// refresh re-sorts the log by timestamp and pins the viewport to the
// bottom.
func (m *ChatModel) refresh() {
	if !m.ready {
		return
	}
	sort.SliceStable(m.lines, func(i, j int) bool { return m.lines[i].ts < m.lines[j].ts })

	rendered := make([]string, len(m.lines))
	for i, l := range m.lines {
		rendered[i] = l.text
	}
	m.vp.SetContent(strings.Join(rendered, "\n"))
	m.vp.GotoBottom()
}

func (m ChatModel) View() string {
	if !m.ready {
		return "starting..."
	}

	title := TitleStyle.Render("meshtalk")
	peers := len(m.roster.Peers(m.self.ID))
	status := StatusBarStyle.Render(fmt.Sprintf("%s · %d peer(s) online", m.status, peers))

	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.vp.View(),
		InputStyle.Render(m.input.View()),
		status,
	)
}
