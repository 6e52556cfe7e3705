package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"lookout/internal/logging"
	"lookout/internal/types"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleError     = "error"

	statusWaiting  = "waiting for pickup"
	statusThinking = "observer is thinking"

	// thinkPollInterval is how often the waiting indicator re-checks the
	// processing marker.
	thinkPollInterval = 250 * time.Millisecond
)

const helpText = `**Commands**

- ` + "`help`" + `: this text
- ` + "`clear`" + `: reset the visible transcript
- ` + "`exit`" + ` / ` + "`quit`" + `: leave the chat (the observer keeps running)

Anything else is sent to the observer as a question about the project.`

// Message is a single entry in the visible transcript.
type Message struct {
	Role    string
	Content string
	Time    time.Time
}

// Messages for tea updates.
type (
	responseMsg  types.Response
	errorMsg     error
	thinkTickMsg time.Time
)

// Model is the bubbletea model for the interactive chat.
type Model struct {
	courier *Courier

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	styles   Styles
	renderer *glamour.TermRenderer

	history   []Message
	isLoading bool
	status    string
	width     int
	height    int
	ready     bool
}

// NewModel builds the chat model. opening seeds the transcript (recent
// exchanges from a resumed session); it may be empty.
func NewModel(courier *Courier, opening []Message) Model {
	styles := DefaultStyles()

	ta := textarea.New()
	ta.Placeholder = "Ask about the project... (Enter to send, Alt+Enter for newline)"
	ta.Prompt = "| "
	ta.CharLimit = 4096
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner

	vp := viewport.New(80, 20)

	var renderer *glamour.TermRenderer
	if styles.Theme.IsDark {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(76),
		)
	} else {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath("light"),
			glamour.WithWordWrap(76),
		)
	}

	history := opening
	if len(history) == 0 {
		history = []Message{{
			Role:    roleAssistant,
			Content: fmt.Sprintf("Watching `%s`. Ask about the project; `exit` to leave.", courier.Session().ProjectRoot),
			Time:    time.Now(),
		}}
	}

	m := Model{
		courier:  courier,
		textarea: ta,
		viewport: vp,
		spinner:  sp,
		styles:   styles,
		renderer: renderer,
		history:  history,
	}
	m.viewport.SetContent(m.renderHistory())
	return m
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

// Update handles tea messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.detach()
			return m, tea.Quit
		case tea.KeyEnter:
			if msg.Alt {
				break // newline, let the textarea have it
			}
			if !m.isLoading {
				return m.handleSubmit()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.ready = true
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil

	case spinner.TickMsg:
		if m.isLoading {
			var spCmd tea.Cmd
			m.spinner, spCmd = m.spinner.Update(msg)
			return m, spCmd
		}
		return m, nil

	case thinkTickMsg:
		if !m.isLoading {
			return m, nil
		}
		if m.courier.Thinking() {
			m.status = statusThinking
		} else {
			m.status = statusWaiting
		}
		return m, m.thinkTick()

	case responseMsg:
		m.isLoading = false
		resp := types.Response(msg)
		if resp.IsError() {
			m.history = append(m.history, Message{Role: roleError, Content: resp.Err, Time: time.Now()})
		} else {
			m.history = append(m.history, Message{Role: roleAssistant, Content: resp.Answer, Time: resp.AnsweredAt})
		}
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil

	case errorMsg:
		m.isLoading = false
		m.history = append(m.history, Message{Role: roleError, Content: describeAskError(msg), Time: time.Now()})
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil
	}

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

// handleSubmit routes one submitted line.
func (m Model) handleSubmit() (tea.Model, tea.Cmd) {
	kind, query := Classify(m.textarea.Value())
	switch kind {
	case InputEmpty:
		return m, nil

	case InputExit:
		m.detach()
		return m, tea.Quit

	case InputClear:
		m.history = nil
		m.textarea.Reset()
		m.viewport.SetContent("")
		return m, nil

	case InputHelp:
		m.history = append(m.history, Message{Role: roleAssistant, Content: helpText, Time: time.Now()})
		m.textarea.Reset()
		m.viewport.SetContent(m.renderHistory())
		m.viewport.GotoBottom()
		return m, nil
	}

	m.history = append(m.history, Message{Role: roleUser, Content: query, Time: time.Now()})
	m.textarea.Reset()
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()

	m.isLoading = true
	m.status = statusWaiting
	return m, tea.Batch(m.spinner.Tick, m.ask(query), m.thinkTick())
}

// ask runs the blocking exchange off the update loop.
func (m Model) ask(query string) tea.Cmd {
	courier := m.courier
	return func() tea.Msg {
		resp, err := courier.Ask(context.Background(), query)
		if err != nil {
			return errorMsg(err)
		}
		return responseMsg(resp)
	}
}

func (m Model) thinkTick() tea.Cmd {
	return tea.Tick(thinkPollInterval, func(t time.Time) tea.Msg {
		return thinkTickMsg(t)
	})
}

// detach withdraws any outstanding request and marks the session idle.
func (m Model) detach() {
	if err := m.courier.Close(); err != nil {
		logging.Get(logging.CategorySession).Warn("detach failed: %v", err)
	}
}

// resize recomputes component dimensions and rebuilds the markdown renderer
// for the new wrap width.
func (m *Model) resize() {
	chatWidth := m.width - 4
	if chatWidth < 20 {
		chatWidth = 20
	}
	// Header, input box with border, and footer take fixed rows.
	chatHeight := m.height - 9
	if chatHeight < 3 {
		chatHeight = 3
	}

	m.viewport.Width = chatWidth
	m.viewport.Height = chatHeight
	m.textarea.SetWidth(chatWidth - 2)

	if m.styles.Theme.IsDark {
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(chatWidth-4),
		)
	} else {
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath("light"),
			glamour.WithWordWrap(chatWidth-4),
		)
	}
}

// View renders the chat screen.
func (m Model) View() string {
	if !m.ready {
		return "Starting lookout..."
	}

	header := m.renderHeader()
	chatView := m.styles.Content.Render(m.viewport.View())

	inputStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Theme.Accent).
		Padding(0, 1)
	inputArea := inputStyle.Render(m.textarea.View())

	footer := m.styles.Footer.Render("Enter send · Alt+Enter newline · help · clear · exit")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		chatView,
		inputArea,
		footer,
	)
}

func (m Model) renderHeader() string {
	title := m.styles.Header.Render(" lookout ")
	sess := m.styles.Muted.Render(" " + m.courier.Session().ID)

	var status string
	if m.isLoading {
		status = lipgloss.JoinHorizontal(lipgloss.Center,
			m.spinner.View(), " ", m.styles.Badge.Render(m.status))
	} else {
		status = m.styles.Success.Render("ready")
	}

	return lipgloss.JoinHorizontal(lipgloss.Center, title, sess, "  ", status)
}

func (m Model) renderHistory() string {
	var sb strings.Builder
	for _, msg := range m.history {
		switch msg.Role {
		case roleUser:
			sb.WriteString(m.styles.Prompt.Render("You") + "\n")
			sb.WriteString(m.styles.UserInput.Render(msg.Content))
			sb.WriteString("\n\n")
		case roleError:
			sb.WriteString(m.styles.Error.Render("observer error") + "\n")
			sb.WriteString(m.styles.UserInput.Render(msg.Content))
			sb.WriteString("\n\n")
		default:
			sb.WriteString(m.styles.Title.Render("lookout") + "\n")
			sb.WriteString(m.safeRenderMarkdown(msg.Content))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// safeRenderMarkdown renders markdown, falling back to plain text if the
// renderer is unavailable or panics on exotic input.
func (m Model) safeRenderMarkdown(content string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = content
		}
	}()
	if m.renderer != nil && content != "" {
		if rendered, err := m.renderer.Render(content); err == nil {
			return rendered
		}
	}
	return content
}

// describeAskError turns exchange failures into user-facing text.
func describeAskError(err error) string {
	switch {
	case errors.Is(err, types.ErrResponseTimeout):
		return "No response before the timeout. The request was withdrawn; is the observer running? (`lookout observe`)"
	case errors.Is(err, types.ErrRequestInFlight):
		return "A request is already waiting for this session. One question at a time."
	default:
		return err.Error()
	}
}
