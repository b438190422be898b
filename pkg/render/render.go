package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/beckchat/beck/pkg/events"
	"github.com/beckchat/beck/pkg/state"
)

// Styles holds the lipgloss styles for every part of a rendered message.
type Styles struct {
	Text     lipgloss.Style
	Thinking lipgloss.Style
	Plan     lipgloss.Style
	ToolCall lipgloss.Style
	Aside    lipgloss.Style

	TaskActive lipgloss.Style
	TaskDone   lipgloss.Style
	TaskFailed lipgloss.Style

	Footer lipgloss.Style
	Error  lipgloss.Style
}

// DefaultStyles returns the default terminal styling.
func DefaultStyles() Styles {
	return Styles{
		Text: lipgloss.NewStyle(),

		Thinking: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true),

		Plan: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#61afaf")),

		ToolCall: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#f5b761")),

		Aside: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5c5044")),

		TaskActive: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#eb8755")),

		TaskDone: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#93b56b")),

		TaskFailed: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d95f5f")),

		Footer: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#83715f")),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d95f5f")).
			Bold(true),
	}
}

// Renderer turns message snapshots into terminal text. It holds no state
// beyond styling: the same snapshot always renders the same way.
type Renderer struct {
	styles Styles
	width  int
}

// NewRenderer creates a renderer wrapping content at width. Width zero
// or less disables wrapping.
func NewRenderer(width int) *Renderer {
	return &Renderer{styles: DefaultStyles(), width: width}
}

// WithStyles replaces the default styles.
func (r *Renderer) WithStyles(s Styles) *Renderer {
	r.styles = s
	return r
}

// Render lays out a snapshot: content blocks in order, active tasks with
// progress, then a status footer.
func (r *Renderer) Render(s *state.MessageState) string {
	if s == nil {
		return ""
	}

	var sections []string
	for _, b := range s.OrderedBlocks() {
		if part := r.renderBlock(b); part != "" {
			sections = append(sections, part)
		}
	}
	for _, t := range s.CompletedTasks {
		sections = append(sections, r.renderTask(t))
	}
	for _, t := range s.ActiveTaskList() {
		sections = append(sections, r.renderTask(t))
	}
	if s.Error != "" {
		sections = append(sections, r.styles.Error.Render("error: "+s.Error))
	}
	sections = append(sections, r.footer(s))

	out := strings.Join(sections, "\n")
	if r.width > 0 {
		out = lipgloss.NewStyle().Width(r.width).Render(out)
	}
	return out
}

func (r *Renderer) renderBlock(b state.ContentBlock) string {
	if b.Placeholder && b.Text == "" {
		return r.styles.Aside.Render("…")
	}

	switch b.Kind {
	case events.BlockThinking:
		return r.styles.Thinking.Render(b.Text)
	case events.BlockPlan:
		return r.styles.Plan.Render(b.Text)
	case events.BlockToolCall, events.BlockToolOutput:
		return r.styles.ToolCall.Render(b.Text)
	case events.BlockExecutionStatus, events.BlockEvaluationResult:
		return r.styles.Aside.Render(b.Text)
	case events.BlockImage, events.BlockAudio, events.BlockVideo, events.BlockFile:
		label := fmt.Sprintf("[%s]", b.Kind)
		if b.Text != "" {
			label = fmt.Sprintf("[%s: %s]", b.Kind, b.Text)
		}
		return r.styles.Aside.Render(label)
	default:
		return r.styles.Text.Render(b.Text)
	}
}

func (r *Renderer) renderTask(t state.Task) string {
	label := t.DisplayText
	if label == "" {
		label = t.ToolName
	}
	if label == "" {
		label = t.ID
	}

	line := fmt.Sprintf("%s %s", statusGlyph(t.Status), label)
	if t.Progress > 0 && !t.Status.Terminal() {
		line += fmt.Sprintf(" %d%%", int(t.Progress*100))
	}

	switch t.Status {
	case state.TaskCompleted:
		return r.styles.TaskDone.Render(line)
	case state.TaskFailed:
		if t.Error != "" {
			line += ": " + t.Error
		}
		return r.styles.TaskFailed.Render(line)
	default:
		return r.styles.TaskActive.Render(line)
	}
}

func (r *Renderer) footer(s *state.MessageState) string {
	var parts []string
	switch {
	case s.IsComplete:
		parts = append(parts, "done")
	case s.Streaming:
		parts = append(parts, "streaming")
	default:
		parts = append(parts, "idle")
	}
	if s.Connected {
		parts = append(parts, "connected")
	} else {
		parts = append(parts, "disconnected")
	}
	if n := len(s.ActiveTasks); n > 0 {
		parts = append(parts, fmt.Sprintf("%d task(s)", n))
	}
	return r.styles.Footer.Render(strings.Join(parts, " · "))
}

func statusGlyph(status state.TaskStatus) string {
	switch status {
	case state.TaskPending:
		return "◌"
	case state.TaskProcessing:
		return "◍"
	case state.TaskCompleted:
		return "✓"
	case state.TaskFailed:
		return "✗"
	case state.TaskCancelled:
		return "⊘"
	}
	return "•"
}
