package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/kerimsiter/atrochat/internal/store"
	"github.com/kerimsiter/atrochat/internal/tokens"
	"github.com/kerimsiter/atrochat/pkg/chattypes"
)

var (
	userStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	modelStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
	thoughtStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
)

// streamedText records what the streaming callbacks already wrote, so the
// settled message can be reconciled against the terminal output.
var streamedText strings.Builder

func printDelta(text string) {
	fmt.Print(text)
	streamedText.WriteString(text)
}

func printThought(step string) {
	fmt.Fprintln(os.Stderr, thoughtStyle.Render("· "+step))
}

// streamToTerminal builds the send options used by every streaming command.
func streamToTerminal() store.SendOptions {
	return store.SendOptions{OnThought: printThought, OnDelta: printDelta}
}

// flushFinalContent prints whatever the settled message holds beyond what
// already streamed: the whole content when nothing streamed (missing key),
// or the replacement error text when the stream failed mid-way.
func flushFinalContent(final string) {
	printed := streamedText.String()
	switch {
	case printed == final:
		fmt.Println()
	case printed == "":
		fmt.Println(final)
	default:
		fmt.Println()
		fmt.Println(final)
	}
	streamedText.Reset()
}

// printUsage writes the accounting line for a session to stderr.
func printUsage(s chattypes.Session) {
	contextTokens := s.HistoryTokenCount + s.ProjectTokenCount
	pct := float64(contextTokens) / float64(tokens.ContextWindowLimit) * 100
	line := fmt.Sprintf("bağlam ~%d token (%%%.1f) · faturalanan %d token · $%.4f",
		contextTokens, pct, s.BilledTokenCount, s.Cost)
	fmt.Fprintln(os.Stderr, dimStyle.Render(line))
}

// renderSession writes the whole conversation, markdown-rendered when the
// terminal supports it. raw forces plain text output.
func renderSession(w io.Writer, s chattypes.Session, raw bool) error {
	if raw {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	fmt.Fprintln(w, titleStyle.Render(s.Title))
	fmt.Fprintln(w)

	var renderer *glamour.TermRenderer
	if !raw {
		renderer = newMarkdownRenderer()
	}
	for i := range s.Messages {
		m := &s.Messages[i]
		switch m.Role {
		case chattypes.RoleSystem:
			fmt.Fprintln(w, systemStyle.Render("• "+m.Content))
		case chattypes.RoleUser:
			fmt.Fprintf(w, "%s %s\n", userStyle.Render("Siz"), dimStyle.Render("["+shortID(m.ID)+"]"))
			fmt.Fprintln(w, m.Content)
			for _, att := range m.Attachments {
				fmt.Fprintln(w, dimStyle.Render("  ek: "+att.Name))
			}
		case chattypes.RoleModel:
			fmt.Fprintln(w, modelStyle.Render("Gemini"))
			for _, step := range m.ThinkingSteps {
				fmt.Fprintln(w, thoughtStyle.Render("· "+step))
			}
			fmt.Fprint(w, renderMarkdown(renderer, m.Content))
			if m.Grounding != nil {
				renderGrounding(w, m.Grounding)
			}
		}
		fmt.Fprintln(w)
	}

	printUsage(s)
	return nil
}

// newMarkdownRenderer returns nil on dumb terminals; renderMarkdown then
// passes text through unchanged.
func newMarkdownRenderer() *glamour.TermRenderer {
	if termenv.EnvColorProfile() == termenv.Ascii {
		return nil
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return nil
	}
	return renderer
}

func renderMarkdown(renderer *glamour.TermRenderer, text string) string {
	if renderer == nil {
		return text + "\n"
	}
	out, err := renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func renderGrounding(w io.Writer, g *chattypes.GroundingMetadata) {
	if len(g.GroundingChunks) == 0 {
		return
	}
	fmt.Fprintln(w, dimStyle.Render("Kaynaklar:"))
	for _, chunk := range g.GroundingChunks {
		if chunk.Web != nil {
			fmt.Fprintln(w, dimStyle.Render("  - "+chunk.Web.Title+" <"+chunk.Web.URI+">"))
		}
	}
}
