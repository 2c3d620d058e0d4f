// Package render formats conversation transcripts for the terminal.
package render

import (
	"fmt"
	"sort"
	"strings"

	"convsync/internal/data/embedded"
	"convsync/internal/logger"
	"convsync/internal/syncengine"
	"convsync/pkg/convtypes"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"gopkg.in/yaml.v3"
)

// DefaultWidth is the word wrap width for markdown output.
const DefaultWidth = 80

// StyleConfig is the YAML form of a single style.
type StyleConfig struct {
	Foreground any   `yaml:"foreground,omitempty"`
	Background any   `yaml:"background,omitempty"`
	Bold       *bool `yaml:"bold,omitempty"`
	Italic     *bool `yaml:"italic,omitempty"`
}

type themeFile struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Markdown    string                 `yaml:"markdown"`
	Styles      map[string]StyleConfig `yaml:"styles"`
}

// Theme holds the styles used for each transcript element.
type Theme struct {
	Name string

	// Markdown is the glamour style for assistant text: "auto", a standard
	// style name, or "none" to print text verbatim.
	Markdown string

	User      lipgloss.Style
	Assistant lipgloss.Style
	Developer lipgloss.Style
	Tool      lipgloss.Style
	Error     lipgloss.Style
	Status    lipgloss.Style
	Muted     lipgloss.Style
}

// Themes returns the names of the embedded themes.
func Themes() []string {
	names := make([]string, 0, len(embedded.ThemeData()))
	for name := range embedded.ThemeData() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectTheme picks "plain" when colors are disabled through NO_COLOR or
// CLICOLOR, or when the terminal cannot render them, and "default" otherwise.
func DetectTheme() string {
	if termenv.EnvNoColor() || termenv.EnvColorProfile() == termenv.Ascii {
		return "plain"
	}
	return "default"
}

// LoadTheme parses an embedded theme by name.
func LoadTheme(name string) (*Theme, error) {
	data, ok := embedded.ThemeData()[name]
	if !ok {
		return nil, fmt.Errorf("unknown theme %q", name)
	}
	return parseTheme(data)
}

func parseTheme(data []byte) (*Theme, error) {
	var file themeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse theme file: %w", err)
	}
	if file.Markdown == "" {
		file.Markdown = "auto"
	}
	return &Theme{
		Name:      file.Name,
		Markdown:  file.Markdown,
		User:      createStyle(file.Styles["user"]),
		Assistant: createStyle(file.Styles["assistant"]),
		Developer: createStyle(file.Styles["developer"]),
		Tool:      createStyle(file.Styles["tool"]),
		Error:     createStyle(file.Styles["error"]),
		Status:    createStyle(file.Styles["status"]),
		Muted:     createStyle(file.Styles["muted"]),
	}, nil
}

func createStyle(cfg StyleConfig) lipgloss.Style {
	style := lipgloss.NewStyle()
	if c := parseColor(cfg.Foreground); c != nil {
		style = style.Foreground(c)
	}
	if c := parseColor(cfg.Background); c != nil {
		style = style.Background(c)
	}
	if cfg.Bold != nil && *cfg.Bold {
		style = style.Bold(true)
	}
	if cfg.Italic != nil && *cfg.Italic {
		style = style.Italic(true)
	}
	return style
}

// parseColor accepts a color string or a {light, dark} adaptive pair.
func parseColor(value any) lipgloss.TerminalColor {
	switch v := value.(type) {
	case string:
		return lipgloss.Color(v)
	case map[string]any:
		light, hasLight := v["light"].(string)
		dark, hasDark := v["dark"].(string)
		if hasLight && hasDark {
			return lipgloss.AdaptiveColor{Light: light, Dark: dark}
		}
	}
	return nil
}

// Options configures a Renderer.
type Options struct {
	Theme string
	Width int
}

// Renderer formats messages and engine state.
type Renderer struct {
	theme    *Theme
	markdown *glamour.TermRenderer
}

// New creates a Renderer. An unknown theme is an error.
func New(opts Options) (*Renderer, error) {
	if opts.Theme == "" {
		opts.Theme = "default"
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	theme, err := LoadTheme(opts.Theme)
	if err != nil {
		return nil, err
	}

	r := &Renderer{theme: theme}
	if theme.Markdown == "none" {
		return r, nil
	}

	style := glamour.WithAutoStyle()
	if theme.Markdown != "auto" {
		style = glamour.WithStylePath(theme.Markdown)
	}
	r.markdown, err = glamour.NewTermRenderer(style, glamour.WithWordWrap(opts.Width))
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return r, nil
}

// Theme returns the active theme.
func (r *Renderer) Theme() *Theme {
	return r.theme
}

// Message renders a single transcript entry.
func (r *Renderer) Message(m convtypes.Message) string {
	var b strings.Builder

	switch m.Role {
	case convtypes.RoleUser:
		label := "you"
		if convtypes.IsTempID(m.ID) {
			label += r.theme.Muted.Render(" (sending)")
		}
		b.WriteString(r.theme.User.Render(label))
		b.WriteString("\n")
		b.WriteString(m.Text())
		b.WriteString("\n")
	case convtypes.RoleAssistant:
		b.WriteString(r.theme.Assistant.Render("assistant"))
		b.WriteString("\n")
		if text := strings.TrimSpace(m.Text()); text != "" {
			b.WriteString(r.markdownText(text))
		}
		for _, call := range m.ToolCalls {
			fmt.Fprintf(&b, "%s %s(%s)\n", r.theme.Tool.Render("->"), call.Name(), call.Function.Arguments)
		}
	case convtypes.RoleTool:
		b.WriteString(r.theme.Tool.Render("tool " + m.ToolCallID))
		b.WriteString("\n")
		body := m.Text()
		if body == "" && len(m.Content.Data) > 0 {
			body = string(m.Content.Data)
		}
		b.WriteString(r.theme.Muted.Render(truncate(body, 400)))
		b.WriteString("\n")
	default:
		b.WriteString(r.theme.Developer.Render(string(m.Role)))
		b.WriteString("\n")
		b.WriteString(r.theme.Developer.Render(m.Text()))
		b.WriteString("\n")
	}

	for _, f := range m.Content.Files {
		fmt.Fprintf(&b, "%s\n", r.theme.Muted.Render(fmt.Sprintf("[file] %s (%s, %d bytes)", f.Name, f.MimeType, f.Size)))
	}
	if m.Summary != "" {
		b.WriteString(r.theme.Muted.Render("summary: " + m.Summary))
		b.WriteString("\n")
	}
	return b.String()
}

// Transcript renders messages separated by blank lines.
func (r *Renderer) Transcript(messages []convtypes.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, r.Message(m))
	}
	return strings.Join(parts, "\n")
}

// Status renders a one-line summary of the engine state.
func (r *Renderer) Status(s syncengine.State) string {
	parts := []string{"status: " + string(s.Status)}
	if s.ConversationID != "" {
		parts = append(parts, "conversation: "+s.ConversationID)
	}
	if s.Loading {
		parts = append(parts, "waiting for reply")
	}
	if s.HandedOff {
		parts = append(parts, "handed off to "+firstNonEmpty(s.SubthreadID, "subagent"))
	}
	line := r.theme.Status.Render(strings.Join(parts, " | "))
	if s.Error != nil {
		line += "\n" + r.Error(s.Error)
	}
	return line
}

// Error renders an error line.
func (r *Renderer) Error(err error) string {
	return r.theme.Error.Render("error: " + err.Error())
}

func (r *Renderer) markdownText(text string) string {
	if r.markdown == nil {
		return text + "\n"
	}
	out, err := r.markdown.Render(text)
	if err != nil {
		logger.Debug("Markdown rendering failed, printing raw text", "error", err)
		return text + "\n"
	}
	return out
}

// truncate shortens s to n display cells including the ellipsis.
func truncate(s string, n int) string {
	return ansi.Truncate(s, n, "...")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
