// Package ui renders styled terminal output for the CLI.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#8B87FF"}
	colorPass   = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}

	accentStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(colorPass).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Init picks the color profile for w. Colors are dropped when w is not a
// terminal or NO_COLOR is set.
func Init(w io.Writer) {
	out := termenv.NewOutput(w)
	lipgloss.SetColorProfile(out.EnvColorProfile())
	lipgloss.SetHasDarkBackground(out.HasDarkBackground())
}

// IsInteractive reports whether stdin is a terminal a prompt can read from.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
