package frontend

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive palette. NO_COLOR is honored by lipgloss's profile detection.
var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
)

var (
	styleLog      = lipgloss.NewStyle().Foreground(colorMuted)
	styleState    = lipgloss.NewStyle().Foreground(colorInfo).Bold(true)
	styleResponse = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1)
	stylePrompt   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleError    = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleWarning  = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	styleComplete = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
)

// symbolSet holds the glyphs used in CLI output.
type symbolSet struct {
	Success string
	Error   string
	Warning string
	Info    string
	ArrowR  string
	Prompt  string
}

var unicodeSymbols = symbolSet{
	Success: "✓",
	Error:   "✗",
	Warning: "⚠",
	Info:    "●",
	ArrowR:  "→",
	Prompt:  "›",
}

var asciiSymbols = symbolSet{
	Success: "[OK]",
	Error:   "[ERR]",
	Warning: "[!]",
	Info:    "[i]",
	ArrowR:  "->",
	Prompt:  ">",
}

// detectSymbols picks Unicode glyphs unless LLMFLOW_ASCII_SYMBOLS is set or
// the locale is explicitly non-UTF-8.
func detectSymbols() symbolSet {
	if v := os.Getenv("LLMFLOW_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return asciiSymbols
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return unicodeSymbols
		}
		if val == "c" || val == "posix" {
			return asciiSymbols
		}
	}
	return unicodeSymbols
}
