package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// ConfigureColor sets the lipgloss color profile. In auto mode colors are
// used only when f is a terminal and neither NO_COLOR nor TERM=dumb is set.
func ConfigureColor(mode string, f *os.File) error {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ColorAuto:
		if colorTerminal(f) {
			lipgloss.SetColorProfile(termenv.NewOutput(f).EnvColorProfile())
		} else {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	case ColorAlways:
		lipgloss.SetColorProfile(termenv.ANSI256)
	case ColorNever:
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		return fmt.Errorf("invalid color mode %q (want auto, always or never)", mode)
	}
	return nil
}

func colorTerminal(f *os.File) bool {
	if f == nil || !term.IsTerminal(int(f.Fd())) {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(os.Getenv("TERM")), "dumb")
}
