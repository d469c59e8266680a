package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the conductor banner and version to w.
func PrintBanner(w io.Writer, version string) {
	p := termenv.ColorProfile()
	lines := []struct{ text, color string }{
		{"   ___                _         _", "#818cf8"},
		{"  / __|___ _ _  __| |_  _ __| |_ ___ _ _", "#a78bfa"},
		{" | (__/ _ \\ ' \\/ _` | || / _|  _/ _ \\ '_|", "#c084fc"},
		{"  \\___\\___/_||_\\__,_|\\_,_\\__|\\__\\___/_|", "#e879f9"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w, termenv.String("  v"+version).Faint())
	fmt.Fprintln(w)
}
