// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - terminal detection for prompt input and coloured output.
//
// NO_COLOR (https://no-color.org/) turns colour off, FORCE_COLOR turns it on
// for piped output. Otherwise colour follows whether stdout is a terminal.
package cli

import (
	"io"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// separatorWidth is the widest rule drawn between output sections.
const separatorWidth = 70

// terminalFile returns the file descriptor behind v when it is a terminal.
func terminalFile(v any) (int, bool) {
	f, ok := v.(*os.File)
	if !ok || f == nil {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// interactiveInput reports whether r is a terminal someone is typing into,
// in which case a prompt must come from arguments instead.
func interactiveInput(r io.Reader) bool {
	_, ok := terminalFile(r)
	return ok
}

// ruleWidth sizes a separator for w: the terminal width capped at
// separatorWidth, or separatorWidth for anything that is not a terminal.
func ruleWidth(w io.Writer) int {
	fd, ok := terminalFile(w)
	if !ok {
		return separatorWidth
	}
	width, _, err := term.GetSize(fd)
	if err != nil || width <= 0 || width > separatorWidth {
		return separatorWidth
	}
	return width
}

var colorsOnce = sync.OnceValue(func() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	_, ok := terminalFile(os.Stdout)
	return ok
})

// ColorsEnabled reports whether output should be coloured.
func ColorsEnabled() bool {
	return colorsOnce()
}

// colorProfile is Ascii when colours are off, otherwise what termenv detects.
func colorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}
