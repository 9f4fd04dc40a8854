// Package console is the terminal sink the live view renders into.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Writer is the sink consumed by the task renderer.
type Writer interface {
	// WriteEsc writes control text that the terminal does not render.
	WriteEsc(s string)
	// Write writes visible text.
	Write(s string)
}

// Color names a terminal foreground color. The empty Color means default.
type Color string

const (
	Default      Color = ""
	Gray         Color = "gray"
	Red          Color = "red"
	RedBright    Color = "redBright"
	Green        Color = "green"
	GreenBright  Color = "greenBright"
	Yellow       Color = "yellow"
	YellowBright Color = "yellowBright"
	Blue         Color = "blue"
	BlueBright   Color = "blueBright"
	Magenta      Color = "magenta"
	Cyan         Color = "cyan"
	WhiteBright  Color = "whiteBright"
)

var fgCodes = map[Color]string{
	Gray:         "\x1b[90m",
	Red:          "\x1b[31m",
	RedBright:    "\x1b[91m",
	Green:        "\x1b[32m",
	GreenBright:  "\x1b[92m",
	Yellow:       "\x1b[33m",
	YellowBright: "\x1b[93m",
	Blue:         "\x1b[34m",
	BlueBright:   "\x1b[94m",
	Magenta:      "\x1b[35m",
	Cyan:         "\x1b[36m",
	WhiteBright:  "\x1b[97m",
}

const closeFg = "\x1b[39m"

// Open returns the escape sequence that starts c, or "" for Default.
func (c Color) Open() string {
	return fgCodes[c]
}

// Close returns the escape sequence that ends c, or "" for Default.
func (c Color) Close() string {
	if fgCodes[c] == "" {
		return ""
	}
	return closeFg
}

// WriteColored writes text wrapped in c's escape sequences.
func WriteColored(w Writer, c Color, text string) {
	if open := c.Open(); open != "" {
		w.WriteEsc(open)
		w.Write(text)
		w.WriteEsc(c.Close())
		return
	}
	w.Write(text)
}

// CursorUp returns the control text that moves the cursor to the start of
// the line n lines above.
func CursorUp(n int) string {
	if n <= 0 {
		return "\r"
	}
	return fmt.Sprintf("\x1b[%dA\r", n)
}

// ClearDown is the control text that clears from the cursor to the end of
// the screen.
const ClearDown = "\x1b[J"

// Terminal writes to an io.Writer. When the destination is not a terminal
// control text is dropped, so redirected output stays plain.
type Terminal struct {
	mu   sync.Mutex
	w    *bufio.Writer
	ansi bool
}

// NewTerminal wraps w. ansi controls whether escape sequences are emitted.
func NewTerminal(w io.Writer, ansi bool) *Terminal {
	return &Terminal{w: bufio.NewWriter(w), ansi: ansi}
}

// Stdout returns a Terminal for os.Stdout with escape sequences enabled
// only when stdout is a terminal.
func Stdout() *Terminal {
	return NewTerminal(os.Stdout, IsTerminal(os.Stdout))
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ANSI reports whether the terminal emits escape sequences.
func (t *Terminal) ANSI() bool {
	return t.ansi
}

func (t *Terminal) WriteEsc(s string) {
	if !t.ansi {
		return
	}
	t.mu.Lock()
	t.w.WriteString(s)
	t.mu.Unlock()
}

func (t *Terminal) Write(s string) {
	t.mu.Lock()
	t.w.WriteString(s)
	t.mu.Unlock()
}

// Flush writes any buffered output.
func (t *Terminal) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Flush()
}
