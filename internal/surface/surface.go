// surface.go - Terminal surfaces a session renders into
// Writer passes bytes straight to the console. Screen interprets them with
// the gopyte emulator so the result can be inspected or redrawn; Mirror
// keeps a Screen for a tab and forwards to the console while it is focused.
package surface

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/scottpeterman/gopyte/gopyte"
)

// Default dimensions when the console size is unknown
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Writer renders to an io.Writer; size reports the current dimensions
type Writer struct {
	mu   sync.Mutex
	w    io.Writer
	size func() (int, int)
}

// NewWriter returns a surface writing to w. A nil size func reports 80x24.
func NewWriter(w io.Writer, size func() (int, int)) *Writer {
	return &Writer{w: w, size: size}
}

func (s *Writer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Size returns the dimensions, falling back to 80x24
func (s *Writer) Size() (int, int) {
	if s.size == nil {
		return DefaultCols, DefaultRows
	}
	cols, rows := s.size()
	if cols <= 0 || rows <= 0 {
		return DefaultCols, DefaultRows
	}
	return cols, rows
}

// Screen is a headless terminal screen. Safe for concurrent use.
type Screen struct {
	mu         sync.Mutex
	cols, rows int
	screen     *gopyte.NativeScreen
	stream     *gopyte.Stream
	// partial holds an incomplete UTF-8 sequence until the rest arrives
	partial []byte
}

// NewScreen returns a blank cols x rows screen
func NewScreen(cols, rows int) *Screen {
	if cols <= 0 || rows <= 0 {
		cols, rows = DefaultCols, DefaultRows
	}
	screen := gopyte.NewNativeScreen(cols, rows)
	return &Screen{
		cols:   cols,
		rows:   rows,
		screen: screen,
		stream: gopyte.NewStream(screen, false),
	}
}

// Write feeds p to the emulator
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := p
	if len(s.partial) > 0 {
		data = append(s.partial, p...)
		s.partial = nil
	}
	cut := incompleteTail(data)
	if cut < len(data) {
		s.partial = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	if len(data) > 0 {
		s.stream.Feed(string(data))
	}
	return len(p), nil
}

// incompleteTail returns where a trailing partial UTF-8 sequence starts,
// or len(p) if there is none
func incompleteTail(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}

// Size returns the screen dimensions
func (s *Screen) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Resize changes the screen dimensions, keeping what fits
func (s *Screen) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols == s.cols && rows == s.rows {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Surface: error resizing screen: %v", r)
			}
		}()
		s.screen.Resize(cols, rows)
	}()
	s.cols, s.rows = cols, rows
}

// Lines returns every screen row with trailing blanks removed
func (s *Screen) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen.GetDisplay()
}

// Cursor returns the zero-based cursor column and row
func (s *Screen) Cursor() (x, y int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen.GetCursor()
}

// Text is the screen contents without trailing empty rows
func (s *Screen) Text() string {
	lines := s.Lines()
	n := len(lines)
	for n > 0 && lines[n-1] == "" {
		n--
	}
	return strings.Join(lines[:n], "\n")
}

// Mirror is a tab's surface: everything goes into its Screen, and to the
// console as well while the tab is active
type Mirror struct {
	screen *Screen

	mu     sync.Mutex
	out    io.Writer
	active bool
}

// NewMirror returns an inactive mirror of screen onto out
func NewMirror(screen *Screen, out io.Writer) *Mirror {
	return &Mirror{screen: screen, out: out}
}

// Screen is the backing screen
func (m *Mirror) Screen() *Screen { return m.screen }

func (m *Mirror) Write(p []byte) (int, error) {
	m.screen.Write(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active && m.out != nil {
		if _, err := m.out.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Size is the backing screen's size
func (m *Mirror) Size() (int, int) { return m.screen.Size() }

// Resize resizes the backing screen
func (m *Mirror) Resize(cols, rows int) { m.screen.Resize(cols, rows) }

// Active reports whether output reaches the console
func (m *Mirror) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Activate starts forwarding and repaints the console from the screen
func (m *Mirror) Activate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
	if m.out == nil {
		return nil
	}
	_, err := io.WriteString(m.out, Redraw(m.screen))
	return err
}

// Deactivate stops forwarding
func (m *Mirror) Deactivate() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
}

// Redraw returns the escape sequence that clears a console and paints
// screen's text onto it with the cursor in place
func Redraw(screen *Screen) string {
	lines := screen.Lines()
	x, y := screen.Cursor()

	var b strings.Builder
	b.WriteString("\x1b[H\x1b[2J")
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(line)
	}
	fmt.Fprintf(&b, "\x1b[%d;%dH", y+1, x+1)
	return b.String()
}
