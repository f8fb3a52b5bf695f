package surface

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, func() (int, int) { return 132, 43 })
	n, err := w.Write([]byte("\x1b[1mbold"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "\x1b[1mbold", buf.String())

	cols, rows := w.Size()
	assert.Equal(t, 132, cols)
	assert.Equal(t, 43, rows)
}

func TestWriterSizeFallback(t *testing.T) {
	cols, rows := NewWriter(&bytes.Buffer{}, nil).Size()
	assert.Equal(t, DefaultCols, cols)
	assert.Equal(t, DefaultRows, rows)

	cols, rows = NewWriter(&bytes.Buffer{}, func() (int, int) { return 0, 0 }).Size()
	assert.Equal(t, DefaultCols, cols)
	assert.Equal(t, DefaultRows, rows)
}

func TestScreenText(t *testing.T) {
	s := NewScreen(40, 5)
	s.Write([]byte("hello\r\nworld"))

	assert.Equal(t, "hello\nworld", s.Text())
	lines := s.Lines()
	require.Len(t, lines, 5)
	assert.Equal(t, "world", lines[1])

	x, y := s.Cursor()
	assert.Equal(t, 5, x)
	assert.Equal(t, 1, y)
}

func TestScreenInterpretsEscapes(t *testing.T) {
	s := NewScreen(40, 5)
	s.Write([]byte("old text\x1b[2J\x1b[H\x1b[31mnew\x1b[0m"))
	assert.Equal(t, "new", s.Text())
}

func TestScreenJoinsSplitRunes(t *testing.T) {
	s := NewScreen(40, 5)
	n, err := s.Write([]byte("caf\xc3"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "caf", s.Text())

	s.Write([]byte("\xa9!"))
	assert.Equal(t, "café!", s.Text())
	x, _ := s.Cursor()
	assert.Equal(t, 5, x)
}

func TestIncompleteTail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"ascii", "abc", 3},
		{"complete two byte", "caf\xc3\xa9", 5},
		{"partial two byte", "caf\xc3", 3},
		{"partial three byte", "a\xe2\x82", 1},
		{"complete four byte", "\xf0\x9f\x98\x80", 4},
		{"partial four byte", "x\xf0\x9f\x98", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, incompleteTail([]byte(tt.in)))
		})
	}
}

func TestScreenResize(t *testing.T) {
	s := NewScreen(40, 5)
	s.Write([]byte("keep me"))
	s.Resize(60, 10)

	cols, rows := s.Size()
	assert.Equal(t, 60, cols)
	assert.Equal(t, 10, rows)
	assert.Len(t, s.Lines(), 10)
	assert.Equal(t, "keep me", s.Text())

	s.Resize(0, 10)
	cols, _ = s.Size()
	assert.Equal(t, 60, cols)
}

func TestMirrorForwardsOnlyWhenActive(t *testing.T) {
	var console bytes.Buffer
	m := NewMirror(NewScreen(20, 3), &console)

	m.Write([]byte("hidden"))
	assert.Empty(t, console.String())
	assert.False(t, m.Active())
	assert.Equal(t, "hidden", m.Screen().Text())

	require.NoError(t, m.Activate())
	assert.True(t, m.Active())
	assert.Contains(t, console.String(), "hidden")

	console.Reset()
	m.Write([]byte(" shown"))
	assert.Equal(t, " shown", console.String())

	m.Deactivate()
	console.Reset()
	m.Write([]byte("!"))
	assert.Empty(t, console.String())
	assert.Equal(t, "hidden shown!", m.Screen().Text())
}

func TestRedraw(t *testing.T) {
	s := NewScreen(20, 3)
	s.Write([]byte("one\r\ntwo"))
	assert.Equal(t, "\x1b[H\x1b[2Jone\r\ntwo\r\n\x1b[2;4H", Redraw(s))
}
