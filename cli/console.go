// console.go - Raw-mode console driving the focused tab
// Keystrokes go to the focused tab except after the prefix key (Ctrl-]),
// which selects a tab command. Backend prompts take over the input line
// until answered.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"tabterm/internal/app"
	"tabterm/internal/profile"
	"tabterm/internal/session"
	"tabterm/internal/surface"
	"tabterm/internal/tabs"
)

// prefixKey is Ctrl-]
const prefixKey = 0x1d

var prefixHelp = []struct{ key, text string }{
	{"n", "next tab"},
	{"p", "previous tab"},
	{"c", "new interactive shell"},
	{"o", "open a saved host by id"},
	{"s", "quick SSH connect"},
	{"t", "quick Telnet connect"},
	{"v", "quick VNC connect"},
	{"a", "connect and save a new SSH host"},
	{"r", "reconnect this tab"},
	{"x", "close this tab"},
	{"q", "quit"},
	{"]", "send Ctrl-]"},
}

// lineInput is a line being typed in answer to a prompt
type lineInput struct {
	prompt string
	echo   bool
	buf    []byte
	done   func(value string, ok bool)
}

type console struct {
	app *app.App
	out io.Writer

	cols, rows int
	// fixed is set by --dim; the console then ignores size changes
	fixed bool

	prefix bool
	line   *lineInput
	queue  []*lineInput

	cancel context.CancelFunc
}

func newConsole(out io.Writer, cols, rows int, fixed bool) *console {
	if cols <= 0 || rows <= 0 {
		cols, rows = surface.DefaultCols, surface.DefaultRows
	}
	return &console{out: out, cols: cols, rows: rows, fixed: fixed}
}

func (c *console) newSurface() tabs.Surface {
	return surface.NewMirror(surface.NewScreen(c.cols, c.rows), c.out)
}

// attach installs the console's handlers on a
func (c *console) attach(a *app.App) {
	c.app = a
	a.SetPromptHandler(c.prompt)
	a.SetFingerprintHandler(c.confirmHostKey)
	a.SetSavedHandler(func(t *tabs.Tab, h *profile.Host) {
		c.notice(fmt.Sprintf("saved %s as host %d", h.Label(), h.ID))
	})
	a.Tabs.SetClosedHandler(c.tabClosed)
	a.Tabs.SetEmptyHandler(c.quit)
}

// run puts the console in raw mode and processes the main loop until the
// last tab closes or the user quits
func (c *console) run(ctx context.Context, fd int) error {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to set terminal to raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel

	loop := c.app.Loop
	go c.readInput(os.Stdin)
	if !c.fixed {
		stop := watchResize(int(os.Stdout.Fd()), func(cols, rows int) {
			loop.Post(func() { c.resize(cols, rows) })
		})
		defer stop()
	}

	c.title()
	err = loop.Run(ctx)
	io.WriteString(c.out, "\x1b]2;\x07\r\n")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readInput forwards console input to the main loop
func (c *console) readInput(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p := append([]byte(nil), buf[:n]...)
			if !c.app.Loop.Post(func() { c.input(p) }) {
				return
			}
		}
		if err != nil {
			log.Printf("App: console input ended: %v", err)
			c.app.Loop.Post(c.quit)
			return
		}
	}
}

func (c *console) quit() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *console) input(p []byte) {
	for len(p) > 0 {
		switch {
		case c.line != nil:
			p = c.feedLine(p)
		case c.prefix:
			c.prefix = false
			c.command(p[0])
			p = p[1:]
		default:
			i := bytes.IndexByte(p, prefixKey)
			if i < 0 {
				c.app.Tabs.Write(p)
				return
			}
			if i > 0 {
				c.app.Tabs.Write(p[:i])
			}
			c.prefix = true
			p = p[i+1:]
		}
	}
}

func (c *console) command(key byte) {
	tm := c.app.Tabs
	switch key {
	case 'n':
		tm.Next()
	case 'p':
		tm.Prev()
	case 'c':
		c.report(c.app.StartShell())
	case 'o':
		c.ask("Host id: ", true, func(v string) {
			id, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				c.notice("not a host id: " + v)
				return
			}
			c.report(c.app.ConnectHost(id))
		})
	case 's':
		c.quickConnect(profile.SSH)
	case 't':
		c.quickConnect(profile.Telnet)
	case 'v':
		c.quickConnect(profile.VNC)
	case 'a':
		c.ask("Save and connect [user@]host[:port]: ", true, func(v string) {
			h, err := session.ParseTarget(profile.SSH, strings.TrimSpace(v))
			if err != nil {
				c.notice(err.Error())
				return
			}
			c.report(c.app.NewHostConnect(h))
		})
	case 'r':
		if t := tm.Focused(); t != nil {
			if err := tm.Reconnect(t.ID); err != nil {
				c.notice(err.Error())
			}
		}
	case 'x':
		if err := tm.CloseFocused(); err != nil && !errors.Is(err, tabs.ErrNoTab) {
			c.notice(err.Error())
		}
	case 'q':
		c.quit()
		return
	case prefixKey, ']':
		tm.Write([]byte{prefixKey})
	case '?', 'h':
		c.help()
	default:
		return
	}
	c.title()
}

func (c *console) quickConnect(proto profile.Protocol) {
	c.ask(proto.String()+" [user@]host[:port]: ", true, func(v string) {
		c.report(c.app.QuickConnect(proto, strings.TrimSpace(v), ""))
	})
}

func (c *console) report(_ *tabs.Tab, err error) {
	if err != nil {
		c.notice(err.Error())
	}
	c.title()
}

// help lists the prefix commands and the open tabs
func (c *console) help() {
	var b strings.Builder
	b.WriteString("\r\nCtrl-] then:\r\n")
	for _, h := range prefixHelp {
		fmt.Fprintf(&b, "  %s  %s\r\n", h.key, h.text)
	}
	b.WriteString("Tabs:\r\n")
	focused := c.app.Tabs.Focused()
	for i, t := range c.app.Tabs.Tabs() {
		mark := " "
		if t == focused {
			mark = "*"
		}
		label := runewidth.Truncate(t.Label(), 40, "...")
		fmt.Fprintf(&b, " %s%2d  %s  %s\r\n", mark, i+1, runewidth.FillRight(label, 40), t.Controller.State())
	}
	io.WriteString(c.out, b.String())
}

// notice prints a one-line message on the console
func (c *console) notice(msg string) {
	fmt.Fprintf(c.out, "\r\n[tabterm] %s\r\n", msg)
}

// title shows the focused tab in the terminal title
func (c *console) title() {
	t := c.app.Tabs.Focused()
	if t == nil {
		return
	}
	n := c.app.Tabs.Len()
	idx := 0
	for i, o := range c.app.Tabs.Tabs() {
		if o == t {
			idx = i + 1
		}
	}
	fmt.Fprintf(c.out, "\x1b]2;tabterm [%d/%d] %s\x07", idx, n, t.Label())
}

func (c *console) resize(cols, rows int) {
	if cols <= 0 || rows <= 0 || (cols == c.cols && rows == c.rows) {
		return
	}
	c.cols, c.rows = cols, rows
	c.app.Tabs.Resize(cols, rows)
	c.redraw()
}

func (c *console) redraw() {
	if t := c.app.Tabs.Focused(); t != nil {
		if err := t.Surface.Activate(); err != nil {
			log.Printf("App: redraw failed: %v", err)
		}
	}
}

func (c *console) tabClosed(t *tabs.Tab, ev session.ClosedEvent) {
	if ev.Decision != session.Offer {
		return
	}
	msg := "\r\n[tabterm] Ctrl-] r reconnects, Ctrl-] x closes the tab\r\n"
	if _, err := t.Surface.Write([]byte(msg)); err != nil {
		log.Printf("App: %v", err)
	}
}

// prompt answers a backend prompt from the console
func (c *console) prompt(t *tabs.Tab, req *session.PromptRequest) {
	c.focus(t)
	c.start(&lineInput{
		prompt: fmt.Sprintf("[%s] %s", t.Label(), req.Prompt),
		echo:   req.Echo,
		done: func(v string, ok bool) {
			if ok {
				req.Answer(v)
			} else {
				req.Cancel()
			}
		},
	})
}

// confirmHostKey asks whether a changed host key is accepted
func (c *console) confirmHostKey(t *tabs.Tab, req *session.FingerprintRequest) {
	c.focus(t)
	if m := req.Mismatch; m != nil {
		c.notice(fmt.Sprintf("WARNING: the %s host key of %s has changed", m.Type, m.Host))
		fmt.Fprintf(c.out, "  stored:    %s\r\n  presented: %s\r\n", m.Stored, m.Presented)
	}
	c.start(&lineInput{
		prompt: "Accept the new key and connect? [y/N] ",
		echo:   true,
		done: func(v string, ok bool) {
			if ok && strings.EqualFold(strings.TrimSpace(v), "y") {
				req.Accept()
				return
			}
			req.Reject()
		},
	})
}

func (c *console) focus(t *tabs.Tab) {
	if c.app.Tabs.Focused() == t {
		return
	}
	if err := c.app.Tabs.Focus(t.ID); err == nil {
		c.title()
	}
}

// ask reads one line; fn runs only when the line is entered
func (c *console) ask(prompt string, echo bool, fn func(string)) {
	c.start(&lineInput{prompt: prompt, echo: echo, done: func(v string, ok bool) {
		if ok {
			fn(v)
		}
	}})
}

func (c *console) start(l *lineInput) {
	if c.line != nil {
		c.queue = append(c.queue, l)
		return
	}
	c.line = l
	fmt.Fprintf(c.out, "\r\n%s", l.prompt)
}

// feedLine consumes input for the active line and returns what is left
func (c *console) feedLine(p []byte) []byte {
	l := c.line
	for i, b := range p {
		switch b {
		case '\r', '\n':
			c.finishLine(true)
			return p[i+1:]
		case 0x03, prefixKey:
			c.finishLine(false)
			return p[i+1:]
		case 0x7f, 0x08:
			if len(l.buf) == 0 {
				continue
			}
			r, size := utf8.DecodeLastRune(l.buf)
			l.buf = l.buf[:len(l.buf)-size]
			if l.echo {
				w := runewidth.RuneWidth(r)
				io.WriteString(c.out, strings.Repeat("\b \b", w))
			}
		default:
			if b < 0x20 {
				continue
			}
			l.buf = append(l.buf, b)
			if l.echo {
				c.out.Write([]byte{b})
			}
		}
	}
	return nil
}

func (c *console) finishLine(ok bool) {
	l := c.line
	c.line = nil
	io.WriteString(c.out, "\r\n")
	if len(c.queue) == 0 {
		c.redraw()
	}
	l.done(string(l.buf), ok)

	if c.line == nil && len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.start(next)
	}
	c.title()
}
