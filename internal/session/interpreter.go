// interpreter.go - Built-in command shell
// A small line editor with a handful of commands that either start a
// network connection in the same tab or print a result. nslookup blocks
// input until the lookup returns.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"tabterm/internal/profile"
)

const shellPrompt = "> "

type shellCommand struct {
	name  string
	usage string
	help  string
}

var shellCommands = []shellCommand{
	{"ssh", "ssh [-l login] [-p port] [user@]host[:port]", "open an SSH session"},
	{"telnet", "telnet host [port]", "open a telnet session"},
	{"vnc", "vnc host[:port]", "connect to a VNC server"},
	{"nslookup", "nslookup name", "look up the addresses of a host name"},
	{"help", "help", "list commands"},
	{"exit", "exit", "close this tab"},
}

type escState int

const (
	escNone escState = iota
	escStart
	escCSI
)

type interpreter struct {
	c *Controller

	line    []rune
	blocked bool
	esc     escState
	lastCR  bool
	partial []byte
}

func newInterpreter(c *Controller) *interpreter {
	return &interpreter{c: c}
}

func (sh *interpreter) start() {
	sh.c.print("Type help for a list of commands.\r\n")
	sh.prompt()
}

func (sh *interpreter) prompt() { sh.c.print(shellPrompt) }

// current reports whether this interpreter still owns the controller
func (sh *interpreter) current() bool { return sh.c.shell == sh }

// input edits the line; Enter runs it
func (sh *interpreter) input(p []byte) {
	if sh.blocked {
		return
	}
	buf := append(sh.partial, p...)
	sh.partial = nil
	for len(buf) > 0 {
		if !utf8.FullRune(buf) {
			sh.partial = append([]byte(nil), buf...)
			return
		}
		r, size := utf8.DecodeRune(buf)
		buf = buf[size:]
		if !sh.key(r) {
			// typed ahead of a connect goes to the new backend
			if !sh.current() && len(buf) > 0 {
				sh.c.send(buf)
			}
			return
		}
	}
}

// key handles one rune; false means the rest of the input is dropped
func (sh *interpreter) key(r rune) bool {
	switch sh.esc {
	case escStart:
		sh.esc = escNone
		if r == '[' || r == 'O' {
			sh.esc = escCSI
		}
		return true
	case escCSI:
		if r >= 0x40 && r <= 0x7e {
			sh.esc = escNone
		}
		return true
	}

	cr := sh.lastCR
	sh.lastCR = r == '\r'

	switch r {
	case 0x1b:
		sh.esc = escStart
	case '\n':
		if cr {
			return true
		}
		return sh.enter()
	case '\r':
		return sh.enter()
	case 0x7f, '\b':
		if n := len(sh.line); n > 0 {
			w := runewidth.RuneWidth(sh.line[n-1])
			sh.line = sh.line[:n-1]
			sh.c.print(strings.Repeat("\b \b", w))
		}
	case 0x03:
		sh.line = nil
		sh.c.print("^C\r\n")
		sh.prompt()
	case 0x15:
		w := runewidth.StringWidth(string(sh.line))
		sh.line = nil
		sh.c.print(strings.Repeat("\b \b", w))
	case 0x04:
		if len(sh.line) == 0 {
			sh.c.print("exit\r\n")
			sh.run("exit")
			return false
		}
	default:
		if r < 0x20 {
			return true
		}
		sh.line = append(sh.line, r)
		sh.c.print(string(r))
	}
	return true
}

func (sh *interpreter) enter() bool {
	line := string(sh.line)
	sh.line = nil
	sh.c.print("\r\n")
	sh.run(line)
	return sh.current() && !sh.blocked
}

func (sh *interpreter) run(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		sh.prompt()
		return
	}

	c := sh.c
	switch args[0] {
	case "help":
		sh.help()
	case "ssh":
		h, err := parseSSHArgs(args[1:])
		if err != nil {
			sh.fail(err)
			return
		}
		c.connect(*h, profile.SSH, true)
	case "telnet":
		h, err := parseTelnetArgs(args[1:])
		if err != nil {
			sh.fail(err)
			return
		}
		c.connect(*h, profile.Telnet, true)
	case "vnc":
		if len(args) != 2 {
			sh.fail(fmt.Errorf("usage: vnc host[:port]"))
			return
		}
		h, err := ParseTarget(profile.VNC, args[1])
		if err != nil {
			sh.fail(err)
			return
		}
		c.connect(*h, profile.VNC, true)
	case "nslookup":
		sh.nslookup(args[1:])
	case "exit":
		c.shell = nil
		c.closed(StateInteractiveShell, nil, Teardown)
	default:
		c.print(fmt.Sprintf("unknown command: %s\r\n", args[0]))
		sh.prompt()
	}
}

func (sh *interpreter) fail(err error) {
	sh.c.print(err.Error() + "\r\n")
	sh.prompt()
}

func (sh *interpreter) help() {
	width := 0
	for _, cmd := range shellCommands {
		if w := runewidth.StringWidth(cmd.usage); w > width {
			width = w
		}
	}
	var b strings.Builder
	for _, cmd := range shellCommands {
		b.WriteString("  ")
		b.WriteString(runewidth.FillRight(cmd.usage, width+2))
		b.WriteString(cmd.help)
		b.WriteString("\r\n")
	}
	sh.c.print(b.String())
	sh.prompt()
}

// nslookup resolves on the network context; input is ignored until the
// answer is back
func (sh *interpreter) nslookup(args []string) {
	if len(args) != 1 {
		sh.fail(fmt.Errorf("usage: nslookup name"))
		return
	}
	name := args[0]
	sh.blocked = true

	env := sh.c.env
	timeout := env.Options.NSLookupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	env.Net.Go(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		addrs, err := env.Resolver.LookupHost(ctx, name)
		env.Loop.Post(func() { sh.lookedUp(name, addrs, err) })
	})
}

func (sh *interpreter) lookedUp(name string, addrs []string, err error) {
	if !sh.current() {
		return
	}
	sh.blocked = false
	switch {
	case err != nil:
		sh.c.print(fmt.Sprintf("nslookup: %v\r\n", err))
	case len(addrs) == 0:
		sh.c.print(fmt.Sprintf("%s: no addresses\r\n", name))
	default:
		for _, a := range addrs {
			sh.c.print(fmt.Sprintf("%s has address %s\r\n", name, a))
		}
	}
	sh.prompt()
}
