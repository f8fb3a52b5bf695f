// telnet.go - Telnet backend
// Negotiates terminal type and window size, answers everything else with
// a refusal, and strips IAC sequences from the data stream.
package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

const (
	telnetSE   = 240
	telnetSB   = 250
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
	telnetIAC  = 255

	optEcho  = 1
	optSGA   = 3
	optTType = 24
	optNAWS  = 31

	ttypeIS   = 0
	ttypeSEND = 1
)

type telnetParse int

const (
	parseData telnetParse = iota
	parseIAC
	parseOption
	parseSub
	parseSubIAC
)

// TelnetBackend implements Backend over a raw telnet connection
type TelnetBackend struct {
	cfg TelnetConfig

	conn net.Conn
	wmu  sync.Mutex

	// parser state, only touched by Read
	state telnetParse
	verb  byte
	sub   []byte
	raw   []byte

	mu         sync.Mutex
	cols, rows int
	naws       bool
}

// NewTelnetBackend returns an unopened telnet backend
func NewTelnetBackend(cfg TelnetConfig) *TelnetBackend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Term == "" {
		cfg.Term = "xterm-256color"
	}
	return &TelnetBackend{cfg: cfg, cols: cfg.Cols, rows: cfg.Rows, raw: make([]byte, 4096)}
}

// Open dials the server; option negotiation happens as data is read
func (t *TelnetBackend) Open(ctx context.Context) error {
	log.Printf("Telnet: Connecting to %s", t.cfg.Addr)
	dialer := net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.cfg.Addr, err)
	}
	t.conn = conn
	log.Printf("Telnet: Connected to %s", t.cfg.Addr)
	return nil
}

func (t *TelnetBackend) send(b ...byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := t.conn.Write(b)
	return err
}

// Read returns the next data bytes, answering negotiation on the way
func (t *TelnetBackend) Read(p []byte) (int, error) {
	if t.conn == nil {
		return 0, io.EOF
	}
	for {
		limit := len(p)
		if limit > len(t.raw) {
			limit = len(t.raw)
		}
		n, err := t.conn.Read(t.raw[:limit])
		out := 0
		for _, c := range t.raw[:n] {
			if t.parse(c) {
				p[out] = c
				out++
			}
		}
		if out > 0 || err != nil {
			return out, err
		}
	}
}

// parse feeds one byte to the option parser and reports whether it is data
func (t *TelnetBackend) parse(c byte) bool {
	switch t.state {
	case parseData:
		if c == telnetIAC {
			t.state = parseIAC
			return false
		}
		return true
	case parseIAC:
		switch c {
		case telnetIAC:
			t.state = parseData
			return true
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			t.verb = c
			t.state = parseOption
		case telnetSB:
			t.sub = t.sub[:0]
			t.state = parseSub
		default:
			t.state = parseData
		}
	case parseOption:
		t.negotiate(t.verb, c)
		t.state = parseData
	case parseSub:
		if c == telnetIAC {
			t.state = parseSubIAC
		} else {
			t.sub = append(t.sub, c)
		}
	case parseSubIAC:
		switch c {
		case telnetSE:
			t.subnegotiate(t.sub)
			t.state = parseData
		case telnetIAC:
			t.sub = append(t.sub, c)
			t.state = parseSub
		default:
			t.state = parseSub
		}
	}
	return false
}

func (t *TelnetBackend) negotiate(verb, opt byte) {
	var err error
	switch verb {
	case telnetDO:
		switch opt {
		case optTType, optSGA:
			err = t.send(telnetIAC, telnetWILL, opt)
		case optNAWS:
			if err = t.send(telnetIAC, telnetWILL, opt); err == nil {
				t.mu.Lock()
				t.naws = true
				cols, rows := t.cols, t.rows
				t.mu.Unlock()
				err = t.sendSize(cols, rows)
			}
		default:
			err = t.send(telnetIAC, telnetWONT, opt)
		}
	case telnetWILL:
		switch opt {
		case optEcho, optSGA:
			err = t.send(telnetIAC, telnetDO, opt)
		default:
			err = t.send(telnetIAC, telnetDONT, opt)
		}
	case telnetDONT:
		if opt == optNAWS {
			t.mu.Lock()
			t.naws = false
			t.mu.Unlock()
		}
	}
	if err != nil {
		log.Printf("Telnet: negotiation write failed: %v", err)
	}
}

func (t *TelnetBackend) subnegotiate(sub []byte) {
	if len(sub) >= 2 && sub[0] == optTType && sub[1] == ttypeSEND {
		msg := []byte{telnetIAC, telnetSB, optTType, ttypeIS}
		msg = append(msg, t.cfg.Term...)
		msg = append(msg, telnetIAC, telnetSE)
		if err := t.send(msg...); err != nil {
			log.Printf("Telnet: terminal type reply failed: %v", err)
		}
	}
}

func (t *TelnetBackend) sendSize(cols, rows int) error {
	msg := []byte{telnetIAC, telnetSB, optNAWS}
	for _, v := range []int{cols, rows} {
		for _, b := range []byte{byte(v >> 8), byte(v)} {
			msg = append(msg, b)
			if b == telnetIAC {
				msg = append(msg, telnetIAC)
			}
		}
	}
	msg = append(msg, telnetIAC, telnetSE)
	return t.send(msg...)
}

// Write escapes IAC and sends a bare CR as CR NUL
func (t *TelnetBackend) Write(p []byte) (int, error) {
	if t.conn == nil {
		return 0, fmt.Errorf("not connected")
	}
	out := make([]byte, 0, len(p)+8)
	for i, c := range p {
		out = append(out, c)
		switch {
		case c == telnetIAC:
			out = append(out, telnetIAC)
		case c == '\r' && (i+1 == len(p) || p[i+1] != '\n'):
			out = append(out, 0)
		}
	}
	if err := t.send(out...); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Resize reports the new size if the server asked for NAWS
func (t *TelnetBackend) Resize(cols, rows int) error {
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	naws := t.naws
	t.mu.Unlock()
	if !naws || t.conn == nil {
		return nil
	}
	return t.sendSize(cols, rows)
}

func (t *TelnetBackend) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
