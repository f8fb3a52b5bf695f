// vnc.go - RFB backend
// Performs the RFB 3.3/3.7/3.8 handshake with None or VNC authentication,
// forwards typed characters as key events and rings the terminal bell
// when the server does. No framebuffer is rendered.
package session

import (
	"bufio"
	"bytes"
	"context"
	"crypto/des"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"tabterm/internal/credential"
)

const (
	rfbSecInvalid = 0
	rfbSecNone    = 1
	rfbSecVNC     = 2

	rfbSetEncodings  = 2
	rfbKeyEvent      = 4
	rfbFBUpdate      = 0
	rfbColourMap     = 1
	rfbBell          = 2
	rfbServerCutText = 3

	keyBackSpace = 0xff08
	keyTab       = 0xff09
	keyReturn    = 0xff0d
	keyEscape    = 0xff1b
	keyControlL  = 0xffe3

	// maxServerString bounds server-sent names and reasons
	maxServerString = 1 << 16
)

// VNCBackend implements Backend over an RFB connection
type VNCBackend struct {
	cfg VNCConfig

	conn   net.Conn
	r      *bufio.Reader
	wmu    sync.Mutex
	banner []byte

	Width, Height int
	Name          string
}

// NewVNCBackend returns an unopened VNC backend
func NewVNCBackend(cfg VNCConfig) *VNCBackend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &VNCBackend{cfg: cfg}
}

// Open connects and completes the handshake up to ServerInit
func (v *VNCBackend) Open(ctx context.Context) error {
	log.Printf("VNC: Connecting to %s", v.cfg.Addr)
	dialer := net.Dialer{Timeout: v.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", v.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", v.cfg.Addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	v.conn = conn
	v.r = bufio.NewReader(conn)
	if err := v.handshake(ctx); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	conn.SetDeadline(time.Time{})

	v.banner = []byte(fmt.Sprintf("Connected to VNC desktop %q (%dx%d)\r\n", v.Name, v.Width, v.Height))
	log.Printf("VNC: Connected to %s, desktop %q %dx%d", v.cfg.Addr, v.Name, v.Width, v.Height)
	return nil
}

func (v *VNCBackend) handshake(ctx context.Context) error {
	v.conn.SetDeadline(time.Now().Add(v.cfg.Timeout))

	var version [12]byte
	if _, err := io.ReadFull(v.r, version[:]); err != nil {
		return fmt.Errorf("read protocol version: %w", err)
	}
	if !bytes.HasPrefix(version[:], []byte("RFB 003.")) {
		return fmt.Errorf("unsupported protocol version %q", version[:11])
	}
	minor, err := strconv.Atoi(string(version[8:11]))
	if err != nil {
		return fmt.Errorf("unsupported protocol version %q", version[:11])
	}
	switch {
	case minor >= 8:
		minor = 8
	case minor == 7:
	default:
		minor = 3
	}
	if _, err := fmt.Fprintf(v.conn, "RFB 003.%03d\n", minor); err != nil {
		return err
	}

	secType, err := v.negotiateSecurity(minor)
	if err != nil {
		return err
	}

	switch secType {
	case rfbSecNone:
		if minor >= 8 {
			if err := v.securityResult(minor); err != nil {
				return err
			}
		}
	case rfbSecVNC:
		if err := v.vncAuth(ctx); err != nil {
			return err
		}
		if err := v.securityResult(minor); err != nil {
			return err
		}
	}

	// ClientInit, shared session
	if _, err := v.conn.Write([]byte{1}); err != nil {
		return err
	}

	var init struct {
		Width, Height uint16
		PixelFormat   [16]byte
		NameLength    uint32
	}
	if err := binary.Read(v.r, binary.BigEndian, &init); err != nil {
		return fmt.Errorf("read server init: %w", err)
	}
	if init.NameLength > maxServerString {
		return fmt.Errorf("desktop name of %d bytes is too long", init.NameLength)
	}
	name := make([]byte, init.NameLength)
	if _, err := io.ReadFull(v.r, name); err != nil {
		return fmt.Errorf("read desktop name: %w", err)
	}
	v.Width, v.Height, v.Name = int(init.Width), int(init.Height), string(name)

	// Raw only; updates are never requested
	msg := []byte{rfbSetEncodings, 0, 0, 1, 0, 0, 0, 0}
	_, err = v.conn.Write(msg)
	return err
}

func (v *VNCBackend) negotiateSecurity(minor int) (uint32, error) {
	if minor == 3 {
		var t uint32
		if err := binary.Read(v.r, binary.BigEndian, &t); err != nil {
			return 0, fmt.Errorf("read security type: %w", err)
		}
		if t == rfbSecInvalid {
			return 0, fmt.Errorf("server refused connection: %s", v.reason())
		}
		if t != rfbSecNone && t != rfbSecVNC {
			return 0, fmt.Errorf("unsupported security type %d", t)
		}
		return t, nil
	}

	count, err := v.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read security types: %w", err)
	}
	if count == 0 {
		return 0, fmt.Errorf("server refused connection: %s", v.reason())
	}
	types := make([]byte, count)
	if _, err := io.ReadFull(v.r, types); err != nil {
		return 0, fmt.Errorf("read security types: %w", err)
	}
	chosen := byte(0)
	for _, t := range types {
		if t == rfbSecNone {
			chosen = t
			break
		}
		if t == rfbSecVNC {
			chosen = t
		}
	}
	if chosen == 0 {
		return 0, fmt.Errorf("no supported security type in %v", types)
	}
	if _, err := v.conn.Write([]byte{chosen}); err != nil {
		return 0, err
	}
	return uint32(chosen), nil
}

func (v *VNCBackend) reason() string {
	var n uint32
	if err := binary.Read(v.r, binary.BigEndian, &n); err != nil || n > maxServerString {
		return "no reason given"
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(v.r, b); err != nil {
		return "no reason given"
	}
	return string(b)
}

func (v *VNCBackend) securityResult(minor int) error {
	var result uint32
	if err := binary.Read(v.r, binary.BigEndian, &result); err != nil {
		return fmt.Errorf("read security result: %w", err)
	}
	if result == 0 {
		return nil
	}
	reason := "authentication failed"
	if minor >= 8 {
		reason = v.reason()
	}
	return &credential.AuthError{Reason: reason}
}

func (v *VNCBackend) vncAuth(ctx context.Context) error {
	var challenge [16]byte
	if _, err := io.ReadFull(v.r, challenge[:]); err != nil {
		return fmt.Errorf("read auth challenge: %w", err)
	}
	if v.cfg.Password == nil {
		return &credential.AuthError{Reason: "server wants a password", Err: credential.ErrPromptCancelled}
	}
	v.conn.SetDeadline(time.Time{})
	password, err := v.cfg.Password(ctx)
	if err != nil {
		return &credential.AuthError{Reason: "password prompt", Err: err}
	}
	v.conn.SetDeadline(time.Now().Add(v.cfg.Timeout))

	response, err := vncResponse(password, challenge[:])
	if err != nil {
		return err
	}
	_, err = v.conn.Write(response)
	return err
}

// vncResponse encrypts the challenge with DES keyed by the password,
// each key byte bit-reversed as RFB requires
func vncResponse(password string, challenge []byte) ([]byte, error) {
	var key [8]byte
	copy(key[:], password)
	for i, b := range key {
		var r byte
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				r |= 0x80 >> bit
			}
		}
		key[i] = r
	}
	block, err := des.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(challenge))
	for i := 0; i+8 <= len(challenge); i += 8 {
		block.Encrypt(out[i:i+8], challenge[i:i+8])
	}
	return out, nil
}

// Read returns the banner first, then BEL for every server bell
func (v *VNCBackend) Read(p []byte) (int, error) {
	if len(v.banner) > 0 {
		n := copy(p, v.banner)
		v.banner = v.banner[n:]
		return n, nil
	}
	if v.r == nil {
		return 0, io.EOF
	}
	for {
		t, err := v.r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch t {
		case rfbBell:
			p[0] = '\a'
			return 1, nil
		case rfbColourMap:
			var hdr struct {
				Pad          uint8
				First, Count uint16
			}
			if err := binary.Read(v.r, binary.BigEndian, &hdr); err != nil {
				return 0, err
			}
			if _, err := io.CopyN(io.Discard, v.r, int64(hdr.Count)*6); err != nil {
				return 0, err
			}
		case rfbServerCutText:
			var hdr struct {
				Pad    [3]byte
				Length uint32
			}
			if err := binary.Read(v.r, binary.BigEndian, &hdr); err != nil {
				return 0, err
			}
			if _, err := io.CopyN(io.Discard, v.r, int64(hdr.Length)); err != nil {
				return 0, err
			}
			log.Printf("VNC: ignored %d bytes of server clipboard", hdr.Length)
		case rfbFBUpdate:
			return 0, errors.New("unexpected framebuffer update")
		default:
			return 0, fmt.Errorf("unknown server message %d", t)
		}
	}
}

// Write sends each typed character as a key press and release
func (v *VNCBackend) Write(p []byte) (int, error) {
	if v.conn == nil {
		return 0, errors.New("not connected")
	}
	var msg []byte
	for i := 0; i < len(p); {
		r, size := utf8.DecodeRune(p[i:])
		i += size
		ctrl, sym := keysym(r)
		if ctrl {
			msg = appendKey(msg, keyControlL, true)
		}
		msg = appendKey(msg, sym, true)
		msg = appendKey(msg, sym, false)
		if ctrl {
			msg = appendKey(msg, keyControlL, false)
		}
	}
	v.wmu.Lock()
	defer v.wmu.Unlock()
	if _, err := v.conn.Write(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// keysym maps a typed rune to an X keysym, flagging control combinations
func keysym(r rune) (ctrl bool, sym uint32) {
	switch {
	case r == '\r' || r == '\n':
		return false, keyReturn
	case r == '\t':
		return false, keyTab
	case r == 0x7f || r == '\b':
		return false, keyBackSpace
	case r == 0x1b:
		return false, keyEscape
	case r >= 1 && r <= 26:
		return true, uint32('a' + r - 1)
	case r < 0x100:
		return false, uint32(r)
	default:
		return false, 0x01000000 | uint32(r)
	}
}

func appendKey(msg []byte, sym uint32, down bool) []byte {
	d := byte(0)
	if down {
		d = 1
	}
	msg = append(msg, rfbKeyEvent, d, 0, 0)
	return binary.BigEndian.AppendUint32(msg, sym)
}

// Resize is a no-op; the desktop keeps its own geometry
func (v *VNCBackend) Resize(cols, rows int) error { return nil }

func (v *VNCBackend) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}
