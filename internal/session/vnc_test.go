package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabterm/internal/credential"
)

// rfbServer scripts the server side of one RFB handshake
type rfbServer struct {
	version  string
	secTypes []byte
	password string
	name     string
	// after runs once the handshake is done
	after func(conn net.Conn) error

	// nameLength, when set, is announced instead of len(name)
	nameLength uint32
}

func (s rfbServer) serve(conn net.Conn) error {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(s.version)); err != nil {
		return err
	}
	reply := make([]byte, 12)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return err
	}
	v38 := string(reply) == "RFB 003.008\n"

	chosen := s.secTypes[0]
	if s.version == "RFB 003.003\n" {
		binary.Write(conn, binary.BigEndian, uint32(chosen))
	} else {
		conn.Write(append([]byte{byte(len(s.secTypes))}, s.secTypes...))
		b := make([]byte, 1)
		if _, err := io.ReadFull(conn, b); err != nil {
			return err
		}
		chosen = b[0]
	}

	if chosen == rfbSecVNC {
		challenge := []byte("0123456789abcdef")
		conn.Write(challenge)
		resp := make([]byte, 16)
		if _, err := io.ReadFull(conn, resp); err != nil {
			return err
		}
		want, _ := vncResponse(s.password, challenge)
		if !bytes.Equal(resp, want) {
			binary.Write(conn, binary.BigEndian, uint32(1))
			if v38 {
				msg := "wrong password"
				binary.Write(conn, binary.BigEndian, uint32(len(msg)))
				conn.Write([]byte(msg))
			}
			return nil
		}
		binary.Write(conn, binary.BigEndian, uint32(0))
	} else if v38 {
		binary.Write(conn, binary.BigEndian, uint32(0))
	}

	shared := make([]byte, 1)
	if _, err := io.ReadFull(conn, shared); err != nil {
		return err
	}
	if shared[0] != 1 {
		return fmt.Errorf("ClientInit shared flag %d", shared[0])
	}
	binary.Write(conn, binary.BigEndian, uint16(1024))
	binary.Write(conn, binary.BigEndian, uint16(768))
	conn.Write(make([]byte, 16))
	nameLength := uint32(len(s.name))
	if s.nameLength != 0 {
		nameLength = s.nameLength
	}
	binary.Write(conn, binary.BigEndian, nameLength)
	conn.Write([]byte(s.name))

	enc := make([]byte, 8)
	if _, err := io.ReadFull(conn, enc); err != nil {
		return err
	}
	if !bytes.Equal(enc, []byte{rfbSetEncodings, 0, 0, 1, 0, 0, 0, 0}) {
		return fmt.Errorf("unexpected SetEncodings %v", enc)
	}
	if s.after != nil {
		return s.after(conn)
	}
	return nil
}

func startRFB(t *testing.T, s rfbServer) (string, <-chan error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	errc := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		errc <- s.serve(conn)
	}()
	return l.Addr().String(), errc
}

func staticPassword(pw string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return pw, nil }
}

func TestVNCHandshakeWithPassword(t *testing.T) {
	keysSeen := make(chan []byte, 1)
	addr, errc := startRFB(t, rfbServer{
		version:  "RFB 003.008\n",
		secTypes: []byte{rfbSecVNC},
		password: "secret",
		name:     "desk",
		after: func(conn net.Conn) error {
			if _, err := conn.Write([]byte{rfbBell}); err != nil {
				return err
			}
			msg := make([]byte, 16)
			if _, err := io.ReadFull(conn, msg); err != nil {
				return err
			}
			keysSeen <- msg
			return nil
		},
	})

	v := NewVNCBackend(VNCConfig{Addr: addr, Timeout: 5 * time.Second, Password: staticPassword("secret")})
	require.NoError(t, v.Open(t.Context()))
	defer v.Close()
	assert.Equal(t, "desk", v.Name)
	assert.Equal(t, 1024, v.Width)
	assert.Equal(t, 768, v.Height)

	readUntil(t, v, "Connected to VNC desktop \"desk\" (1024x768)\r\n")
	readUntil(t, v, "\a")

	_, err := v.Write([]byte("a"))
	require.NoError(t, err)
	select {
	case msg := <-keysSeen:
		assert.Equal(t, []byte{rfbKeyEvent, 1, 0, 0, 0, 0, 0, 'a', rfbKeyEvent, 0, 0, 0, 0, 0, 0, 'a'}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no key events")
	}
	require.NoError(t, <-errc)
}

func TestVNCWrongPassword(t *testing.T) {
	addr, errc := startRFB(t, rfbServer{
		version:  "RFB 003.008\n",
		secTypes: []byte{rfbSecVNC},
		password: "secret",
	})
	v := NewVNCBackend(VNCConfig{Addr: addr, Timeout: 5 * time.Second, Password: staticPassword("guess")})
	err := v.Open(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrAuth)
	assert.Contains(t, err.Error(), "wrong password")
	require.NoError(t, <-errc)
}

func TestVNCPasswordPromptCancelled(t *testing.T) {
	addr, _ := startRFB(t, rfbServer{
		version:  "RFB 003.007\n",
		secTypes: []byte{rfbSecVNC},
		password: "secret",
	})
	v := NewVNCBackend(VNCConfig{Addr: addr, Timeout: 5 * time.Second, Password: func(context.Context) (string, error) {
		return "", credential.ErrPromptCancelled
	}})
	err := v.Open(t.Context())
	assert.ErrorIs(t, err, credential.ErrAuth)
	assert.ErrorIs(t, err, credential.ErrPromptCancelled)
}

func TestVNCVersion33NoAuth(t *testing.T) {
	addr, errc := startRFB(t, rfbServer{
		version:  "RFB 003.003\n",
		secTypes: []byte{rfbSecNone},
		name:     "old",
	})
	v := NewVNCBackend(VNCConfig{Addr: addr, Timeout: 5 * time.Second})
	require.NoError(t, v.Open(t.Context()))
	defer v.Close()
	assert.Equal(t, "old", v.Name)
	require.NoError(t, <-errc)
}

func TestVNCPrefersNone(t *testing.T) {
	addr, errc := startRFB(t, rfbServer{
		version:  "RFB 003.008\n",
		secTypes: []byte{rfbSecVNC, rfbSecNone},
		name:     "open",
	})
	v := NewVNCBackend(VNCConfig{Addr: addr, Timeout: 5 * time.Second, Password: func(context.Context) (string, error) {
		return "", errors.New("should not be asked")
	}})
	require.NoError(t, v.Open(t.Context()))
	defer v.Close()
	require.NoError(t, <-errc)
}

func TestVNCNewerMinorNegotiatesDown(t *testing.T) {
	addr, errc := startRFB(t, rfbServer{
		version:  "RFB 003.889\n",
		secTypes: []byte{rfbSecNone},
		name:     "apple",
	})
	v := NewVNCBackend(VNCConfig{Addr: addr, Timeout: 5 * time.Second})
	require.NoError(t, v.Open(t.Context()))
	defer v.Close()
	require.NoError(t, <-errc)
}

func TestVNCRejectsOversizedDesktopName(t *testing.T) {
	addr, _ := startRFB(t, rfbServer{
		version:    "RFB 003.008\n",
		secTypes:   []byte{rfbSecNone},
		name:       "huge",
		nameLength: 0xFFFFFFF0,
	})
	v := NewVNCBackend(VNCConfig{Addr: addr, Timeout: 5 * time.Second})
	err := v.Open(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")
}

func TestVNCRejectsOtherProtocols(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("SSH-2.0-Open\n"))
		io.Copy(io.Discard, conn)
	}()
	v := NewVNCBackend(VNCConfig{Addr: l.Addr().String(), Timeout: 5 * time.Second})
	err = v.Open(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol version")
}

func TestKeysym(t *testing.T) {
	tests := []struct {
		r    rune
		ctrl bool
		sym  uint32
	}{
		{'a', false, 'a'},
		{'\r', false, keyReturn},
		{'\t', false, keyTab},
		{0x7f, false, keyBackSpace},
		{0x1b, false, keyEscape},
		{0x03, true, 'c'},
		{'é', false, 0xe9},
		{'€', false, 0x010020ac},
	}
	for _, tt := range tests {
		ctrl, sym := keysym(tt.r)
		assert.Equal(t, tt.ctrl, ctrl, "%q", tt.r)
		assert.Equal(t, tt.sym, sym, "%q", tt.r)
	}
}

func TestVNCResponseReversesKeyBits(t *testing.T) {
	a, err := vncResponse("password", make([]byte, 16))
	require.NoError(t, err)
	b, err := vncResponse("password-longer", make([]byte, 16))
	require.NoError(t, err)
	assert.Len(t, a, 16)
	// only the first eight password bytes count
	assert.Equal(t, a, b)
	c, err := vncResponse("Password", make([]byte, 16))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
