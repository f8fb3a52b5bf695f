// server.go - In-process SSH server for tests
// Accepts password, keyboard-interactive and public key logins, runs an
// echo shell on a PTY session and proxies direct-tcpip channels
package sshtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"tabterm/internal/keys"
)

// Options selects which logins the server accepts
type Options struct {
	User          string
	Password      string
	AuthorizedKey ssh.PublicKey
	// KeyboardInteractive asks "Password: " through keyboard-interactive
	// instead of accepting the password method
	KeyboardInteractive bool
}

// Server is a running test server
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	mu       sync.Mutex
	requests []string
	logins   int

	listener net.Listener
	done     chan struct{}
}

// Start listens on 127.0.0.1:0 and stops with the test
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	pair, err := keys.Generate(keys.Ed25519, 0, "", "host")
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := keys.ParseSigner(pair.PrivateKeyPEM, "")
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	s := &Server{HostKey: hostSigner.PublicKey(), done: make(chan struct{})}

	config := &ssh.ServerConfig{}
	if opts.Password != "" && !opts.KeyboardInteractive {
		config.PasswordCallback = func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if conn.User() == opts.User && string(pw) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("bad password")
		}
	}
	if opts.Password != "" && opts.KeyboardInteractive {
		config.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := client(conn.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if conn.User() == opts.User && len(answers) == 1 && answers[0] == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("bad answer")
		}
	}
	if opts.AuthorizedKey != nil {
		want := ssh.FingerprintSHA256(opts.AuthorizedKey)
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	go func() {
		defer close(s.done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConn(conn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Close stops accepting connections
func (s *Server) Close() {
	s.listener.Close()
	<-s.done
}

// Requests returns the session and global request types seen so far
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Logins counts successful handshakes
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Server) record(req string) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.logins++
	s.mu.Unlock()

	go func() {
		for req := range reqs {
			s.record(req.Type)
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)
		case "direct-tcpip":
			go s.handleDirect(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	term := ""
	for req := range requests {
		s.record(req.Type)
		switch req.Type {
		case "pty-req":
			if len(req.Payload) >= 4 {
				n := binary.BigEndian.Uint32(req.Payload[0:4])
				if int(n) <= len(req.Payload)-4 {
					term = string(req.Payload[4 : 4+n])
				}
			}
			req.Reply(true, nil)

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			req.Reply(true, nil)
			fmt.Fprintf(ch, "PTY:%s\n", term)
			go s.echo(ch)

		case "auth-agent-req@openssh.com":
			req.Reply(true, nil)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// echo writes input back prefixed with "echo:"; a line "exit" ends the session
func (s *Server) echo(ch ssh.Channel) {
	buf := make([]byte, 4096)
	var line strings.Builder
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write([]byte("echo:"))
			ch.Write(buf[:n])
			line.Write(buf[:n])
			if strings.Contains(line.String(), "exit\r") || strings.Contains(line.String(), "exit\n") {
				ch.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
				ch.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

type directPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

func (s *Server) handleDirect(newChan ssh.NewChannel) {
	var p directPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &p); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	s.record("direct-tcpip")
	target, err := net.Dial("tcp", net.JoinHostPort(p.Host, fmt.Sprint(p.Port)))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		io.Copy(target, ch)
		target.Close()
	}()
	io.Copy(ch, target)
	ch.Close()
}
