// ssh.go - SSH backend
// Dials, authenticates with the host's credential (agent first when
// available), requests a PTY shell and keeps the connection alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"tabterm/internal/credential"
	"tabterm/internal/profile"
)

// SSHBackend implements Backend over an SSH session
type SSHBackend struct {
	cfg SSHConfig

	mu           sync.Mutex
	conn         net.Conn
	client       *ssh.Client
	session      *ssh.Session
	stdin        io.WriteCloser
	outputReader *io.PipeReader
	outputWriter *io.PipeWriter
	agentConn    net.Conn
	listeners    []net.Listener
	hostKeyErr   error
	promptErr    error

	closeOnce sync.Once
	done      chan struct{}
}

// NewSSHBackend returns an unopened SSH backend
func NewSSHBackend(cfg SSHConfig) *SSHBackend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Term == "" {
		cfg.Term = "xterm-256color"
	}
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}
	return &SSHBackend{cfg: cfg, done: make(chan struct{})}
}

// liftDeadline clears the handshake deadline while the user decides and
// returns the function that re-arms it
func (s *SSHBackend) liftDeadline() func() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return func() {}
	}
	conn.SetDeadline(time.Time{})
	return func() { conn.SetDeadline(time.Now().Add(s.cfg.Timeout)) }
}

func (s *SSHBackend) prompt(ctx context.Context, prompt string, echo bool) (string, error) {
	if s.cfg.Prompt == nil {
		return "", credential.ErrPromptCancelled
	}
	defer s.liftDeadline()()
	answer, err := s.cfg.Prompt(ctx, prompt, echo)
	if err != nil {
		s.mu.Lock()
		s.promptErr = err
		s.mu.Unlock()
	}
	return answer, err
}

// Open connects, authenticates and starts the remote shell
func (s *SSHBackend) Open(ctx context.Context) error {
	username := s.cfg.Username
	if username == "" {
		name, err := s.prompt(ctx, "login as: ", true)
		if err != nil {
			return &credential.AuthError{Reason: "login name", Err: err}
		}
		username = strings.TrimSpace(name)
	}

	attempt := credential.NewResolver(credential.PromptFunc(s.prompt)).Resolve(ctx, s.cfg.Credential)

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            s.authMethods(attempt),
		HostKeyCallback: s.hostKeyCallback(),
		Timeout:         s.cfg.Timeout,
		Config: ssh.Config{
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
			},
		},
	}
	if s.cfg.Compression {
		log.Printf("SSH: compression requested for %s but not supported, continuing without", s.cfg.Addr)
	}

	log.Printf("SSH: Connecting to %s as %s", s.cfg.Addr, username)
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// a cancelled open unblocks the handshake by closing the socket
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.Addr, config)
	if err != nil {
		conn.Close()
		return s.handshakeError(ctx, attempt, err)
	}
	conn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if err := s.createSession(client); err != nil {
		s.Close()
		return err
	}
	if ctx.Err() != nil {
		s.Close()
		return ctx.Err()
	}

	s.startForwards(client)
	if s.cfg.KeepAliveInterval > 0 {
		go s.keepAlive(client)
	}
	log.Printf("SSH: Connected to %s", s.cfg.Addr)
	return nil
}

// handshakeError turns a failed handshake into a host key, auth or
// connect error
func (s *SSHBackend) handshakeError(ctx context.Context, attempt *credential.Attempt, err error) error {
	s.mu.Lock()
	hostKeyErr, promptErr := s.hostKeyErr, s.promptErr
	s.mu.Unlock()
	if hostKeyErr != nil {
		return hostKeyErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f := attempt.Failure(); f != nil {
		return f
	}
	if promptErr != nil || errors.Is(err, credential.ErrPromptCancelled) {
		return &credential.AuthError{Reason: "prompt cancelled", Err: credential.ErrPromptCancelled}
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &credential.AuthError{Reason: "server rejected credentials", Err: err}
	}
	return fmt.Errorf("SSH handshake failed: %w", err)
}

func (s *SSHBackend) hostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if s.cfg.HostKeyCallback == nil {
			return nil
		}
		// a changed key may wait on the user
		rearm := s.liftDeadline()
		err := s.cfg.HostKeyCallback(hostname, remote, key)
		rearm()
		if err != nil {
			s.mu.Lock()
			s.hostKeyErr = err
			s.mu.Unlock()
		}
		return err
	}
}

// authMethods puts the agent ahead of the host's own credential
func (s *SSHBackend) authMethods(attempt *credential.Attempt) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if s.cfg.UseAgent {
		if m := s.agentAuth(); m != nil {
			methods = append(methods, m)
			log.Printf("SSH: Added SSH agent authentication")
		}
	}
	return append(methods, attempt.AuthMethods()...)
}

func (s *SSHBackend) agentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		log.Printf("SSH: Could not connect to SSH agent: %v", err)
		return nil
	}
	s.mu.Lock()
	s.agentConn = conn
	s.mu.Unlock()
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

// createSession requests a PTY shell and merges stdout and stderr
func (s *SSHBackend) createSession(client *ssh.Client) error {
	if s.cfg.AgentForwarding {
		if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
			if err := agent.ForwardToRemote(client, socket); err != nil {
				log.Printf("SSH: agent forwarding setup failed: %v", err)
			}
		}
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create SSH session: %w", err)
	}

	if s.cfg.AgentForwarding {
		if err := agent.RequestAgentForwarding(session); err != nil {
			log.Printf("SSH: agent forwarding refused: %v", err)
		}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
		ssh.VINTR:         3,
		ssh.VQUIT:         28,
		ssh.VERASE:        127,
		ssh.VKILL:         21,
		ssh.VEOF:          4,
		ssh.VSUSP:         26,
	}
	if err := session.RequestPty(s.cfg.Term, s.cfg.Rows, s.cfg.Cols, modes); err != nil {
		session.Close()
		return fmt.Errorf("failed to request PTY: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	pr, pw := io.Pipe()
	var copies sync.WaitGroup
	copies.Add(2)
	go func() { defer copies.Done(); io.Copy(pw, stdout) }()
	go func() { defer copies.Done(); io.Copy(pw, stderr) }()
	go func() {
		copies.Wait()
		pw.Close()
	}()

	if err := session.Shell(); err != nil {
		session.Close()
		pw.Close()
		return fmt.Errorf("failed to start shell: %w", err)
	}

	s.mu.Lock()
	s.session, s.stdin = session, stdin
	s.outputReader, s.outputWriter = pr, pw
	s.mu.Unlock()

	go func() {
		err := session.Wait()
		log.Printf("SSH: Session ended: %v", err)
	}()
	return nil
}

// startForwards opens the host's local and remote port forwards
func (s *SSHBackend) startForwards(client *ssh.Client) {
	for _, f := range s.cfg.LocalForward {
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.Port)))
		if err != nil {
			log.Printf("SSH: local forward %s: %v", f, err)
			continue
		}
		s.addListener(l)
		target := net.JoinHostPort(f.TargetHost, strconv.Itoa(f.TargetPort))
		go s.forward(l, target, client.Dial, f)
	}
	for _, f := range s.cfg.RemoteForward {
		l, err := client.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(f.Port)))
		if err != nil {
			log.Printf("SSH: remote forward %s: %v", f, err)
			continue
		}
		s.addListener(l)
		target := net.JoinHostPort(f.TargetHost, strconv.Itoa(f.TargetPort))
		go s.forward(l, target, net.Dial, f)
	}
}

func (s *SSHBackend) addListener(l net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *SSHBackend) forward(l net.Listener, target string, dial func(network, addr string) (net.Conn, error), f profile.PortForward) {
	log.Printf("SSH: forwarding %s", f)
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		remote, err := dial("tcp", target)
		if err != nil {
			log.Printf("SSH: forward %s dial failed: %v", f, err)
			conn.Close()
			continue
		}
		go bidirectionalCopy(s.done, conn, remote)
	}
}

// bidirectionalCopy pipes two connections until one side closes
func bidirectionalCopy(stop <-chan struct{}, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	select {
	case <-done:
	case <-stop:
	}
	a.Close()
	b.Close()
	<-done
}

// keepAlive closes the backend after too many unanswered keepalives
func (s *SSHBackend) keepAlive(client *ssh.Client) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				missed = 0
				continue
			}
			missed++
			log.Printf("SSH: Keepalive failed (%d/%d): %v", missed, s.cfg.KeepAliveMaxCount, err)
			if missed >= s.cfg.KeepAliveMaxCount {
				log.Printf("SSH: Too many missed keepalives, disconnecting")
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *SSHBackend) Read(p []byte) (int, error) {
	s.mu.Lock()
	r := s.outputReader
	s.mu.Unlock()
	if r == nil {
		return 0, io.EOF
	}
	return r.Read(p)
}

func (s *SSHBackend) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.stdin
	s.mu.Unlock()
	if w == nil {
		return 0, errors.New("not connected")
	}
	return w.Write(p)
}

// Resize sends a window-change request
func (s *SSHBackend) Resize(cols, rows int) error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return errors.New("not connected")
	}
	return session.WindowChange(rows, cols)
}

func (s *SSHBackend) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	session, client, conn := s.session, s.client, s.conn
	pr, pw := s.outputReader, s.outputWriter
	agentConn, listeners := s.agentConn, s.listeners
	s.session, s.client, s.stdin, s.listeners, s.agentConn = nil, nil, nil, nil, nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	if session != nil {
		session.Close()
	}
	if client != nil {
		client.Close()
	} else if conn != nil {
		conn.Close()
	}
	if pw != nil {
		pw.Close()
	}
	if pr != nil {
		pr.Close()
	}
	if agentConn != nil {
		agentConn.Close()
	}
	return nil
}
