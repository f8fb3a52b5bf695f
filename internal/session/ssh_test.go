package session

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"tabterm/internal/credential"
	"tabterm/internal/keys"
	"tabterm/internal/profile"
	"tabterm/internal/sshtest"
)

func sshConfig(addr string, cred profile.Credential) SSHConfig {
	return SSHConfig{
		Addr:            addr,
		Username:        "alice",
		Term:            "xterm-color",
		Cols:            80,
		Rows:            24,
		Timeout:         5 * time.Second,
		Credential:      cred,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

func password(pw string) profile.Credential {
	return profile.Credential{Type: profile.Password, Secret: []byte(pw)}
}

func TestSSHBackendShell(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	b := NewSSHBackend(sshConfig(srv.Addr, password("hunter2")))
	require.NoError(t, b.Open(t.Context()))
	defer b.Close()

	readUntil(t, b, "PTY:xterm-color\n")

	_, err := b.Write([]byte("hello\n"))
	require.NoError(t, err)
	readUntil(t, b, "echo:hello\n")

	require.NoError(t, b.Resize(100, 40))
	readUntil(t, b, "resize:100x40")
	assert.Contains(t, srv.Requests(), "pty-req")
	assert.Contains(t, srv.Requests(), "shell")
}

func TestSSHBackendSessionEnds(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	b := NewSSHBackend(sshConfig(srv.Addr, password("hunter2")))
	require.NoError(t, b.Open(t.Context()))
	defer b.Close()
	readUntil(t, b, "PTY:")

	_, err := b.Write([]byte("exit\r"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, b)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("output did not end after exit")
	}
}

func TestSSHBackendWrongPassword(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	b := NewSSHBackend(sshConfig(srv.Addr, password("wrong")))
	err := b.Open(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, credential.ErrAuth)
	assert.Zero(t, srv.Logins())
}

func TestSSHBackendAskUsesPrompt(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2", KeyboardInteractive: true})
	cfg := sshConfig(srv.Addr, profile.Credential{Type: profile.Ask})
	var prompts []string
	cfg.Prompt = func(ctx context.Context, prompt string, echo bool) (string, error) {
		prompts = append(prompts, prompt)
		return "hunter2", nil
	}
	b := NewSSHBackend(cfg)
	require.NoError(t, b.Open(t.Context()))
	defer b.Close()
	assert.Equal(t, []string{"Password: "}, prompts)
}

func TestSSHBackendPromptsForLogin(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	cfg := sshConfig(srv.Addr, password("hunter2"))
	cfg.Username = ""
	cfg.Prompt = func(ctx context.Context, prompt string, echo bool) (string, error) {
		assert.Equal(t, "login as: ", prompt)
		assert.True(t, echo)
		return "alice\n", nil
	}
	b := NewSSHBackend(cfg)
	require.NoError(t, b.Open(t.Context()))
	b.Close()
}

func TestSSHBackendCancelledPrompt(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2", KeyboardInteractive: true})
	cfg := sshConfig(srv.Addr, profile.Credential{Type: profile.Ask})
	cfg.Prompt = func(ctx context.Context, prompt string, echo bool) (string, error) {
		return "", credential.ErrPromptCancelled
	}
	err := NewSSHBackend(cfg).Open(t.Context())
	assert.ErrorIs(t, err, credential.ErrAuth)
}

func TestSSHBackendPrivateKey(t *testing.T) {
	pair, err := keys.Generate(keys.Ed25519, 0, "", "alice@test")
	require.NoError(t, err)
	signer, err := keys.ParseSigner(pair.PrivateKeyPEM, "")
	require.NoError(t, err)

	srv := sshtest.Start(t, sshtest.Options{User: "alice", AuthorizedKey: signer.PublicKey()})
	b := NewSSHBackend(sshConfig(srv.Addr, profile.Credential{Type: profile.PrivateKey, Secret: pair.PrivateKeyPEM}))
	require.NoError(t, b.Open(t.Context()))
	defer b.Close()
	readUntil(t, b, "PTY:")
}

func TestSSHBackendHostKeyRejected(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	cfg := sshConfig(srv.Addr, password("hunter2"))
	cfg.HostKeyCallback = func(string, net.Addr, ssh.PublicKey) error {
		return &credential.FingerprintMismatchError{Host: srv.Addr}
	}
	err := NewSSHBackend(cfg).Open(t.Context())
	assert.ErrorIs(t, err, credential.ErrFingerprintMismatch)
}

func TestSSHBackendSlowHostKeyDecision(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	cfg := sshConfig(srv.Addr, password("hunter2"))
	cfg.Timeout = 300 * time.Millisecond
	cfg.HostKeyCallback = func(string, net.Addr, ssh.PublicKey) error {
		time.Sleep(800 * time.Millisecond)
		return nil
	}
	b := NewSSHBackend(cfg)
	require.NoError(t, b.Open(t.Context()))
	defer b.Close()
	readUntil(t, b, "PTY:")
}

func TestSSHBackendSlowPrompt(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2", KeyboardInteractive: true})
	cfg := sshConfig(srv.Addr, profile.Credential{Type: profile.Ask})
	cfg.Timeout = 300 * time.Millisecond
	cfg.Prompt = func(ctx context.Context, prompt string, echo bool) (string, error) {
		time.Sleep(800 * time.Millisecond)
		return "hunter2", nil
	}
	b := NewSSHBackend(cfg)
	require.NoError(t, b.Open(t.Context()))
	b.Close()
}

func TestSSHBackendConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	err = NewSSHBackend(sshConfig(addr, password("x"))).Open(t.Context())
	require.Error(t, err)
	assert.NotErrorIs(t, err, credential.ErrAuth)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func TestSSHBackendLocalForward(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	echoPort := echo.Addr().(*net.TCPAddr).Port

	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	port := freePort(t)
	cfg := sshConfig(srv.Addr, password("hunter2"))
	cfg.LocalForward = []profile.PortForward{{Port: port, TargetHost: "127.0.0.1", TargetPort: echoPort}}
	b := NewSSHBackend(cfg)
	require.NoError(t, b.Open(t.Context()))
	defer b.Close()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))
	assert.Contains(t, srv.Requests(), "direct-tcpip")
}

// The controller over the real SSH backend: first connect records the key,
// a changed key goes through the fingerprint handler.
func sshHarness(t *testing.T) *harness {
	h := newHarness(t)
	h.env.Backends.SSH = func(cfg SSHConfig) Backend { return NewSSHBackend(cfg) }
	return h
}

func sshHost(t *testing.T, addr string) profile.Host {
	t.Helper()
	host, err := ParseTarget(profile.SSH, "alice@"+addr)
	require.NoError(t, err)
	host.Credential = password("hunter2")
	return *host
}

func TestControllerSSHFirstConnect(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	h := sshHarness(t)

	h.c.UseSSH(sshHost(t, srv.Addr))
	h.waitConnected(1)
	h.waitOutput("PTY:xterm-color")

	info := h.connected[0]
	assert.Equal(t, credential.AcceptNew, info.Verdict)
	assert.Equal(t, ssh.FingerprintSHA256(srv.HostKey), info.Presented.Fingerprint)
	assert.Equal(t, srv.HostKey.Type(), h.c.Policy().Target.Host.FingerprintType)

	h.c.Write([]byte("ls\n"))
	h.waitOutput("echo:ls")
}

func TestControllerSSHKnownKey(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	h := sshHarness(t)
	host := sshHost(t, srv.Addr)
	host.SetFingerprint(srv.HostKey.Type(), ssh.FingerprintSHA256(srv.HostKey))

	h.c.UseSSH(host)
	h.waitConnected(1)
	assert.Equal(t, credential.Match, h.connected[0].Verdict)
}

func TestControllerSSHChangedKeyRejected(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	h := sshHarness(t)
	asked := 0
	h.c.SetFingerprintHandler(func(r *FingerprintRequest) {
		asked++
		r.Reject()
	})
	host := sshHost(t, srv.Addr)
	host.SetFingerprint(srv.HostKey.Type(), "SHA256:someoneelse")

	h.c.UseSSH(host)
	ev := h.waitClosed(1)
	assert.Equal(t, 1, asked)
	assert.ErrorIs(t, ev.Err, credential.ErrFingerprintMismatch)
	assert.Zero(t, srv.Logins())
	assert.Contains(t, h.surface.String(), "SHA256:someoneelse")
}

func TestControllerSSHChangedKeyAccepted(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2"})
	h := sshHarness(t)
	h.c.SetFingerprintHandler(func(r *FingerprintRequest) { r.Accept() })
	host := sshHost(t, srv.Addr)
	host.SetFingerprint(srv.HostKey.Type(), "SHA256:someoneelse")

	h.c.UseSSH(host)
	h.waitConnected(1)
	assert.Equal(t, credential.Mismatch, h.connected[0].Verdict)
	assert.Equal(t, ssh.FingerprintSHA256(srv.HostKey), h.c.Policy().Target.Host.Fingerprint)
}

func TestControllerSSHAskThroughPromptHandler(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2", KeyboardInteractive: true})
	h := sshHarness(t)
	h.c.SetPromptHandler(func(r *PromptRequest) { r.Answer("hunter2") })
	host := sshHost(t, srv.Addr)
	host.Credential = profile.Credential{Type: profile.Ask}

	h.c.UseSSH(host)
	h.waitConnected(1)
	h.waitOutput("PTY:")
}

func TestControllerSSHCloseWhilePrompting(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{User: "alice", Password: "hunter2", KeyboardInteractive: true})
	h := sshHarness(t)
	var pending *PromptRequest
	h.c.SetPromptHandler(func(r *PromptRequest) { pending = r })
	host := sshHost(t, srv.Addr)
	host.Credential = profile.Credential{Type: profile.Ask}

	h.c.UseSSH(host)
	h.waitFor(func() bool { return pending != nil }, "prompt never arrived")
	h.c.Close()
	h.net.Wait()
	h.loop.RunPending()
	assert.Empty(t, h.connected)
	assert.Empty(t, h.closed)
}
