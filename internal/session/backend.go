// backend.go - Backend contract and the factories a controller opens
package session

import (
	"context"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"tabterm/internal/credential"
	"tabterm/internal/profile"
)

// State is the tag of the backend a controller currently owns
type State int

const (
	StateUninitialized State = iota
	StateLocalPTY
	StateInteractiveShell
	// StateNetwork is a Telnet connection
	StateNetwork
	StateSSH
	StateVNC
	StatePlayback
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateLocalPTY:
		return "LocalPTY"
	case StateInteractiveShell:
		return "InteractiveShell"
	case StateNetwork:
		return "Network"
	case StateSSH:
		return "SSH"
	case StateVNC:
		return "VNC"
	case StatePlayback:
		return "Playback"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// stateFor maps a host protocol to the backend that serves it
func stateFor(p profile.Protocol) State {
	switch p {
	case profile.SSH:
		return StateSSH
	case profile.Telnet:
		return StateNetwork
	case profile.VNC:
		return StateVNC
	default:
		return StateLocalPTY
	}
}

// Surface is the terminal a controller renders into
type Surface interface {
	Write(p []byte) (int, error)
	Size() (cols, rows int)
}

// Backend drives one protocol. Open may block and must honour ctx.
// Read blocks until data arrives and fails once the backend is closed.
type Backend interface {
	Open(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Close() error
}

// Options are the process-wide defaults applied to every backend
type Options struct {
	Term              string
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveMaxCount int
	UseAgent          bool
	NSLookupTimeout   time.Duration
}

// DefaultOptions returns the defaults used when nothing is configured
func DefaultOptions() Options {
	return Options{
		Term:              "xterm-256color",
		ConnectTimeout:    30 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		KeepAliveMaxCount: 3,
		UseAgent:          true,
		NSLookupTimeout:   10 * time.Second,
	}
}

// PTYConfig configures a local shell
type PTYConfig struct {
	Shell string
	Args  []string
	Term  string
	Cols  int
	Rows  int
}

// SSHConfig configures one SSH connection attempt
type SSHConfig struct {
	Addr     string
	Username string
	Term     string
	Cols     int
	Rows     int
	Timeout  time.Duration

	Credential      profile.Credential
	HostKeyCallback ssh.HostKeyCallback
	// Prompt asks the user for a value: a missing login name, a password
	// or a key passphrase
	Prompt credential.PromptFunc

	UseAgent          bool
	AgentForwarding   bool
	Compression       bool
	LocalForward      []profile.PortForward
	RemoteForward     []profile.PortForward
	KeepAliveInterval time.Duration
	KeepAliveMaxCount int
}

// TelnetConfig configures a telnet connection
type TelnetConfig struct {
	Addr    string
	Term    string
	Cols    int
	Rows    int
	Timeout time.Duration
}

// VNCConfig configures an RFB connection
type VNCConfig struct {
	Addr    string
	Timeout time.Duration
	// Password supplies the VNC password when the server asks for one
	Password func(ctx context.Context) (string, error)
}

// Backends builds backends; tests swap in fakes
type Backends struct {
	LocalPTY func(PTYConfig) Backend
	SSH      func(SSHConfig) Backend
	Telnet   func(TelnetConfig) Backend
	VNC      func(VNCConfig) Backend
	Playback func(path string) Backend
}

// DefaultBackends returns the real protocol backends
func DefaultBackends() Backends {
	return Backends{
		LocalPTY: func(cfg PTYConfig) Backend { return NewPTYBackend(cfg) },
		SSH:      func(cfg SSHConfig) Backend { return NewSSHBackend(cfg) },
		Telnet:   func(cfg TelnetConfig) Backend { return NewTelnetBackend(cfg) },
		VNC:      func(cfg VNCConfig) Backend { return NewVNCBackend(cfg) },
		Playback: func(path string) Backend { return NewPlaybackBackend(path, 1) },
	}
}

// HostResolver looks up names for the nslookup command
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Env is what every controller in the process shares
type Env struct {
	Loop     *Loop
	Net      *Network
	Backends Backends
	Resolver HostResolver
	Options  Options
}

// NewEnv returns an environment with real backends and the system resolver
func NewEnv(loop *Loop, network *Network, opts Options) *Env {
	return &Env{
		Loop:     loop,
		Net:      network,
		Backends: DefaultBackends(),
		Resolver: net.DefaultResolver,
		Options:  opts,
	}
}
