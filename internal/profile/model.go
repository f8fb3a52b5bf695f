// model.go - Host, Credential and Settings models
// In-memory forms of the three persisted profile entities
package profile

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol selects the backend a host connects with
type Protocol int

const (
	SSH Protocol = iota
	Telnet
	VNC
	LocalShell
)

// String returns the protocol name as shown in forms and stored records
func (p Protocol) String() string {
	switch p {
	case SSH:
		return "SSH"
	case Telnet:
		return "Telnet"
	case VNC:
		return "VNC"
	case LocalShell:
		return "LocalShell"
	default:
		return "Unknown"
	}
}

// ParseProtocol is the inverse of Protocol.String
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.ReplaceAll(s, " ", "")) {
	case "ssh":
		return SSH, nil
	case "telnet":
		return Telnet, nil
	case "vnc", "rfb":
		return VNC, nil
	case "localshell", "local", "shell":
		return LocalShell, nil
	}
	return SSH, fmt.Errorf("unknown protocol %q", s)
}

func (p Protocol) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// CredentialType is how a host authenticates
type CredentialType int

const (
	Ask CredentialType = iota
	Password
	PrivateKey
)

func (c CredentialType) String() string {
	switch c {
	case Password:
		return "Password"
	case PrivateKey:
		return "PrivateKey"
	default:
		return "Ask"
	}
}

// ParseCredentialType accepts the form labels; anything unrecognised is Ask
func ParseCredentialType(s string) CredentialType {
	switch strings.ToLower(s) {
	case "password":
		return Password
	case "privatekey", "key", "pem", "publickey":
		return PrivateKey
	default:
		return Ask
	}
}

func (c CredentialType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CredentialType) UnmarshalText(b []byte) error {
	*c = ParseCredentialType(string(b))
	return nil
}

// Credential is a stored secret or the instruction to ask interactively.
// Password credentials belong to exactly one host. PrivateKey credentials
// are shared and only removed by DeleteKey.
type Credential struct {
	ID      int
	Type    CredentialType
	Secret  []byte
	Name    string
	KeyType string
	Created time.Time
}

// RefKind tells whether a host points at a credential row
type RefKind int

const (
	RefNone RefKind = iota
	RefTable
)

// CredentialRef is the serialized link from a host to its credential row
type CredentialRef struct {
	Kind RefKind
	ID   int
}

// ColorScheme, BeepType, TextEncoding and DeleteMode are per-host terminal preferences
type (
	ColorScheme  string
	BeepType     string
	TextEncoding string
	DeleteMode   string
)

const (
	SchemeVGA            ColorScheme = "VGA"
	SchemeSolarizedDark  ColorScheme = "SolarizedDark"
	SchemeSolarizedLight ColorScheme = "SolarizedLight"

	BeepNone   BeepType = "None"
	BeepAudio  BeepType = "Audio"
	BeepVisual BeepType = "Visual"

	EncodingUTF8  TextEncoding = "UTF8"
	EncodingASCII TextEncoding = "ASCII"

	DeleteNormal   DeleteMode = "Normal"
	DeleteControlH DeleteMode = "ControlH"
)

// PortForward is one forwarding rule; Port listens, Target is dialed
type PortForward struct {
	Port       int    `json:"port" yaml:"port"`
	TargetHost string `json:"target_host" yaml:"target_host"`
	TargetPort int    `json:"target_port" yaml:"target_port"`
}

// ParsePortForward reads "port:host:port"
func ParsePortForward(s string) (PortForward, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return PortForward{}, fmt.Errorf("port forward %q: want port:host:port", s)
	}
	port, err := strconv.Atoi(parts[0])
	if err != nil || port <= 0 || port > 65535 {
		return PortForward{}, fmt.Errorf("port forward %q: bad listen port", s)
	}
	target, err := strconv.Atoi(parts[2])
	if err != nil || target <= 0 || target > 65535 {
		return PortForward{}, fmt.Errorf("port forward %q: bad target port", s)
	}
	if parts[1] == "" {
		return PortForward{}, fmt.Errorf("port forward %q: empty target host", s)
	}
	return PortForward{Port: port, TargetHost: parts[1], TargetPort: target}, nil
}

func (f PortForward) String() string {
	return fmt.Sprintf("%d:%s:%d", f.Port, f.TargetHost, f.TargetPort)
}

// Settings is per-host session configuration, owned by exactly one host
type Settings struct {
	ID int `json:"-"`

	AgentForwarding   bool          `json:"agent_forwarding"`
	Compression       bool          `json:"compression"`
	CloseOnDisconnect bool          `json:"close_on_disconnect"`
	TerminalType      string        `json:"terminal_type"`
	StartupCommand    string        `json:"startup_command"`
	FontName          string        `json:"font_name"`
	FontSize          int           `json:"font_size"`
	ColorScheme       ColorScheme   `json:"color_scheme"`
	BeepType          BeepType      `json:"beep_type"`
	TextEncoding      TextEncoding  `json:"text_encoding"`
	DeleteMode        DeleteMode    `json:"delete_mode"`
	AutocompleteID    int           `json:"autocomplete_id"`
	Prompt            string        `json:"prompt"`
	LocalForward      []PortForward `json:"local_forward,omitempty"`
	RemoteForward     []PortForward `json:"remote_forward,omitempty"`
}

// DefaultSettings returns the settings a new host starts with
func DefaultSettings() Settings {
	return Settings{
		Compression:  true,
		TerminalType: "xterm-color",
		FontSize:     15,
		ColorScheme:  SchemeVGA,
		BeepType:     BeepNone,
		TextEncoding: EncodingUTF8,
		DeleteMode:   DeleteNormal,
		Prompt:       "$",
	}
}

// AppSettings lives at the reserved settings id 1
type AppSettings struct {
	Version             int      `json:"version"`
	DefaultHostSettings Settings `json:"default_host_settings"`
	KeepDisplayOn       bool     `json:"keep_display_on"`
}

// AppSettingsVersion is the current AppSettings layout
const AppSettingsVersion = 1

// DefaultAppSettings returns the record written on first unlock
func DefaultAppSettings() AppSettings {
	return AppSettings{Version: AppSettingsVersion, DefaultHostSettings: DefaultSettings()}
}

// Host is a connection target. ID 0 means transient (not saved).
type Host struct {
	ID              int
	Protocol        Protocol
	Hostname        string
	Port            int
	Username        string
	DisplayName     string
	Folder          string
	Fingerprint     string
	FingerprintType string

	Credential Credential
	Settings   Settings

	UpdatedAt time.Time
}

// NewHost returns a transient SSH host with default settings
func NewHost() *Host {
	return &Host{Protocol: SSH, Settings: DefaultSettings()}
}

// LocalShellHost is the built-in host bound to the interactive shell
func LocalShellHost() *Host {
	return &Host{Protocol: LocalShell, DisplayName: "Local Shell", Settings: DefaultSettings()}
}

// DefaultPort is the well-known port of the host's protocol
func (h *Host) DefaultPort() int {
	switch h.Protocol {
	case SSH:
		return 22
	case Telnet:
		return 23
	case VNC:
		return 5900
	default:
		return 0
	}
}

// SetPort sets the port; 0 resolves to DefaultPort
func (h *Host) SetPort(p int) {
	if p == 0 {
		p = h.DefaultPort()
	}
	h.Port = p
}

// EffectivePort is Port with 0 resolved to the protocol default
func (h *Host) EffectivePort() int {
	if h.Port == 0 {
		return h.DefaultPort()
	}
	return h.Port
}

// SetProtocol switches protocol by name. Telnet drops the username and
// credential; VNC drops the username.
func (h *Host) SetProtocol(name string) error {
	p, err := ParseProtocol(name)
	if err != nil {
		return err
	}
	h.Protocol = p
	switch p {
	case Telnet:
		h.Username = ""
		h.Credential = Credential{}
	case VNC:
		h.Username = ""
	}
	return nil
}

// SetFingerprint records the last host key seen for this host
func (h *Host) SetFingerprint(typ, fp string) {
	h.FingerprintType = typ
	h.Fingerprint = fp
}

// Hostport is the stored form of the address: the port is appended only
// when it is not 22. This holds for every protocol, so a Telnet or VNC
// host saved on port 22 reloads on its protocol's default port.
func (h *Host) Hostport() string {
	port := h.EffectivePort()
	if port == 22 || port == 0 {
		return h.Hostname
	}
	return net.JoinHostPort(h.Hostname, strconv.Itoa(port))
}

// Target is the dialable host:port
func (h *Host) Target() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.EffectivePort()))
}

// setHostport splits a stored hostport back into hostname and port
func (h *Host) setHostport(hp string) {
	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		h.Hostname = strings.Trim(hp, "[]")
		h.SetPort(0)
		return
	}
	n, _ := strconv.Atoi(port)
	h.Hostname = host
	h.SetPort(n)
}

// CredentialRef is None for Ask, otherwise a link to the credential row
func (h *Host) CredentialRef() CredentialRef {
	if h.Credential.Type == Ask {
		return CredentialRef{Kind: RefNone}
	}
	return CredentialRef{Kind: RefTable, ID: h.Credential.ID}
}

// Label is the display name, or [user@]host[:port] when none is set
func (h *Host) Label() string {
	if h.DisplayName != "" {
		return h.DisplayName
	}
	return h.defaultDisplayName()
}

func (h *Host) defaultDisplayName() string {
	if h.Protocol == LocalShell {
		return "Local Shell"
	}
	name := h.Hostname
	if h.Username != "" {
		name = h.Username + "@" + name
	}
	if p := h.EffectivePort(); p != h.DefaultPort() {
		name += ":" + strconv.Itoa(p)
	}
	return name
}
