// controller.go - Session controller: one tab's backend state machine
// Every method runs on the main context (the Loop goroutine). Backend I/O
// runs on the Network and reports back through Loop.Post; results for an
// attachment that has since been replaced are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"golang.org/x/crypto/ssh"

	"tabterm/internal/credential"
	"tabterm/internal/profile"
)

// Initial are the process startup parameters for the first controller
type Initial struct {
	Playback      string
	Interpreter   bool
	SSH           string
	Login         string
	KeyFile       []byte
	Telnet        string
	VNC           string
	Command       string
	Compress      bool
	ForwardAgent  bool
	LocalForward  []profile.PortForward
	RemoteForward []profile.PortForward
}

// attachment is one live (or opening) backend
type attachment struct {
	kind    State
	backend Backend
	ctx     context.Context
	cancel  context.CancelFunc
	opening bool
	// afterOpen is sent first once open, then pending
	afterOpen [][]byte
	pending   [][]byte
	out       *byteQueue
	size      *sizeSlot
	in        inbox
	info      ConnectInfo
}

// Controller owns at most one live backend and mediates between it and
// the surface
type Controller struct {
	env     *Env
	surface Surface

	host      profile.Host
	state     State
	att       *attachment
	policy    ReconnectPolicy
	shell     *interpreter
	recorder  *Recorder
	afterOpen [][]byte

	onPrompt      func(*PromptRequest)
	onFingerprint func(*FingerprintRequest)
	onConnected   func(ConnectInfo)
	onClosed      func(ClosedEvent)
	onStateChange func(old, new State)
}

// NewController returns an uninitialized controller rendering into surface
func NewController(env *Env, surface Surface) *Controller {
	return &Controller{env: env, surface: surface, state: StateUninitialized}
}

// SetPromptHandler sets who answers backend prompts. Without one every
// prompt is cancelled.
func (c *Controller) SetPromptHandler(fn func(*PromptRequest)) { c.onPrompt = fn }

// SetFingerprintHandler sets who decides on a changed host key. Without
// one a changed key is rejected.
func (c *Controller) SetFingerprintHandler(fn func(*FingerprintRequest)) { c.onFingerprint = fn }

// SetConnectedHandler is called after a network backend logs in
func (c *Controller) SetConnectedHandler(fn func(ConnectInfo)) { c.onConnected = fn }

// SetCloseHandler is called when the backend ends or fails to open
func (c *Controller) SetCloseHandler(fn func(ClosedEvent)) { c.onClosed = fn }

// SetStateChangeHandler is called on every state change
func (c *Controller) SetStateChangeHandler(fn func(old, new State)) { c.onStateChange = fn }

// SetRecorder records every byte delivered to the surface
func (c *Controller) SetRecorder(r *Recorder) { c.recorder = r }

// State is the current backend tag
func (c *Controller) State() State { return c.state }

// Policy is the reconnect policy of the last network transition
func (c *Controller) Policy() ReconnectPolicy { return c.policy }

// Host is the profile the controller is bound to; ID 0 when transient
func (c *Controller) Host() profile.Host { return c.host }

// Bind attaches the controller to a saved profile. A reconnect target for
// the same address picks up the profile's ID and stored host key.
func (c *Controller) Bind(h profile.Host) {
	c.host = h
	t := &c.policy.Target.Host
	if c.policy.CanReconnect() && t.Protocol == h.Protocol && t.Target() == h.Target() {
		t.ID = h.ID
		t.SetFingerprint(h.FingerprintType, h.Fingerprint)
	}
}

// Networked reports whether the current backend is a network protocol
func (c *Controller) Networked() bool {
	switch c.state {
	case StateSSH, StateNetwork, StateVNC:
		return true
	}
	return false
}

// Target is the address of the current network backend
func (c *Controller) Target() string {
	if !c.policy.CanReconnect() {
		return ""
	}
	return c.policy.Target.Host.Target()
}

func (c *Controller) setState(s State) {
	old := c.state
	c.state = s
	if old != s {
		log.Printf("Session state change: %s -> %s", old, s)
		if c.onStateChange != nil {
			c.onStateChange(old, s)
		}
	}
}

// deliver writes to the surface and the recording
func (c *Controller) deliver(p []byte) {
	if len(p) == 0 {
		return
	}
	if _, err := c.surface.Write(p); err != nil {
		log.Printf("Session: surface write failed: %v", err)
	}
	c.recorder.RecordOutput(p)
}

func (c *Controller) print(s string) { c.deliver([]byte(s)) }

// detach tears down the current backend. Nothing it still reports will
// reach the surface.
func (c *Controller) detach() {
	att := c.att
	if att == nil {
		return
	}
	c.att = nil
	att.cancel()
	att.out.close()
	att.size.close()
	if !att.opening {
		b := att.backend
		c.env.Net.Go(func(context.Context) {
			if err := b.Close(); err != nil {
				log.Printf("Session: close %s: %v", att.kind, err)
			}
		})
	}
}

// begin replaces the current backend with the one build returns and
// opens it on the network context
func (c *Controller) begin(kind State, build func(att *attachment) Backend) {
	c.detach()
	c.shell = nil
	ctx, cancel := context.WithCancel(c.env.Net.Context())
	att := &attachment{
		kind:      kind,
		ctx:       ctx,
		cancel:    cancel,
		opening:   true,
		afterOpen: c.afterOpen,
		out:       newByteQueue(),
		size:      newSizeSlot(),
	}
	c.afterOpen = nil
	att.backend = build(att)
	c.att = att
	c.setState(kind)

	b := att.backend
	c.env.Net.Go(func(context.Context) {
		err := b.Open(ctx)
		if err == nil && ctx.Err() != nil {
			b.Close()
			err = ctx.Err()
		}
		c.env.Loop.Post(func() { c.opened(att, err) })
	})
}

func (c *Controller) opened(att *attachment, err error) {
	if att != c.att {
		if err == nil {
			c.env.Net.Go(func(context.Context) { att.backend.Close() })
		}
		return
	}
	if err != nil {
		c.fail(att, err)
		return
	}
	att.opening = false
	c.startIO(att)

	att.size.put(c.surface.Size())

	for _, p := range att.afterOpen {
		att.out.push(p)
	}
	att.afterOpen = nil
	for _, p := range att.pending {
		att.out.push(p)
	}
	att.pending = nil

	switch att.kind {
	case StateSSH, StateNetwork, StateVNC:
		if att.info.Verdict != credential.Match && att.info.Presented.Fingerprint != "" {
			c.policy.Target.Host.SetFingerprint(att.info.Presented.Type, att.info.Presented.Fingerprint)
		}
		log.Printf("Session: connected to %s via %s", att.info.Target, att.kind)
		if c.onConnected != nil {
			c.onConnected(att.info)
		}
	}
}

// startIO runs the reader and the ordered writer for att
func (c *Controller) startIO(att *attachment) {
	b := att.backend
	c.env.Net.Go(func(context.Context) {
		buf := make([]byte, 32*1024)
		for {
			n, err := b.Read(buf)
			if n > 0 && att.in.push(buf[:n]) {
				c.env.Loop.Post(func() { c.flushInbox(att) })
			}
			if err != nil {
				c.env.Loop.Post(func() { c.backendDone(att, err) })
				return
			}
		}
	})
	c.env.Net.Go(func(context.Context) {
		for {
			items, ok := att.out.wait()
			if !ok {
				return
			}
			for _, p := range items {
				if _, err := b.Write(p); err != nil {
					log.Printf("Session: write to %s failed: %v", att.kind, err)
					return
				}
			}
		}
	})
	c.env.Net.Go(func(context.Context) {
		for {
			cols, rows, ok := att.size.wait()
			if !ok {
				return
			}
			if err := b.Resize(cols, rows); err != nil {
				log.Printf("Session: resize %s: %v", att.kind, err)
			}
		}
	})
}

func (c *Controller) flushInbox(att *attachment) {
	p := att.in.take()
	if att != c.att {
		return
	}
	c.deliver(p)
}

// backendDone handles a backend that ended on its own
func (c *Controller) backendDone(att *attachment, err error) {
	if att != c.att {
		return
	}
	c.flushInbox(att)
	c.detach()
	log.Printf("Session: %s ended: %v", att.kind, err)

	switch att.kind {
	case StateLocalPTY:
		c.closed(att.kind, nil, Teardown)
	case StatePlayback:
		c.print("\r\n[playback finished]\r\n")
		c.closed(att.kind, nil, Stay)
	default:
		d := c.policy.Decide()
		if d == Offer {
			c.print("\r\nsession ended.\r\n\r\n")
		}
		c.closed(att.kind, nil, d)
		if d == Offer && c.policy.FromShell {
			c.enterShell()
		}
	}
}

// fail reports a backend that could not be opened
func (c *Controller) fail(att *attachment, err error) {
	c.att = nil
	att.cancel()
	att.out.close()
	att.size.close()

	if !errors.Is(err, credential.ErrAuth) && !errors.Is(err, credential.ErrFingerprintMismatch) {
		err = &ConnectError{Target: att.info.Target, Err: err}
	}
	log.Printf("Session: %s open failed: %v", att.kind, err)
	c.print("\r\n" + err.Error() + "\r\n")

	switch att.kind {
	case StateLocalPTY:
		c.closed(att.kind, err, Teardown)
	case StatePlayback:
		c.closed(att.kind, err, Stay)
	default:
		d := c.policy.Decide()
		c.closed(att.kind, err, d)
		if d == Offer && c.policy.FromShell {
			c.enterShell()
		}
	}
}

func (c *Controller) closed(kind State, err error, d Decision) {
	c.setState(StateClosed)
	if c.onClosed != nil {
		c.onClosed(ClosedEvent{State: kind, Err: err, Decision: d})
	}
}

// UseLocalPTY switches to the user's shell on a local PTY
func (c *Controller) UseLocalPTY() {
	c.policy = ReconnectPolicy{}
	cols, rows := c.surface.Size()
	c.begin(StateLocalPTY, func(att *attachment) Backend {
		return c.env.Backends.LocalPTY(PTYConfig{Term: c.env.Options.Term, Cols: cols, Rows: rows})
	})
}

// UsePlayback replays a recording into the surface
func (c *Controller) UsePlayback(path string) {
	c.policy = ReconnectPolicy{}
	c.begin(StatePlayback, func(att *attachment) Backend {
		att.info.Target = path
		return c.env.Backends.Playback(path)
	})
}

// UseInteractiveShell switches to the built-in command interpreter
func (c *Controller) UseInteractiveShell() {
	c.policy = ReconnectPolicy{}
	c.enterShell()
}

func (c *Controller) enterShell() {
	c.detach()
	c.shell = newInterpreter(c)
	c.setState(StateInteractiveShell)
	c.shell.start()
}

// UseSSH connects to h over SSH
func (c *Controller) UseSSH(h profile.Host) { c.connect(h, profile.SSH, false) }

// UseTelnet connects to h over telnet
func (c *Controller) UseTelnet(h profile.Host) { c.connect(h, profile.Telnet, false) }

// UseVNC connects to h over RFB
func (c *Controller) UseVNC(h profile.Host) { c.connect(h, profile.VNC, false) }

// Reconnect re-runs the last network transition with the same parameters
func (c *Controller) Reconnect() error {
	if c.state != StateClosed && c.state != StateInteractiveShell {
		return fmt.Errorf("%w: session is %s", ErrNoReconnect, c.state)
	}
	if !c.policy.CanReconnect() {
		return ErrNoReconnect
	}
	p := c.policy
	log.Printf("Session: reconnecting to %s", p.Target.Host.Target())
	c.connect(p.Target.Host, p.Target.Host.Protocol, p.FromShell)
	return nil
}

func (c *Controller) connect(h profile.Host, proto profile.Protocol, fromShell bool) {
	h.Protocol = proto
	kind := stateFor(proto)
	c.policy = ReconnectPolicy{
		CloseOnDisconnect: h.Settings.CloseOnDisconnect,
		FromShell:         fromShell,
		Target:            newTarget(kind, h),
	}
	h = c.policy.Target.Host

	opts := c.env.Options
	cols, rows := c.surface.Size()
	target := h.Target()

	switch kind {
	case StateSSH:
		if cmd := h.Settings.StartupCommand; cmd != "" {
			c.afterOpen = append(c.afterOpen, []byte(cmd+"\r"))
		}
		term := h.Settings.TerminalType
		if term == "" {
			term = opts.Term
		}
		c.begin(StateSSH, func(att *attachment) Backend {
			att.info = ConnectInfo{State: StateSSH, Target: target}
			return c.env.Backends.SSH(SSHConfig{
				Addr:              target,
				Username:          h.Username,
				Term:              term,
				Cols:              cols,
				Rows:              rows,
				Timeout:           opts.ConnectTimeout,
				Credential:        h.Credential,
				HostKeyCallback:   c.hostKeyCallback(att, h),
				Prompt:            c.prompter(att),
				UseAgent:          opts.UseAgent,
				AgentForwarding:   h.Settings.AgentForwarding,
				Compression:       h.Settings.Compression,
				LocalForward:      h.Settings.LocalForward,
				RemoteForward:     h.Settings.RemoteForward,
				KeepAliveInterval: opts.KeepAliveInterval,
				KeepAliveMaxCount: opts.KeepAliveMaxCount,
			})
		})
	case StateNetwork:
		c.begin(StateNetwork, func(att *attachment) Backend {
			att.info = ConnectInfo{State: StateNetwork, Target: target}
			return c.env.Backends.Telnet(TelnetConfig{
				Addr:    target,
				Term:    opts.Term,
				Cols:    cols,
				Rows:    rows,
				Timeout: opts.ConnectTimeout,
			})
		})
	case StateVNC:
		c.begin(StateVNC, func(att *attachment) Backend {
			att.info = ConnectInfo{State: StateVNC, Target: target}
			prompt := c.prompter(att)
			cred := h.Credential
			return c.env.Backends.VNC(VNCConfig{
				Addr:    target,
				Timeout: opts.ConnectTimeout,
				Password: func(ctx context.Context) (string, error) {
					if cred.Type == profile.Password {
						return string(cred.Secret), nil
					}
					return prompt(ctx, "VNC password: ", false)
				},
			})
		})
	default:
		c.UseLocalPTY()
	}
}

// prompter routes a backend prompt to the prompt handler on the main
// context and waits for the answer
func (c *Controller) prompter(att *attachment) credential.PromptFunc {
	return func(ctx context.Context, prompt string, echo bool) (string, error) {
		req := newPromptRequest(prompt, echo)
		if !c.env.Loop.Post(func() { c.askPrompt(att, req) }) {
			return "", credential.ErrPromptCancelled
		}
		return req.wait(ctx)
	}
}

func (c *Controller) askPrompt(att *attachment, req *PromptRequest) {
	if att != c.att || c.onPrompt == nil {
		req.Cancel()
		return
	}
	c.onPrompt(req)
}

// hostKeyCallback checks the presented key against the host's stored
// fingerprint. A changed key waits for the fingerprint handler.
func (c *Controller) hostKeyCallback(att *attachment, h profile.Host) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		presented := credential.PresentedKey(key)
		verdict, err := credential.VerifyFingerprint(h.Target(), h.FingerprintType, h.Fingerprint, presented)
		att.info.Presented, att.info.Verdict = presented, verdict
		if verdict != credential.Mismatch {
			return nil
		}

		log.Printf("SSH: host key for %s changed (%s)", h.Target(), presented.Type)
		var mismatch *credential.FingerprintMismatchError
		errors.As(err, &mismatch)
		req := newFingerprintRequest(mismatch)
		if !c.env.Loop.Post(func() { c.askFingerprint(att, req) }) {
			return err
		}
		if req.wait(att.ctx) {
			log.Printf("SSH: changed host key for %s accepted", h.Target())
			return nil
		}
		return err
	}
}

func (c *Controller) askFingerprint(att *attachment, req *FingerprintRequest) {
	if att != c.att || c.onFingerprint == nil {
		req.Reject()
		return
	}
	c.onFingerprint(req)
}

// UseInitial opens the first controller from the startup parameters:
// playback, then interpreter, ssh, telnet, vnc, and the local shell last
func (c *Controller) UseInitial(in Initial) error {
	if in.Command != "" && in.Playback == "" {
		c.afterOpen = append(c.afterOpen, []byte(in.Command+"\n"))
	}

	switch {
	case in.Playback != "":
		c.UsePlayback(in.Playback)
	case in.Interpreter:
		c.UseInteractiveShell()
		for _, p := range c.afterOpen {
			c.shell.input(p)
		}
		c.afterOpen = nil
	case in.SSH != "":
		h, err := ParseTarget(profile.SSH, in.SSH)
		if err != nil {
			c.afterOpen = nil
			return fmt.Errorf("ssh target: %w", err)
		}
		if in.Login != "" {
			h.Username = in.Login
		}
		if len(in.KeyFile) > 0 {
			h.Credential = profile.Credential{Type: profile.PrivateKey, Secret: in.KeyFile}
		}
		h.Settings.Compression = in.Compress
		h.Settings.AgentForwarding = in.ForwardAgent
		h.Settings.LocalForward = in.LocalForward
		h.Settings.RemoteForward = in.RemoteForward
		c.UseSSH(*h)
	case in.Telnet != "":
		h, err := ParseTarget(profile.Telnet, in.Telnet)
		if err != nil {
			c.afterOpen = nil
			return fmt.Errorf("telnet target: %w", err)
		}
		c.UseTelnet(*h)
	case in.VNC != "":
		h, err := ParseTarget(profile.VNC, in.VNC)
		if err != nil {
			c.afterOpen = nil
			return fmt.Errorf("vnc target: %w", err)
		}
		c.UseVNC(*h)
	default:
		c.UseLocalPTY()
	}
	return nil
}

// Write sends user input to the backend in submission order. Input while
// opening is held until the backend is up; input while closed is dropped.
func (c *Controller) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	c.recorder.RecordInput(p)
	if c.shell != nil {
		c.shell.input(p)
		return
	}
	c.send(p)
}

// send queues p for the current backend
func (c *Controller) send(p []byte) {
	att := c.att
	if att == nil {
		return
	}
	if att.opening {
		att.pending = append(att.pending, append([]byte(nil), p...))
		return
	}
	att.out.push(p)
}

// Resize passes new surface dimensions to the backend
func (c *Controller) Resize(cols, rows int) {
	att := c.att
	if att == nil || att.opening {
		return
	}
	att.size.put(cols, rows)
}

// Close tears down the backend. Callbacks still in flight become no-ops.
func (c *Controller) Close() {
	c.detach()
	c.shell = nil
	c.afterOpen = nil
	c.setState(StateClosed)
}
