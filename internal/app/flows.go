// flows.go - Menu flows: connecting, host and key management, encryption
package app

import (
	"fmt"
	"log"

	"tabterm/internal/credential"
	"tabterm/internal/keys"
	"tabterm/internal/logging"
	"tabterm/internal/profile"
	"tabterm/internal/session"
	"tabterm/internal/store"
	"tabterm/internal/tabs"
)

// StartShell opens the built-in interactive shell bound to the local
// shell host
func (a *App) StartShell() (*tabs.Tab, error) {
	p, err := a.profiles()
	if err != nil {
		return nil, err
	}
	h, err := p.Load(profile.LocalShellID)
	if err != nil {
		return nil, fmt.Errorf("load local shell host: %w", err)
	}
	t := a.newTab(h.Label(), true)
	t.Controller.Bind(*h)
	t.Controller.UseInteractiveShell()
	return t, nil
}

// QuickConnect opens a transient connection that is never saved
func (a *App) QuickConnect(proto profile.Protocol, target, username string) (*tabs.Tab, error) {
	if proto == profile.LocalShell {
		return nil, fmt.Errorf("quick connect needs a network protocol, got %s", proto)
	}
	h, err := session.ParseTarget(proto, target)
	if err != nil {
		return nil, fmt.Errorf("%s target: %w", proto, err)
	}
	if username != "" && proto == profile.SSH {
		h.Username = username
	}
	log.Printf("App: quick connect to %s via %s", logging.Sanitize(h.Target()), proto)
	t := a.newTab(h.Label(), true)
	use(t, *h)
	return t, nil
}

// ConnectHost opens a saved host. The host key seen on the first
// successful login is stored.
func (a *App) ConnectHost(id int) (*tabs.Tab, error) {
	p, err := a.profiles()
	if err != nil {
		return nil, err
	}
	h, err := p.Load(id)
	if err != nil {
		return nil, err
	}
	t := a.newTab(h.Label(), true)
	t.Controller.Bind(*h)
	t.Controller.SetConnectedHandler(func(info session.ConnectInfo) {
		a.recordFingerprint(t, h, info)
	})
	use(t, *h)
	return t, nil
}

// NewHostConnect connects to a host from the new-host form and saves it,
// with the host key it presented, once the login succeeds. A failed
// attempt saves nothing.
func (a *App) NewHostConnect(h *profile.Host) (*tabs.Tab, error) {
	p, err := a.profiles()
	if err != nil {
		return nil, err
	}
	if h.ID != 0 {
		return nil, fmt.Errorf("host %d is already saved", h.ID)
	}
	a.resolveKey(h)

	t := a.newTab(h.Label(), true)
	t.Controller.SetConnectedHandler(func(info session.ConnectInfo) {
		if h.ID != 0 {
			a.recordFingerprint(t, h, info)
			return
		}
		applyFingerprint(h, info)
		if _, err := p.SaveNew(h); err != nil {
			log.Printf("App: saving new host failed: %v", err)
			return
		}
		t.Controller.Bind(*h)
		t.Title = h.Label()
		if a.onSaved != nil {
			a.onSaved(t, h)
		}
	})
	use(t, *h)
	return t, nil
}

// UpdateHostConnect connects with the edited profile of a saved host and
// writes the edit once the login succeeds
func (a *App) UpdateHostConnect(h *profile.Host) (*tabs.Tab, error) {
	p, err := a.profiles()
	if err != nil {
		return nil, err
	}
	if h.ID == 0 {
		return nil, fmt.Errorf("update of unsaved host")
	}
	a.resolveKey(h)

	saved := false
	t := a.newTab(h.Label(), true)
	t.Controller.Bind(*h)
	t.Controller.SetConnectedHandler(func(info session.ConnectInfo) {
		if saved {
			a.recordFingerprint(t, h, info)
			return
		}
		applyFingerprint(h, info)
		if err := p.Update(h); err != nil {
			log.Printf("App: updating host %d failed: %v", h.ID, err)
			return
		}
		saved = true
		t.Controller.Bind(*h)
		t.Title = h.Label()
		if a.onSaved != nil {
			a.onSaved(t, h)
		}
	})
	use(t, *h)
	return t, nil
}

// resolveKey fills in the key material of a PrivateKey selection. A
// selection with no resolvable key row degrades to Ask.
func (a *App) resolveKey(h *profile.Host) {
	c := h.Credential
	if c.Type != profile.PrivateKey || len(c.Secret) > 0 {
		return
	}
	if c.ID != 0 {
		if key, err := a.Profiles.Credential(c.ID); err == nil && key.Type == profile.PrivateKey {
			h.Credential = *key
			return
		}
	}
	log.Printf("App: key %d not found, host %d falls back to Ask", c.ID, h.ID)
	h.Credential = profile.Credential{Type: profile.Ask}
}

func use(t *tabs.Tab, h profile.Host) {
	switch h.Protocol {
	case profile.SSH:
		t.Controller.UseSSH(h)
	case profile.Telnet:
		t.Controller.UseTelnet(h)
	case profile.VNC:
		t.Controller.UseVNC(h)
	default:
		t.Controller.UseInteractiveShell()
	}
}

// applyFingerprint copies a newly seen or accepted host key into h
func applyFingerprint(h *profile.Host, info session.ConnectInfo) bool {
	if info.Presented.Fingerprint == "" || info.Verdict == credential.Match {
		return false
	}
	h.SetFingerprint(info.Presented.Type, info.Presented.Fingerprint)
	return true
}

func (a *App) recordFingerprint(t *tabs.Tab, h *profile.Host, info session.ConnectInfo) {
	if h.ID == 0 || a.Profiles == nil || !applyFingerprint(h, info) {
		return
	}
	if err := a.Profiles.RecordFingerprint(h.ID, h.FingerprintType, h.Fingerprint); err != nil {
		log.Printf("App: storing host key of %d failed: %v", h.ID, err)
		return
	}
	t.Controller.Bind(*h)
	log.Printf("App: stored %s host key for host %d (%s)", h.FingerprintType, h.ID, info.Verdict)
}

// DeleteHost removes a saved host
func (a *App) DeleteHost(id int) error {
	p, err := a.profiles()
	if err != nil {
		return err
	}
	return p.DeleteHost(id)
}

// DeleteKey removes a stored key; hosts using it fall back to Ask
func (a *App) DeleteKey(id int) error {
	p, err := a.profiles()
	if err != nil {
		return err
	}
	return p.DeleteKey(id)
}

// GenerateKey creates and stores a new key pair. algo is rsa, ecdsa or
// ed25519; bits 0 picks the algorithm's default.
func (a *App) GenerateKey(name, algo string, bits int) (*profile.Credential, error) {
	p, err := a.profiles()
	if err != nil {
		return nil, err
	}
	alg, err := keys.ParseAlgorithm(algo)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = string(alg) + " key"
	}
	return p.GenerateKey(name, alg, bits)
}

// PasteKey stores a PEM private key pasted by the user
func (a *App) PasteKey(pem []byte) (*profile.Credential, error) {
	p, err := a.profiles()
	if err != nil {
		return nil, err
	}
	c, err := p.ImportPEM(pem)
	if err != nil {
		log.Printf("App: rejected pasted key: %s", logging.Redact(err.Error()))
		return nil, fmt.Errorf("import key: %w", err)
	}
	return c, nil
}

// LocalEncryption reports whether the store is protected by a passphrase
func (a *App) LocalEncryption() bool {
	return a.Store != nil && a.Store.Protected()
}

// EnableLocalEncryption re-keys the store with a user passphrase
func (a *App) EnableLocalEncryption(passphrase, confirm string) error {
	if a.Store == nil {
		return ErrLocked
	}
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	if passphrase != confirm {
		return ErrPassphraseMismatch
	}
	if err := a.Store.ChangePassphrase(passphrase); err != nil {
		return fmt.Errorf("enable local encryption: %w", err)
	}
	a.cachePassphrase(passphrase)
	log.Printf("App: local encryption enabled")
	return nil
}

// DisableLocalEncryption re-keys the store with the internal default
func (a *App) DisableLocalEncryption() error {
	if a.Store == nil {
		return ErrLocked
	}
	if err := a.Store.ChangePassphrase(store.DefaultPassphrase); err != nil {
		return fmt.Errorf("disable local encryption: %w", err)
	}
	if a.keyring != nil {
		if err := a.keyring.Delete(); err != nil {
			log.Printf("App: %v", err)
		}
	}
	log.Printf("App: local encryption disabled")
	return nil
}

// OpenInitial opens the first tab from the startup parameters. record,
// when set, records that tab to the given file.
func (a *App) OpenInitial(in session.Initial, record string) (*tabs.Tab, error) {
	a.record = record
	t := a.newTab(initialTitle(in), in.Playback == "")
	if err := t.Controller.UseInitial(in); err != nil {
		a.Tabs.Close(t.ID)
		return nil, err
	}
	if in.Interpreter && a.Profiles != nil {
		if h, err := a.Profiles.Load(profile.LocalShellID); err == nil {
			t.Controller.Bind(*h)
		}
	}
	return t, nil
}

func initialTitle(in session.Initial) string {
	switch {
	case in.Playback != "":
		return "playback"
	case in.Interpreter:
		return "shell"
	case in.SSH != "":
		return in.SSH
	case in.Telnet != "":
		return in.Telnet
	case in.VNC != "":
		return in.VNC
	}
	return "local"
}
