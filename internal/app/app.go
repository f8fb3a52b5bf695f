// app.go - Process-scoped application context
// One App owns the profile store, the main loop, the network context and
// the tabs. Every method runs on the main context.
package app

import (
	"errors"
	"fmt"
	"log"
	"time"

	"tabterm/internal/config"
	"tabterm/internal/profile"
	"tabterm/internal/secret"
	"tabterm/internal/session"
	"tabterm/internal/store"
	"tabterm/internal/tabs"
)

var (
	// ErrLocked is returned by profile operations before Unlock
	ErrLocked = errors.New("profile store is locked")
	// ErrEmptyPassphrase rejects enabling encryption without a passphrase
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")
	// ErrPassphraseMismatch rejects a confirmation that differs
	ErrPassphraseMismatch = errors.New("passphrases do not match")
)

// unlockAttempts is how often the passphrase is asked before giving up
const unlockAttempts = 3

// Options configure New
type Options struct {
	Config *config.Config
	// Env replaces the session environment; nil builds the real one
	Env *session.Env
	// NewSurface returns the surface of a new tab
	NewSurface func() tabs.Surface
	// AskPassphrase asks for the store passphrase during Unlock
	AskPassphrase func(prompt string) (string, error)
}

// App is the process-wide context
type App struct {
	cfg *config.Config

	Loop     *session.Loop
	Net      *session.Network
	Env      *session.Env
	Tabs     *tabs.Manager
	Store    *store.Store
	Profiles *profile.Profiles

	newSurface func() tabs.Surface
	ask        func(prompt string) (string, error)
	keyring    *secret.Keyring

	// record is the recording path for the next tab only
	record    string
	recorders map[string]*session.Recorder

	onPrompt      func(*tabs.Tab, *session.PromptRequest)
	onFingerprint func(*tabs.Tab, *session.FingerprintRequest)
	onSaved       func(*tabs.Tab, *profile.Host)
}

// New builds the context; the store stays locked until Unlock
func New(opts Options) *App {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	env := opts.Env
	if env == nil {
		env = session.NewEnv(session.NewLoop(), session.NewNetwork(), SessionOptions(cfg))
	}

	a := &App{
		cfg:        cfg,
		Loop:       env.Loop,
		Net:        env.Net,
		Env:        env,
		Tabs:       tabs.NewManager(env),
		newSurface: opts.NewSurface,
		ask:        opts.AskPassphrase,
		recorders:  make(map[string]*session.Recorder),
	}
	if cfg.Keyring {
		a.keyring = secret.New(cfg.DBPath())
	}
	a.Tabs.SetRemovedHandler(a.tabRemoved)
	return a
}

// SessionOptions maps the configuration onto backend defaults
func SessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	if cfg.Term != "" {
		opts.Term = cfg.Term
	}
	if cfg.ConnectTimeout > 0 {
		opts.ConnectTimeout = cfg.ConnectTimeout
	}
	opts.KeepAliveInterval = cfg.KeepAliveInterval
	return opts
}

// Config is the configuration the app was built with
func (a *App) Config() *config.Config { return a.cfg }

// SetPromptHandler answers backend prompts for every tab
func (a *App) SetPromptHandler(fn func(*tabs.Tab, *session.PromptRequest)) { a.onPrompt = fn }

// SetFingerprintHandler decides on changed host keys for every tab
func (a *App) SetFingerprintHandler(fn func(*tabs.Tab, *session.FingerprintRequest)) {
	a.onFingerprint = fn
}

// SetSavedHandler is called when a connect-and-save flow stores its host
func (a *App) SetSavedHandler(fn func(*tabs.Tab, *profile.Host)) { a.onSaved = fn }

// Unlock opens the profile store: with the default passphrase, then the
// cached one, then by asking. Wrong passphrases leave the store locked.
func (a *App) Unlock() error {
	if a.Store != nil {
		return nil
	}
	if err := a.cfg.EnsureDataDir(); err != nil {
		return err
	}
	path := a.cfg.DBPath()
	st, err := store.Open(path, store.DefaultPassphrase)
	if errors.Is(err, store.ErrDecrypt) {
		st, err = a.unlockProtected(path)
	}
	if err != nil {
		return err
	}

	profiles := profile.New(st)
	if err := profiles.Bootstrap(); err != nil {
		st.Close()
		return fmt.Errorf("bootstrap profiles: %w", err)
	}
	a.Store, a.Profiles = st, profiles
	return nil
}

func (a *App) unlockProtected(path string) (*store.Store, error) {
	if a.keyring != nil {
		pw, err := a.keyring.Get()
		switch {
		case err == nil:
			st, err := store.Open(path, pw)
			if err == nil {
				log.Printf("App: unlocked store with cached passphrase")
				return st, nil
			}
			if !errors.Is(err, store.ErrDecrypt) {
				return nil, err
			}
			log.Printf("App: cached passphrase no longer opens the store")
			if err := a.keyring.Delete(); err != nil {
				log.Printf("App: %v", err)
			}
		case !errors.Is(err, secret.ErrNotFound):
			log.Printf("App: %v", err)
		}
	}

	if a.ask == nil {
		return nil, fmt.Errorf("%w: store is protected", store.ErrDecrypt)
	}
	var last error
	for i := 1; i <= unlockAttempts; i++ {
		pw, err := a.ask("Profile store passphrase: ")
		if err != nil {
			return nil, err
		}
		st, err := store.Open(path, pw)
		if err == nil {
			a.cachePassphrase(pw)
			return st, nil
		}
		if !errors.Is(err, store.ErrDecrypt) {
			return nil, err
		}
		last = err
		log.Printf("App: wrong store passphrase (attempt %d of %d)", i, unlockAttempts)
	}
	return nil, last
}

func (a *App) cachePassphrase(pw string) {
	if a.keyring == nil {
		return
	}
	if err := a.keyring.Set(pw); err != nil {
		log.Printf("App: %v", err)
	}
}

func (a *App) profiles() (*profile.Profiles, error) {
	if a.Profiles == nil {
		return nil, ErrLocked
	}
	return a.Profiles, nil
}

// newTab opens a tab with the app's prompt and host key handlers. A
// recordable tab records when --record or record_session asks for it.
func (a *App) newTab(title string, recordable bool) *tabs.Tab {
	t := a.Tabs.Add(title, a.newSurface())
	c := t.Controller
	c.SetPromptHandler(func(req *session.PromptRequest) {
		if a.onPrompt == nil {
			req.Cancel()
			return
		}
		a.onPrompt(t, req)
	})
	c.SetFingerprintHandler(func(req *session.FingerprintRequest) {
		if a.onFingerprint == nil {
			req.Reject()
			return
		}
		a.onFingerprint(t, req)
	})

	path := a.record
	a.record = ""
	if recordable {
		if path == "" && a.cfg.RecordSession {
			path = a.cfg.RecordingPath(time.Now(), t.ID[:8])
		}
		if path != "" {
			a.startRecording(t, path)
		}
	}
	return t
}

func (a *App) startRecording(t *tabs.Tab, path string) {
	r, err := session.CreateRecorder(path)
	if err != nil {
		log.Printf("App: not recording %s: %v", t.ID, err)
		return
	}
	t.Controller.SetRecorder(r)
	a.recorders[t.ID] = r
}

func (a *App) tabRemoved(t *tabs.Tab) {
	r, ok := a.recorders[t.ID]
	if !ok {
		return
	}
	delete(a.recorders, t.ID)
	if err := r.Close(); err != nil {
		log.Printf("App: closing recording of %s: %v", t.ID, err)
	}
}

// Close tears down every tab, waits for the network context and closes
// the store
func (a *App) Close() error {
	a.Tabs.CloseAll()
	a.Loop.RunPending()
	a.Net.Shutdown()
	a.Loop.RunPending()
	a.Loop.Close()
	if a.Store == nil {
		return nil
	}
	err := a.Store.Close()
	a.Store, a.Profiles = nil, nil
	return err
}
