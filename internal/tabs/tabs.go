// tabs.go - Tab manager: the ordered set of open sessions
// Methods run on the main context; the RWMutex lets other goroutines take
// a consistent snapshot of the tab list.
package tabs

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"tabterm/internal/session"
)

// ErrNoTab is returned for an id that is not open
var ErrNoTab = errors.New("no such tab")

// Surface is what a tab renders into. Only the focused tab is active.
type Surface interface {
	session.Surface
	Resize(cols, rows int)
	Activate() error
	Deactivate()
}

// Tab is one open session
type Tab struct {
	ID         string
	Title      string
	Controller *session.Controller
	Surface    Surface
}

// Label is the title, or the session state when there is none
func (t *Tab) Label() string {
	if t.Title != "" {
		return t.Title
	}
	return t.Controller.State().String()
}

// Manager owns the open tabs and which one has focus
type Manager struct {
	env *session.Env

	mu      sync.RWMutex
	order   []*Tab
	byID    map[string]*Tab
	focused *Tab

	onClosed  func(*Tab, session.ClosedEvent)
	onRemoved func(*Tab)
	onEmpty   func()
}

// NewManager returns an empty manager creating controllers in env
func NewManager(env *session.Env) *Manager {
	return &Manager{env: env, byID: make(map[string]*Tab)}
}

// SetClosedHandler is called for every close event a tab's controller
// reports, before a teardown decision removes the tab
func (m *Manager) SetClosedHandler(fn func(*Tab, session.ClosedEvent)) { m.onClosed = fn }

// SetRemovedHandler is called for every tab that is closed
func (m *Manager) SetRemovedHandler(fn func(*Tab)) { m.onRemoved = fn }

// SetEmptyHandler is called when the last tab closes
func (m *Manager) SetEmptyHandler(fn func()) { m.onEmpty = fn }

// Add opens a tab rendering into surf and focuses it. The controller is
// uninitialized; the caller picks its backend.
func (m *Manager) Add(title string, surf Surface) *Tab {
	t := &Tab{
		ID:         uuid.New().String(),
		Title:      title,
		Controller: session.NewController(m.env, surf),
		Surface:    surf,
	}
	t.Controller.SetCloseHandler(func(ev session.ClosedEvent) { m.handleClosed(t, ev) })

	m.mu.Lock()
	m.order = append(m.order, t)
	m.byID[t.ID] = t
	m.mu.Unlock()

	log.Printf("Tabs: opened %s (%s)", t.ID, title)
	m.focus(t)
	return t
}

func (m *Manager) handleClosed(t *Tab, ev session.ClosedEvent) {
	if m.onClosed != nil {
		m.onClosed(t, ev)
	}
	if ev.Decision == session.Teardown {
		if err := m.Close(t.ID); err != nil && !errors.Is(err, ErrNoTab) {
			log.Printf("Tabs: teardown of %s: %v", t.ID, err)
		}
	}
}

// Get returns the tab with id
func (m *Manager) Get(id string) (*Tab, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTab, id)
	}
	return t, nil
}

// Tabs returns the open tabs in order
func (m *Manager) Tabs() []*Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Tab(nil), m.order...)
}

// Len is the number of open tabs
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// Focused returns the focused tab, nil when none is open
func (m *Manager) Focused() *Tab {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.focused
}

// Focus makes the tab with id the focused one
func (m *Manager) Focus(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	m.focus(t)
	return nil
}

func (m *Manager) focus(t *Tab) {
	m.mu.Lock()
	old := m.focused
	m.focused = t
	m.mu.Unlock()

	if old == t {
		return
	}
	if old != nil {
		old.Surface.Deactivate()
	}
	if t != nil {
		if err := t.Surface.Activate(); err != nil {
			log.Printf("Tabs: activating %s: %v", t.ID, err)
		}
	}
}

// Next focuses the tab after the focused one, wrapping around
func (m *Manager) Next() { m.step(1) }

// Prev focuses the tab before the focused one, wrapping around
func (m *Manager) Prev() { m.step(-1) }

func (m *Manager) step(delta int) {
	m.mu.RLock()
	n := len(m.order)
	if n == 0 {
		m.mu.RUnlock()
		return
	}
	i := m.indexLocked(m.focused)
	next := m.order[((i+delta)%n+n)%n]
	m.mu.RUnlock()
	m.focus(next)
}

func (m *Manager) indexLocked(t *Tab) int {
	for i, o := range m.order {
		if o == t {
			return i
		}
	}
	return 0
}

// Close closes the tab with id. Focus moves to the tab that took its
// place, or the new last tab.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	t, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoTab, id)
	}
	i := m.indexLocked(t)
	m.order = append(m.order[:i:i], m.order[i+1:]...)
	delete(m.byID, id)

	var next *Tab
	wasFocused := m.focused == t
	if wasFocused {
		m.focused = nil
		if len(m.order) > 0 {
			if i >= len(m.order) {
				i = len(m.order) - 1
			}
			next = m.order[i]
		}
	}
	empty := len(m.order) == 0
	m.mu.Unlock()

	m.release(t)
	log.Printf("Tabs: closed %s", id)

	if wasFocused && next != nil {
		m.focus(next)
	}
	if empty && m.onEmpty != nil {
		m.onEmpty()
	}
	return nil
}

// CloseFocused closes the focused tab
func (m *Manager) CloseFocused() error {
	t := m.Focused()
	if t == nil {
		return ErrNoTab
	}
	return m.Close(t.ID)
}

// Reconnect re-opens the last connection of the tab with id
func (m *Manager) Reconnect(id string) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := t.Controller.Reconnect(); err != nil {
		return err
	}
	if m.Focused() != t {
		m.focus(t)
	}
	return nil
}

// Write sends input to the focused tab
func (m *Manager) Write(p []byte) {
	if t := m.Focused(); t != nil {
		t.Controller.Write(p)
	}
}

// Resize applies new console dimensions to every tab
func (m *Manager) Resize(cols, rows int) {
	for _, t := range m.Tabs() {
		t.Surface.Resize(cols, rows)
		t.Controller.Resize(cols, rows)
	}
}

// CloseAll closes every tab without calling the empty handler
func (m *Manager) CloseAll() {
	m.mu.Lock()
	tabs := m.order
	m.order = nil
	m.byID = make(map[string]*Tab)
	m.focused = nil
	m.mu.Unlock()

	for _, t := range tabs {
		m.release(t)
	}
	if len(tabs) > 0 {
		log.Printf("Tabs: closed all %d tabs", len(tabs))
	}
}

func (m *Manager) release(t *Tab) {
	t.Controller.Close()
	t.Surface.Deactivate()
	if m.onRemoved != nil {
		m.onRemoved(t)
	}
}
