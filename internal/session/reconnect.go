// reconnect.go - What happens after a network session drops
package session

import (
	"tabterm/internal/profile"
)

// Decision is the outcome of a backend ending
type Decision int

const (
	// Teardown closes the tab
	Teardown Decision = iota
	// Offer keeps the tab and offers Reconnect
	Offer
	// Stay keeps the tab with nothing to reconnect
	Stay
)

func (d Decision) String() string {
	switch d {
	case Teardown:
		return "Teardown"
	case Offer:
		return "Offer"
	case Stay:
		return "Stay"
	default:
		return "Unknown"
	}
}

// Target is everything needed to open the same connection again
type Target struct {
	Kind State
	Host profile.Host
}

func newTarget(kind State, h profile.Host) Target {
	h.Credential.Secret = append([]byte(nil), h.Credential.Secret...)
	h.Settings.LocalForward = append([]profile.PortForward(nil), h.Settings.LocalForward...)
	h.Settings.RemoteForward = append([]profile.PortForward(nil), h.Settings.RemoteForward...)
	return Target{Kind: kind, Host: h}
}

// ReconnectPolicy is carried by value into each network transition.
// Reconnecting is always a user action; nothing here retries on a timer.
type ReconnectPolicy struct {
	CloseOnDisconnect bool
	// FromShell is set when the interactive shell started the connection;
	// the shell it falls back to then accepts commands again
	FromShell bool
	Target    Target
}

// CanReconnect reports whether the policy carries a network target
func (p ReconnectPolicy) CanReconnect() bool {
	switch p.Target.Kind {
	case StateSSH, StateNetwork, StateVNC:
		return true
	}
	return false
}

// Decide is the decision for a dropped or failed connection
func (p ReconnectPolicy) Decide() Decision {
	if p.CloseOnDisconnect || !p.CanReconnect() {
		return Teardown
	}
	return Offer
}
