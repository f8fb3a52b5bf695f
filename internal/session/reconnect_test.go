package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tabterm/internal/profile"
)

func TestReconnectPolicyDecide(t *testing.T) {
	tests := []struct {
		name   string
		policy ReconnectPolicy
		want   Decision
	}{
		{"no target", ReconnectPolicy{}, Teardown},
		{"ssh", ReconnectPolicy{Target: Target{Kind: StateSSH}}, Offer},
		{"telnet", ReconnectPolicy{Target: Target{Kind: StateNetwork}}, Offer},
		{"vnc", ReconnectPolicy{Target: Target{Kind: StateVNC}}, Offer},
		{"close on disconnect", ReconnectPolicy{CloseOnDisconnect: true, Target: Target{Kind: StateSSH}}, Teardown},
		{"local pty", ReconnectPolicy{Target: Target{Kind: StateLocalPTY}}, Teardown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Decide())
		})
	}
}

func TestTargetIsIndependentCopy(t *testing.T) {
	h := profile.NewHost()
	h.Credential.Secret = []byte("secret")
	h.Settings.LocalForward = []profile.PortForward{{Port: 1, TargetHost: "a", TargetPort: 2}}

	target := newTarget(StateSSH, *h)
	h.Credential.Secret[0] = 'X'
	h.Settings.LocalForward[0].Port = 9

	assert.Equal(t, "secret", string(target.Host.Credential.Secret))
	assert.Equal(t, 1, target.Host.Settings.LocalForward[0].Port)
}

func TestStateAndDecisionNames(t *testing.T) {
	assert.Equal(t, "Network", StateNetwork.String())
	assert.Equal(t, "InteractiveShell", StateInteractiveShell.String())
	assert.Equal(t, "Offer", Offer.String())
	assert.Equal(t, StateVNC, stateFor(profile.VNC))
	assert.Equal(t, StateLocalPTY, stateFor(profile.LocalShell))
}
