// messages.go - Prompt and host key requests posted to the main context
// A backend blocked in the network context sends one of these and waits
// for the reply; closing the tab cancels the wait.
package session

import (
	"context"
	"sync"

	"tabterm/internal/credential"
)

// PromptRequest asks the user for a value on behalf of a backend
type PromptRequest struct {
	Prompt string
	Echo   bool

	once  sync.Once
	reply chan promptReply
}

type promptReply struct {
	value string
	err   error
}

func newPromptRequest(prompt string, echo bool) *PromptRequest {
	return &PromptRequest{Prompt: prompt, Echo: echo, reply: make(chan promptReply, 1)}
}

// Answer replies with value; later replies are ignored
func (r *PromptRequest) Answer(value string) {
	r.once.Do(func() { r.reply <- promptReply{value: value} })
}

// Cancel replies with ErrPromptCancelled
func (r *PromptRequest) Cancel() {
	r.once.Do(func() { r.reply <- promptReply{err: credential.ErrPromptCancelled} })
}

func (r *PromptRequest) wait(ctx context.Context) (string, error) {
	select {
	case rep := <-r.reply:
		return rep.value, rep.err
	case <-ctx.Done():
		return "", credential.ErrPromptCancelled
	}
}

// FingerprintRequest asks the user whether to trust a changed host key
type FingerprintRequest struct {
	Mismatch *credential.FingerprintMismatchError

	once  sync.Once
	reply chan bool
}

func newFingerprintRequest(m *credential.FingerprintMismatchError) *FingerprintRequest {
	return &FingerprintRequest{Mismatch: m, reply: make(chan bool, 1)}
}

// Accept trusts the presented key for this connection
func (r *FingerprintRequest) Accept() {
	r.once.Do(func() { r.reply <- true })
}

// Reject aborts the connection
func (r *FingerprintRequest) Reject() {
	r.once.Do(func() { r.reply <- false })
}

func (r *FingerprintRequest) wait(ctx context.Context) bool {
	select {
	case ok := <-r.reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// ConnectInfo is reported once a network backend has logged in
type ConnectInfo struct {
	State     State
	Target    string
	Presented credential.Presented
	Verdict   credential.Verdict
}

// ClosedEvent is reported when the active backend ends on its own
type ClosedEvent struct {
	// State is the backend that ended
	State    State
	Err      error
	Decision Decision
}
