// resolver.go - Per-attempt credential resolution
// A Resolver turns a stored or ad-hoc Credential into secret material when
// a backend asks for it. Nothing here writes back to the profile store.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"tabterm/internal/keys"
	"tabterm/internal/profile"
)

// Prompter asks the user for a value. It blocks until answered, and
// returns ErrPromptCancelled when dismissed or when ctx ends.
type Prompter interface {
	Prompt(ctx context.Context, prompt string, echo bool) (string, error)
}

// PromptFunc adapts a function to Prompter
type PromptFunc func(ctx context.Context, prompt string, echo bool) (string, error)

func (f PromptFunc) Prompt(ctx context.Context, prompt string, echo bool) (string, error) {
	return f(ctx, prompt, echo)
}

const passphrasePrompt = "Enter passphrase for private key: "

// Resolver hands out one Attempt per connection attempt
type Resolver struct {
	prompter Prompter
}

// NewResolver returns a resolver prompting through p. p may be nil, in
// which case every prompt is treated as cancelled.
func NewResolver(p Prompter) *Resolver {
	return &Resolver{prompter: p}
}

// Resolve starts an attempt for cred. The credential is copied.
func (r *Resolver) Resolve(ctx context.Context, cred profile.Credential) *Attempt {
	cred.Secret = append([]byte(nil), cred.Secret...)
	return &Attempt{ctx: ctx, cred: cred, prompter: r.prompter}
}

// Attempt is the secret material for one connection attempt. A key is
// parsed at most once per attempt.
type Attempt struct {
	ctx      context.Context
	cred     profile.Credential
	prompter Prompter

	once      sync.Once
	signer    ssh.Signer
	signerErr error
}

// Type is the credential type being resolved
func (a *Attempt) Type() profile.CredentialType {
	return a.cred.Type
}

func (a *Attempt) prompt(prompt string, echo bool) (string, error) {
	if a.prompter == nil {
		return "", ErrPromptCancelled
	}
	answer, err := a.prompter.Prompt(a.ctx, prompt, echo)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ErrPromptCancelled
		}
		return "", err
	}
	return answer, nil
}

// Password returns the stored password, or asks for one when the
// credential type is Ask
func (a *Attempt) Password(prompt string) (string, error) {
	switch a.cred.Type {
	case profile.Password:
		return string(a.cred.Secret), nil
	case profile.Ask:
		pw, err := a.prompt(prompt, false)
		if err != nil {
			return "", &AuthError{Reason: "password prompt", Err: err}
		}
		return pw, nil
	default:
		return "", &AuthError{Reason: "credential has no password"}
	}
}

// Signer parses the private key on first use, prompting for a passphrase
// if the key is encrypted. A wrong or cancelled passphrase fails this
// attempt only.
func (a *Attempt) Signer() (ssh.Signer, error) {
	a.once.Do(func() {
		if a.cred.Type != profile.PrivateKey {
			a.signerErr = &AuthError{Reason: "credential is not a private key"}
			return
		}
		signer, err := keys.ParseSigner(a.cred.Secret, "")
		if errors.Is(err, keys.ErrPassphraseRequired) {
			log.Printf("Credential: key %d is encrypted, asking for passphrase", a.cred.ID)
			var pass string
			pass, err = a.prompt(passphrasePrompt, false)
			if err != nil {
				a.signerErr = &AuthError{Reason: "key passphrase", Err: err}
				return
			}
			signer, err = keys.ParseSigner(a.cred.Secret, pass)
		}
		if err != nil {
			a.signerErr = &AuthError{Reason: "private key", Err: err}
			return
		}
		a.signer = signer
	})
	return a.signer, a.signerErr
}

// Failure returns the key error recorded during this attempt, if any.
// Backends use it to explain a rejected handshake.
func (a *Attempt) Failure() error {
	if a.cred.Type != profile.PrivateKey {
		return nil
	}
	return a.signerErr
}

// AuthMethods returns the SSH auth methods for this credential:
// Password answers password and keyboard-interactive, PrivateKey offers the
// key, Ask prompts through the backend's interactive flow.
func (a *Attempt) AuthMethods() []ssh.AuthMethod {
	switch a.cred.Type {
	case profile.Password:
		pw := string(a.cred.Secret)
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(a.keyboardInteractive(pw)),
		}
	case profile.PrivateKey:
		return []ssh.AuthMethod{
			ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
				s, err := a.Signer()
				if err != nil {
					return nil, err
				}
				return []ssh.Signer{s}, nil
			}),
		}
	default:
		return []ssh.AuthMethod{
			ssh.KeyboardInteractive(a.keyboardInteractive("")),
			ssh.PasswordCallback(func() (string, error) {
				return a.prompt("Password: ", false)
			}),
		}
	}
}

func (a *Attempt) keyboardInteractive(password string) ssh.KeyboardInteractiveChallenge {
	return func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		log.Printf("Credential: keyboard-interactive for %s: %d questions", user, len(questions))
		answers := make([]string, len(questions))
		for i, q := range questions {
			if password != "" && strings.Contains(strings.ToLower(q), "password") {
				answers[i] = password
				continue
			}
			answer, err := a.prompt(q, echos[i])
			if err != nil {
				return nil, fmt.Errorf("answer %q: %w", q, err)
			}
			answers[i] = answer
		}
		return answers, nil
	}
}
