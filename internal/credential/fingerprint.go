// fingerprint.go - Trust-on-first-use host key check
package credential

import (
	"golang.org/x/crypto/ssh"

	"tabterm/internal/keys"
)

// Verdict is the outcome of comparing a presented host key with the stored one
type Verdict int

const (
	// AcceptNew means nothing was stored; store the key on successful login
	AcceptNew Verdict = iota
	Match
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case AcceptNew:
		return "AcceptNew"
	case Match:
		return "Match"
	case Mismatch:
		return "Mismatch"
	default:
		return "Unknown"
	}
}

// Presented is a host key as reported by the handshake
type Presented struct {
	Type        string
	Fingerprint string
}

// PresentedKey fingerprints a host key
func PresentedKey(key ssh.PublicKey) Presented {
	typ, fp := keys.Fingerprint(key)
	return Presented{Type: typ, Fingerprint: fp}
}

// VerifyFingerprint compares a presented key with the stored fingerprint of
// host. A mismatch comes with a *FingerprintMismatchError for the caller to
// put in front of the user.
func VerifyFingerprint(host, storedType, stored string, presented Presented) (Verdict, error) {
	if stored == "" {
		return AcceptNew, nil
	}
	if stored == presented.Fingerprint && (storedType == "" || storedType == presented.Type) {
		return Match, nil
	}
	return Mismatch, &FingerprintMismatchError{
		Host:      host,
		Type:      presented.Type,
		Stored:    stored,
		Presented: presented.Fingerprint,
	}
}
