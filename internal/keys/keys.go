// keys.go - Key pair generation and PEM parsing for stored credentials
package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Algorithm identifies a key generation algorithm
type Algorithm string

const (
	RSA     Algorithm = "RSA"
	ECDSA   Algorithm = "ECDSA"
	Ed25519 Algorithm = "Ed25519"
)

// ErrNotPEM is returned when input carries no PEM block
var ErrNotPEM = errors.New("no PEM block found")

// ErrPassphraseRequired is returned when an encrypted key is parsed without a passphrase
var ErrPassphraseRequired = errors.New("private key is encrypted")

// ParseAlgorithm accepts the names used by the key generation form and CLI
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "rsa":
		return RSA, nil
	case "ecdsa", "ec":
		return ECDSA, nil
	case "ed25519":
		return Ed25519, nil
	}
	return "", fmt.Errorf("unknown key algorithm %q", s)
}

// DefaultBits returns the key size used when bits is 0
func (a Algorithm) DefaultBits() int {
	switch a {
	case RSA:
		return 2048
	case ECDSA:
		return 256
	default:
		return 256
	}
}

// Pair is a freshly generated key pair
type Pair struct {
	Algorithm     Algorithm
	Bits          int
	PrivateKeyPEM []byte
	// AuthorizedKey is the public half in authorized_keys form
	AuthorizedKey []byte
}

// Generate creates a key pair. passphrase, when set, encrypts the private key.
func Generate(algo Algorithm, bits int, passphrase, comment string) (*Pair, error) {
	if bits == 0 {
		bits = algo.DefaultBits()
	}

	var (
		priv interface{}
		pub  interface{}
	)

	switch algo {
	case RSA:
		if bits < 1024 {
			return nil, fmt.Errorf("RSA key size %d too small", bits)
		}
		k, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		priv, pub = k, &k.PublicKey
	case ECDSA:
		curve, err := curveFor(bits)
		if err != nil {
			return nil, err
		}
		k, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ecdsa key: %w", err)
		}
		priv, pub = k, &k.PublicKey
	case Ed25519:
		p, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		priv, pub, bits = k, p, 256
	default:
		return nil, fmt.Errorf("unknown key algorithm %q", algo)
	}

	var (
		block *pem.Block
		err   error
	)
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("create ssh public key: %w", err)
	}

	return &Pair{
		Algorithm:     algo,
		Bits:          bits,
		PrivateKeyPEM: pem.EncodeToMemory(block),
		AuthorizedKey: ssh.MarshalAuthorizedKey(sshPub),
	}, nil
}

func curveFor(bits int) (elliptic.Curve, error) {
	switch bits {
	case 256:
		return elliptic.P256(), nil
	case 384:
		return elliptic.P384(), nil
	case 521:
		return elliptic.P521(), nil
	}
	return nil, fmt.Errorf("unsupported ECDSA key size %d", bits)
}

// ParsePEMType returns the type of the first PEM block, e.g. "OPENSSH PRIVATE KEY"
func ParsePEMType(data []byte) (string, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return "", ErrNotPEM
	}
	return block.Type, nil
}

// IsEncrypted reports whether the PEM private key needs a passphrase
func IsEncrypted(data []byte) bool {
	_, err := ssh.ParseRawPrivateKey(data)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}

// ParseSigner parses a PEM private key. An empty passphrase on an encrypted
// key yields ErrPassphraseRequired.
func ParseSigner(data []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key with passphrase: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// PublicKey derives the authorized_keys line from an unencrypted PEM private key
func PublicKey(data []byte) (string, error) {
	signer, err := ParseSigner(data, "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

// Fingerprint returns the key type and SHA256 fingerprint of a public key
func Fingerprint(key ssh.PublicKey) (keyType, fingerprint string) {
	return key.Type(), ssh.FingerprintSHA256(key)
}
