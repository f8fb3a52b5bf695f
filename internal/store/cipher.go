// cipher.go - Passphrase key derivation and blob sealing
package store

import (
	"crypto/rand"
	"fmt"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize     = 16
	verifierText = "tabterm store v1"
)

// scrypt cost parameters; tests lower scryptN to keep store opens fast
var scryptN = 1 << 15

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func deriveKey(passphrase string, salt []byte) (*fernet.Key, error) {
	raw, err := scrypt.Key([]byte(passphrase), salt, scryptN, 8, 1, len(fernet.Key{}))
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var k fernet.Key
	copy(k[:], raw)
	return &k, nil
}

func seal(key *fernet.Key, plain []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plain, key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return tok, nil
}

func unseal(key *fernet.Key, tok []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(tok, 0, []*fernet.Key{key})
	if msg == nil {
		return nil, ErrDecrypt
	}
	return msg, nil
}
