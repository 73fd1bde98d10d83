package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals credential passwords at rest. Output is base64(nonce||ciphertext).
type Cipher struct {
	key []byte
}

// NewCipher takes a 32-byte key encoded as hex.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, eris.Wrap(err, "secrets: decode key")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, eris.Errorf("secrets: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Cipher{key: key}, nil
}

func (c *Cipher) Encrypt(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", eris.Wrap(err, "secrets: init aead")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", eris.Wrap(err, "secrets: nonce")
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", eris.Wrap(err, "secrets: decode ciphertext")
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", eris.Wrap(err, "secrets: init aead")
	}
	if len(raw) < aead.NonceSize() {
		return "", eris.New("secrets: ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", eris.Wrap(err, "secrets: open")
	}
	return string(plain), nil
}
