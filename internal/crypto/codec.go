// Package crypto encrypts provider credentials at rest with a server-held
// master key. Ciphertexts carry the id of the key that sealed them so the
// master key can be rotated without losing access to older records.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

// ErrCrypto wraps every codec failure: missing or invalid master key,
// malformed ciphertext, or a failed authentication tag.
var ErrCrypto = errors.New("crypto error")

type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Codec struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewCodec(currentKeyID string, keys map[string][]byte) (*Codec, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("%w: current key id is empty", ErrCrypto)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no master keys configured", ErrCrypto)
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("%w: current key id %q not found", ErrCrypto, currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: key %q must be %d bytes", ErrCrypto, id, KeySize)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Codec{currentKeyID: currentKeyID, keys: cp}, nil
}

// DeriveKey stretches an operator passphrase into a master key.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase is empty", ErrCrypto)
	}
	r := hkdf.New(sha256.New, []byte(passphrase), []byte("codemate/master-key"), []byte("provider-credentials"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrCrypto, err)
	}
	return key, nil
}

func (c *Codec) CurrentKeyID() string {
	return c.currentKeyID
}

func (c *Codec) Seal(plaintext []byte) (Envelope, error) {
	aead, err := c.aead(c.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("%w: nonce: %v", ErrCrypto, err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(c.currentKeyID))

	return Envelope{
		KeyID:      c.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func (c *Codec) Open(env Envelope) ([]byte, error) {
	aead, err := c.aead(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %v", ErrCrypto, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce has length %d", ErrCrypto, len(nonce))
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrCrypto, err)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(env.KeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

// Encrypt returns the serialized envelope for value.
func (c *Codec) Encrypt(value string) (string, error) {
	env, err := c.Seal([]byte(value))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: marshal envelope: %v", ErrCrypto, err)
	}
	return string(b), nil
}

func (c *Codec) Decrypt(raw string) (string, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return "", err
	}
	pt, err := c.Open(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// ReEncrypt moves raw onto the current key.
func (c *Codec) ReEncrypt(raw string) (string, error) {
	plain, err := c.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plain)
}

// NeedsRotation reports whether raw was sealed with a key other than the current one.
func (c *Codec) NeedsRotation(raw string) (bool, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return false, err
	}
	return env.KeyID != c.currentKeyID, nil
}

func ParseEnvelope(raw string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: unmarshal envelope: %v", ErrCrypto, err)
	}
	if env.KeyID == "" || env.Ciphertext == "" {
		return Envelope{}, fmt.Errorf("%w: incomplete envelope", ErrCrypto)
	}
	return env, nil
}

func (c *Codec) aead(keyID string) (cipher.AEAD, error) {
	key, ok := c.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrCrypto, keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", ErrCrypto, err)
	}
	return aead, nil
}
