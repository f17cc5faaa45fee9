/*
Package webhook encrypts and decrypts the credentials stored on
webhooks. A webhook fires its action with the identity of its creator,
so the creator's credential is kept on the webhook row as AES-256-GCM
ciphertext with the nonce prepended.
*/
package webhook

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
)

// Credential is the caller identity sealed into a webhook.
type Credential struct {
	User    string   `json:"user"`
	Project string   `json:"project"`
	Domain  string   `json:"domain,omitempty"`
	Trusts  []string `json:"trusts,omitempty"`
}

// Codec seals and opens webhook credentials.
type Codec struct {
	key []byte // 32 bytes for AES-256
}

// NewCodec creates a codec from a 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Codec{key: key}, nil
}

// NewCodecFromPassword derives the key from a password with SHA-256.
func NewCodecFromPassword(password string) (*Codec, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	hash := sha256.Sum256([]byte(password))
	return NewCodec(hash[:])
}

// Encrypt seals a credential. The nonce is prepended to the
// ciphertext.
func (c *Codec) Encrypt(cred *Credential) ([]byte, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed credential.
func (c *Codec) Decrypt(ciphertext []byte) (*Credential, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("failed to deserialize credential: %w", err)
	}
	return &cred, nil
}
