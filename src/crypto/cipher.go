package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// GossipCipher seals and opens gossip payloads with XChaCha20-Poly1305 under a
// key shared by every node of the network. A sealed token is the URL-safe
// base64 encoding of nonce||ciphertext.
type GossipCipher struct {
	aead cipher.AEAD
}

// GenerateGossipKey returns a new random key in the base64 form expected by
// NewGossipCipher.
func GenerateGossipKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// NewGossipCipher parses a base64 encoded 32-byte key.
func NewGossipCipher(encodedKey string) (*GossipCipher, error) {
	key, err := base64.URLEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decoding gossip key: %v", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("gossip key: %v", err)
	}
	return &GossipCipher{aead: aead}, nil
}

// Seal encrypts and authenticates plaintext.
func (c *GossipCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)

	token := make([]byte, base64.URLEncoding.EncodedLen(len(sealed)))
	base64.URLEncoding.Encode(token, sealed)
	return token, nil
}

// Open reverses Seal. It fails if the token was not produced with the same
// key or was modified in transit.
func (c *GossipCipher) Open(token []byte) ([]byte, error) {
	sealed := make([]byte, base64.URLEncoding.DecodedLen(len(token)))
	n, err := base64.URLEncoding.Decode(sealed, token)
	if err != nil {
		return nil, fmt.Errorf("decoding gossip token: %v", err)
	}
	sealed = sealed[:n]

	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("gossip token too short")
	}
	return c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}
