// Package crypto provides helper functions for sealing and opening short
// token payloads using AES-GCM. Replacement tokens are sealed so a client
// cannot forge or retarget them; authenticity comes from GCM, freshness
// from the TTL on the stored copy.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// deriveKey generates a valid AES key from a given string.
// It first attempts to decode the keyString as a hex string. If the resulting
// byte slice has a valid AES key length (16, 24, or 32 bytes), it is used directly.
// Otherwise, it falls back to using the SHA-256 hash of the keyString as a 32-byte key.
func deriveKey(keyString string) []byte {
	if decoded, err := hex.DecodeString(keyString); err == nil {
		switch len(decoded) {
		case 16, 24, 32:
			return decoded
		}
	}

	// Fallback: if not a valid hex key, derive a 32-byte key from the string.
	hash := sha256.Sum256([]byte(keyString))
	return hash[:]
}

// Seal encrypts a payload using AES-GCM with a given key string.
// The output is a hex-encoded string containing the nonce and the ciphertext.
func Seal(payload string, keyString string) (string, error) {
	block, err := aes.NewCipher(deriveKey(keyString))
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	// A nonce is generated randomly for each seal, so sealing the same
	// payload twice yields distinct tokens.
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal encrypts and authenticates the payload, prepending the nonce to the ciphertext.
	ciphertext := aesGCM.Seal(nonce, nonce, []byte(payload), nil)
	return hex.EncodeToString(ciphertext), nil
}

// Open decrypts a hex-encoded token produced by Seal.
// It expects the input string to contain the nonce followed by the ciphertext.
func Open(token string, keyString string) (string, error) {
	enc, err := hex.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex string: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(keyString))
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	nonceSize := aesGCM.NonceSize()
	if len(enc) < nonceSize {
		return "", errors.New("token is too short")
	}

	nonce, ciphertext := enc[:nonceSize], enc[nonceSize:]

	// An error here means the key is wrong or the token was tampered with.
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open token: %w", err)
	}

	return string(plaintext), nil
}
