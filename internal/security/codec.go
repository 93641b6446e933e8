// Package security provides the symmetric codec used to encrypt
// message bodies at rest. The wire never carries ciphertext; only the
// store does.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidEnvelope = errors.New("security: invalid envelope")
	ErrInvalidPadding  = errors.New("security: invalid padding")
)

// Codec encrypts and decrypts message content with AES-256-CBC. Each
// Encrypt call draws a fresh random IV, so encrypting the same
// plaintext twice yields different envelopes. The envelope format is
// base64(iv) + ":" + base64(ciphertext), self-contained given the key.
type Codec struct {
	key []byte
}

// NewCodec derives a fixed 32-byte key from the configured secret with
// SHA-256, so arbitrary-length secrets from existing env files work.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("security: encryption secret must not be empty")
	}

	sum := sha256.Sum256([]byte(secret))
	return &Codec{key: sum[:]}, nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(iv) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens an envelope produced by Encrypt. An empty envelope is
// treated as "no content" and decrypts to the empty string.
func (c *Codec) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}

	ivPart, ctPart, ok := strings.Cut(envelope, ":")
	if !ok {
		return "", ErrInvalidEnvelope
	}

	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrInvalidEnvelope
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ctPart)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrInvalidEnvelope
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		// a wrong key surfaces here as garbage padding
		return "", err
	}

	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}

	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrInvalidPadding
	}

	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}

	return data[:len(data)-n], nil
}
