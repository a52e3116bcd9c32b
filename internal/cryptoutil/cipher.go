// Package cryptoutil provides the symmetric cipher used for spool-at-rest
// encryption, wire encryption of log lines and forensic payloads.
//
// Ciphertexts are base64(nonce || AES-256-GCM(plaintext)). The AES key is
// derived from the configured secret with HKDF-SHA256 so that operators can
// supply passphrases of any length.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrDecrypt = errors.New("decrypt failed")

const hkdfInfo = "captureSentry/aes-gcm/v1"

// Cipher 对称加解密接口
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM 由任意长度的 secret 派生 256 位密钥
func NewAESGCM(secret string) (*AESGCM, error) {
	if secret == "" {
		return nil, errors.New("empty secret")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead}, nil
}

func (c *AESGCM) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESGCM) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// EncryptString / DecryptString 字符串便捷方法
func EncryptString(c Cipher, s string) (string, error) {
	return c.Encrypt([]byte(s))
}

func DecryptString(c Cipher, s string) (string, error) {
	b, err := c.Decrypt(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
