package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for KEK derivation.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256
	saltLen      = 16
	dataKeyLen   = 32 // AES-256
	nonceLen     = 12 // AES-GCM standard nonce size
)

// verificationMagic is sealed with the KEK so a wrong passphrase is
// detected before the data key is unwrapped.
var verificationMagic = []byte("wazuhsync-vault-v1")

// errShortCiphertext is returned for input shorter than a nonce.
var errShortCiphertext = errors.New("ciphertext too short")

// DeriveKEK derives a 32-byte key-encryption key from a passphrase and salt
// using Argon2id.
func DeriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func randomBytes(n int, what string) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate %s: %w", what, err)
	}
	return b, nil
}

// GenerateSalt returns a random 16-byte salt.
func GenerateSalt() ([]byte, error) { return randomBytes(saltLen, "salt") }

// GenerateDataKey returns a random 32-byte data key.
func GenerateDataKey() ([]byte, error) { return randomBytes(dataKeyLen, "data key") }

// Seal encrypts plaintext with key using AES-256-GCM.
// The result is nonce (12 bytes) || ciphertext+tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(nonceLen, "nonce")
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, data []byte) ([]byte, error) {
	if len(data) < nonceLen {
		return nil, errShortCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, data[:nonceLen], data[nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// verificationBlob seals the known magic with kek.
func verificationBlob(kek []byte) ([]byte, error) {
	return Seal(kek, verificationMagic)
}

// verifyKEK reports whether blob opens to the magic under kek.
func verifyKEK(kek, blob []byte) bool {
	plain, err := Open(kek, blob)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(plain, verificationMagic) == 1
}

// zero overwrites b.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
