package vault

import (
	"errors"
	"sync"
)

var (
	// ErrVaultSealed is returned when no data key is held in memory.
	ErrVaultSealed = errors.New("vault is sealed")
	// ErrWrongPassphrase is returned when the passphrase does not open the
	// stored verification blob.
	ErrWrongPassphrase = errors.New("wrong vault passphrase")
)

// Meta is the persisted key material: everything needed to re-derive the
// KEK and unwrap the data key, none of it secret on its own.
type Meta struct {
	Salt         []byte
	Verification []byte
	WrappedKey   []byte
}

// KeyManager holds the unwrapped data key. Safe for concurrent use.
type KeyManager struct {
	mu      sync.RWMutex
	dataKey []byte // nil when sealed
}

// NewKeyManager creates a sealed KeyManager.
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// IsSealed reports whether the data key is absent.
func (km *KeyManager) IsSealed() bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.dataKey == nil
}

// Setup generates fresh key material for passphrase and leaves the
// manager unsealed. The returned Meta must be persisted.
func (km *KeyManager) Setup(passphrase string) (Meta, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return Meta{}, err
	}
	kek := DeriveKEK(passphrase, salt)
	defer zero(kek)

	verification, err := verificationBlob(kek)
	if err != nil {
		return Meta{}, err
	}
	dataKey, err := GenerateDataKey()
	if err != nil {
		return Meta{}, err
	}
	wrapped, err := Seal(kek, dataKey)
	if err != nil {
		zero(dataKey)
		return Meta{}, err
	}

	km.mu.Lock()
	km.replaceLocked(dataKey)
	km.mu.Unlock()
	return Meta{Salt: salt, Verification: verification, WrappedKey: wrapped}, nil
}

// Unseal derives the KEK from passphrase and unwraps the data key.
func (km *KeyManager) Unseal(passphrase string, meta Meta) error {
	kek := DeriveKEK(passphrase, meta.Salt)
	defer zero(kek)

	if !verifyKEK(kek, meta.Verification) {
		return ErrWrongPassphrase
	}
	dataKey, err := Open(kek, meta.WrappedKey)
	if err != nil {
		return err
	}

	km.mu.Lock()
	km.replaceLocked(dataKey)
	km.mu.Unlock()
	return nil
}

// Rewrap seals the current data key under a new passphrase. Existing
// ciphertexts stay valid.
func (km *KeyManager) Rewrap(newPassphrase string) (Meta, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.dataKey == nil {
		return Meta{}, ErrVaultSealed
	}

	salt, err := GenerateSalt()
	if err != nil {
		return Meta{}, err
	}
	kek := DeriveKEK(newPassphrase, salt)
	defer zero(kek)

	verification, err := verificationBlob(kek)
	if err != nil {
		return Meta{}, err
	}
	wrapped, err := Seal(kek, km.dataKey)
	if err != nil {
		return Meta{}, err
	}
	return Meta{Salt: salt, Verification: verification, WrappedKey: wrapped}, nil
}

// Seal zeroes the data key.
func (km *KeyManager) Seal() {
	km.mu.Lock()
	km.replaceLocked(nil)
	km.mu.Unlock()
}

// Encrypt seals plaintext with the data key.
func (km *KeyManager) Encrypt(plaintext []byte) ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.dataKey == nil {
		return nil, ErrVaultSealed
	}
	return Seal(km.dataKey, plaintext)
}

// Decrypt opens a ciphertext produced by Encrypt.
func (km *KeyManager) Decrypt(ciphertext []byte) ([]byte, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.dataKey == nil {
		return nil, ErrVaultSealed
	}
	return Open(km.dataKey, ciphertext)
}

func (km *KeyManager) replaceLocked(dataKey []byte) {
	if km.dataKey != nil {
		zero(km.dataKey)
	}
	km.dataKey = dataKey
}
