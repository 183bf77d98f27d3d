package vault

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/HerbHall/wazuhsync/internal/config"
	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/HerbHall/wazuhsync/pkg/plugin/plugintest"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

func TestDeriveKEK(t *testing.T) {
	salt := []byte("1234567890abcdef")
	k1 := DeriveKEK("password", salt)
	if !bytes.Equal(k1, DeriveKEK("password", salt)) {
		t.Error("same passphrase and salt should produce the same KEK")
	}
	if bytes.Equal(k1, DeriveKEK("password", []byte("fedcba0987654321"))) {
		t.Error("different salts should produce different KEKs")
	}
	if bytes.Equal(k1, DeriveKEK("password2", salt)) {
		t.Error("different passphrases should produce different KEKs")
	}
	if len(k1) != argonKeyLen {
		t.Errorf("KEK length = %d, want %d", len(k1), argonKeyLen)
	}
}

func TestSealOpen(t *testing.T) {
	key, err := GenerateDataKey()
	if err != nil {
		t.Fatalf("GenerateDataKey: %v", err)
	}
	ct, err := Seal(key, []byte("s3cret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ct2, _ := Seal(key, []byte("s3cret"))
	if bytes.Equal(ct, ct2) {
		t.Error("two seals of the same plaintext should differ by nonce")
	}
	pt, err := Open(key, ct)
	if err != nil || string(pt) != "s3cret" {
		t.Fatalf("Open = %q, %v", pt, err)
	}

	ct[len(ct)-1] ^= 0xff
	if _, err := Open(key, ct); err == nil {
		t.Error("tampered ciphertext opened")
	}
	if _, err := Open(key, []byte("short")); !errors.Is(err, errShortCiphertext) {
		t.Errorf("short input: err = %v", err)
	}
}

func TestKeyManager(t *testing.T) {
	km := NewKeyManager()
	if _, err := km.Encrypt([]byte("x")); !errors.Is(err, ErrVaultSealed) {
		t.Fatalf("sealed Encrypt: err = %v, want ErrVaultSealed", err)
	}

	meta, err := km.Setup("correct horse")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	ct, err := km.Encrypt([]byte("indexer-pw"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A fresh manager with the persisted meta reads the same ciphertext.
	other := NewKeyManager()
	if err := other.Unseal("wrong", meta); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("wrong passphrase: err = %v", err)
	}
	if !other.IsSealed() {
		t.Error("manager unsealed by a wrong passphrase")
	}
	if err := other.Unseal("correct horse", meta); err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	pt, err := other.Decrypt(ct)
	if err != nil || string(pt) != "indexer-pw" {
		t.Errorf("Decrypt = %q, %v", pt, err)
	}

	rotated, err := other.Rewrap("battery staple")
	if err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	third := NewKeyManager()
	if err := third.Unseal("battery staple", rotated); err != nil {
		t.Fatalf("Unseal after rewrap: %v", err)
	}
	if pt, _ := third.Decrypt(ct); string(pt) != "indexer-pw" {
		t.Errorf("old ciphertext after rewrap = %q", pt)
	}

	other.Seal()
	if _, err := other.Decrypt(ct); !errors.Is(err, ErrVaultSealed) {
		t.Errorf("Decrypt after Seal: err = %v", err)
	}
}

func initModule(t *testing.T, db *store.SQLiteStore, passphrase string) (*Module, error) {
	t.Helper()
	v := viper.New()
	if passphrase != "" {
		v.Set("passphrase", passphrase)
	}
	m := New()
	err := m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  db,
		Config: config.New(v),
	})
	return m, err
}

func TestModule_PersistsAcrossRestarts(t *testing.T) {
	t.Setenv(PassphraseEnv, "")
	db, err := store.New(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()

	first, err := initModule(t, db, "hunter2")
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	secret, err := first.Encrypt("api-password")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	second, err := initModule(t, db, "hunter2")
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if got, err := second.Decrypt(secret); err != nil || got != "api-password" {
		t.Errorf("Decrypt after restart = %q, %v", got, err)
	}

	if _, err := initModule(t, db, "not-hunter2"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("wrong passphrase Init: err = %v", err)
	}

	sealed, err := initModule(t, db, "")
	if err != nil {
		t.Fatalf("sealed Init: %v", err)
	}
	if !sealed.Sealed() || sealed.Health(context.Background()).Status != "degraded" {
		t.Error("module without passphrase should be sealed and degraded")
	}
	if _, err := sealed.Decrypt(secret); !errors.Is(err, ErrVaultSealed) {
		t.Errorf("sealed Decrypt: err = %v", err)
	}
}

func TestModule_PassphraseFromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "from-env")
	db, err := store.New(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer db.Close()

	m, err := initModule(t, db, "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if m.Sealed() {
		t.Fatal("vault should unseal from the environment")
	}
	if err := m.Rotate(context.Background(), "rotated"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	t.Setenv(PassphraseEnv, "rotated")
	if _, err := initModule(t, db, ""); err != nil {
		t.Errorf("Init with rotated passphrase: %v", err)
	}
}
