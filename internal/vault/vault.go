// Package vault seals profile secrets at rest.
//
// A passphrase derives an Argon2id key-encryption key (KEK) that wraps a
// random AES-256 data key. Only the salt, a verification blob and the
// wrapped data key are persisted, in vault_meta. Secrets are sealed with
// the data key using AES-256-GCM and stored base64 encoded by their owners.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"go.uber.org/zap"
)

// PassphraseEnv names the environment variable read when the config
// carries no passphrase.
const PassphraseEnv = "WAZUHSYNC_VAULT_PASSPHRASE"

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// Module implements the vault plugin.
type Module struct {
	logger *zap.Logger
	keys   *KeyManager
	meta   *MetaStore
}

// New creates a new vault plugin instance.
func New() *Module {
	return &Module{keys: NewKeyManager()}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "vault",
		Version:     "0.1.0",
		Description: "Encryption of connection profile secrets",
		Roles:       []string{"credential_store"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

// Init loads or creates the key material and unseals with the configured
// passphrase. Without a passphrase the vault stays sealed and secrets can
// neither be written nor read.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	passphrase := ""
	if deps.Config != nil {
		passphrase = deps.Config.GetString("passphrase")
	}
	if passphrase == "" {
		passphrase = os.Getenv(PassphraseEnv)
	}

	if deps.Store == nil {
		m.logger.Warn("vault initialized without a store; staying sealed")
		return nil
	}
	if err := deps.Store.Migrate(ctx, "vault", migrations()); err != nil {
		return fmt.Errorf("vault migrations: %w", err)
	}
	m.meta = NewMetaStore(deps.Store.DB())

	if passphrase == "" {
		m.logger.Warn("no vault passphrase configured; vault is sealed",
			zap.String("env", PassphraseEnv),
		)
		return nil
	}
	return m.unseal(ctx, passphrase)
}

func (m *Module) unseal(ctx context.Context, passphrase string) error {
	meta, err := m.meta.Load(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		created, err := m.keys.Setup(passphrase)
		if err != nil {
			return fmt.Errorf("vault setup: %w", err)
		}
		if err := m.meta.Save(ctx, created); err != nil {
			m.keys.Seal()
			return err
		}
		m.logger.Info("vault key material created")
		return nil
	}
	if err := m.keys.Unseal(passphrase, *meta); err != nil {
		return fmt.Errorf("unseal vault: %w", err)
	}
	m.logger.Info("vault unsealed")
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

// Stop zeroes the in-memory data key.
func (m *Module) Stop(_ context.Context) error {
	m.keys.Seal()
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.keys.IsSealed() {
		return plugin.HealthStatus{Status: "degraded", Message: "vault is sealed"}
	}
	return plugin.HealthStatus{Status: "healthy", Message: "vault is unsealed"}
}

// Sealed reports whether secrets are unavailable.
func (m *Module) Sealed() bool { return m.keys.IsSealed() }

// Encrypt seals a secret and returns it base64 encoded.
func (m *Module) Encrypt(plaintext string) (string, error) {
	ct, err := m.keys.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt.
func (m *Module) Decrypt(encoded string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	pt, err := m.keys.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Rotate rewraps the data key under newPassphrase. Stored secrets are not
// touched.
func (m *Module) Rotate(ctx context.Context, newPassphrase string) error {
	if m.meta == nil {
		return ErrVaultSealed
	}
	meta, err := m.keys.Rewrap(newPassphrase)
	if err != nil {
		return err
	}
	if err := m.meta.Save(ctx, meta); err != nil {
		return err
	}
	m.logger.Info("vault passphrase rotated")
	return nil
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/status", Handler: m.handleStatus},
	}
}

func (m *Module) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{
		"sealed":      m.keys.IsSealed(),
		"initialized": m.meta != nil,
	})
}
