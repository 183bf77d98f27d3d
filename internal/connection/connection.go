// Package connection manages remote server profiles: one manager API plus
// indexer pair each, with secrets sealed by the vault.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/wazuhsync/internal/finding"
	"github.com/HerbHall/wazuhsync/internal/version"
	"github.com/HerbHall/wazuhsync/internal/wazuh"
	"github.com/HerbHall/wazuhsync/pkg/models"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin           = (*Module)(nil)
	_ plugin.HTTPProvider     = (*Module)(nil)
	_ plugin.HealthChecker    = (*Module)(nil)
	_ finding.IndexerProvider = (*Module)(nil)
)

var (
	// ErrInvalidProfile wraps profile validation failures.
	ErrInvalidProfile = errors.New("invalid profile")
	// ErrNoCipher is returned when secrets must be sealed or opened but no
	// vault is wired.
	ErrNoCipher = errors.New("no credential store available")
)

const (
	defaultManagerPort = 55000
	defaultIndexerPort = 9200

	// checkPath is POSTed by the manager reachability check.
	checkPath = "/security/user/authenticate"
	// checkIndex is counted by the indexer reachability check.
	checkIndex = "wazuh-alerts-*"
)

// Cipher seals and opens profile secrets. Implemented by the vault module.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Module implements the connection plugin.
type Module struct {
	logger *zap.Logger
	store  *Store
	client *wazuh.Client

	mu     sync.RWMutex
	cipher Cipher
}

// New creates a new connection plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "connection",
		Version:      "0.1.0",
		Description:  "Remote manager and indexer connection profiles",
		Dependencies: []string{"vault"},
		Roles:        []string{"profile_store"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	opts := []wazuh.Option{wazuh.WithUserAgent("wazuhsync/" + version.Short())}
	if deps.Config != nil {
		opts = append(opts,
			wazuh.WithTimeout(deps.Config.GetDuration("timeout")),
			wazuh.WithConnectTimeout(deps.Config.GetDuration("connect_timeout")),
		)
	}
	m.client = wazuh.NewClient(opts...)

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "connection", migrations()); err != nil {
			return fmt.Errorf("connection migrations: %w", err)
		}
		m.store = NewStore(deps.Store.DB())
	}

	if deps.Plugins != nil {
		for _, p := range deps.Plugins.ResolveByRole("credential_store") {
			if c, ok := p.(Cipher); ok {
				m.SetCipher(c)
				break
			}
		}
	}
	if m.currentCipher() == nil {
		m.logger.Warn("no credential store resolved; profiles with passwords cannot be saved")
	}
	m.logger.Info("connection module initialized")
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

func (m *Module) Stop(_ context.Context) error { return nil }

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "no store"}
	}
	active, err := m.store.ActiveProfiles(ctx)
	if err != nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: err.Error()}
	}
	if len(active) == 0 {
		return plugin.HealthStatus{Status: "degraded", Message: "no active profiles"}
	}
	return plugin.HealthStatus{Status: "healthy", Details: map[string]string{
		"active_profiles": fmt.Sprint(len(active)),
	}}
}

// SetCipher wires the secret sealer.
func (m *Module) SetCipher(c Cipher) {
	m.mu.Lock()
	m.cipher = c
	m.mu.Unlock()
}

func (m *Module) currentCipher() Cipher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cipher
}

// Store returns the profile store, or nil before Init.
func (m *Module) Store() *Store { return m.store }

// Client returns the shared remote client.
func (m *Module) Client() *wazuh.Client { return m.client }

// ProfileInput is the writable part of a profile. Nil pointers keep the
// current value on update; passwords are plaintext and sealed on write.
type ProfileInput struct {
	Name               string  `json:"name"`
	URL                string  `json:"url"`
	Port               int     `json:"port"`
	Username           string  `json:"username"`
	Password           *string `json:"password,omitempty"`
	IndexerURL         string  `json:"indexer_url"`
	IndexerPort        int     `json:"indexer_port"`
	IndexerUsername    string  `json:"indexer_username"`
	IndexerPassword    *string `json:"indexer_password,omitempty"`
	Description        string  `json:"description"`
	SyncInterval       int     `json:"sync_interval"`
	InsecureSkipVerify *bool   `json:"insecure_skip_verify,omitempty"`
	Active             *bool   `json:"active,omitempty"`
}

// CreateProfile validates in, seals its passwords and stores it.
func (m *Module) CreateProfile(ctx context.Context, in ProfileInput) (*models.Profile, error) {
	p := &models.Profile{InsecureSkipVerify: true, Active: true}
	if err := m.apply(p, in); err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("profile created",
		zap.Int64("profile_id", p.ID),
		zap.String("profile", p.Name),
		zap.String("url", p.URL),
	)
	return p, nil
}

// UpdateProfile merges in over the stored profile.
func (m *Module) UpdateProfile(ctx context.Context, id int64, in ProfileInput) (*models.Profile, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		in.Name = p.Name
	}
	if in.URL == "" {
		in.URL = p.URL
	}
	if in.IndexerURL == "" {
		in.IndexerURL = p.IndexerURL
	}
	if in.Username == "" {
		in.Username = p.Username
	}
	if in.IndexerUsername == "" {
		in.IndexerUsername = p.IndexerUsername
	}
	if in.Port == 0 {
		in.Port = p.Port
	}
	if in.IndexerPort == 0 {
		in.IndexerPort = p.IndexerPort
	}
	if in.SyncInterval == 0 {
		in.SyncInterval = p.SyncInterval
	}
	if in.Description == "" {
		in.Description = p.Description
	}
	if err := m.apply(p, in); err != nil {
		return nil, err
	}
	if err := m.store.Update(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("profile updated", zap.Int64("profile_id", p.ID), zap.String("profile", p.Name))
	return p, nil
}

// DeleteProfile soft-deletes a profile.
func (m *Module) DeleteProfile(ctx context.Context, id int64) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("profile deleted", zap.Int64("profile_id", id))
	return nil
}

func (m *Module) apply(p *models.Profile, in ProfileInput) error {
	p.Name = strings.TrimSpace(in.Name)
	p.URL = strings.TrimRight(strings.TrimSpace(in.URL), "/")
	p.IndexerURL = strings.TrimRight(strings.TrimSpace(in.IndexerURL), "/")
	p.Username = in.Username
	p.IndexerUsername = in.IndexerUsername
	p.Description = in.Description
	p.Port = in.Port
	p.IndexerPort = in.IndexerPort
	p.SyncInterval = in.SyncInterval

	if p.Port == 0 {
		p.Port = defaultManagerPort
	}
	if p.IndexerPort == 0 {
		p.IndexerPort = defaultIndexerPort
	}
	if p.SyncInterval <= 0 {
		p.SyncInterval = models.DefaultSyncInterval
	}
	if in.InsecureSkipVerify != nil {
		p.InsecureSkipVerify = *in.InsecureSkipVerify
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
	if err := validate(p); err != nil {
		return err
	}

	var err error
	if in.Password != nil {
		if p.Password, err = m.seal(*in.Password); err != nil {
			return err
		}
	}
	if in.IndexerPassword != nil {
		if p.IndexerPassword, err = m.seal(*in.IndexerPassword); err != nil {
			return err
		}
	}
	return nil
}

func validate(p *models.Profile) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	for field, raw := range map[string]string{"url": p.URL, "indexer_url": p.IndexerURL} {
		if field == "indexer_url" && raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s must be an http(s) URL", ErrInvalidProfile, field)
		}
		if u.Port() != "" {
			return fmt.Errorf("%w: %s must not carry a port; use the port field", ErrInvalidProfile, field)
		}
	}
	for field, port := range map[string]int{"port": p.Port, "indexer_port": p.IndexerPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s must be between 1 and 65535", ErrInvalidProfile, field)
		}
	}
	return nil
}

func (m *Module) seal(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	c := m.currentCipher()
	if c == nil {
		return nil, ErrNoCipher
	}
	ct, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal secret: %w", err)
	}
	return []byte(ct), nil
}

func (m *Module) open(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	c := m.currentCipher()
	if c == nil {
		return "", ErrNoCipher
	}
	pt, err := c.Decrypt(string(ciphertext))
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return pt, nil
}

// ActiveProfiles returns the profiles agent sync walks.
func (m *Module) ActiveProfiles(ctx context.Context) ([]models.Profile, error) {
	if m.store == nil {
		return nil, errors.New("connection store is not available")
	}
	return m.store.ActiveProfiles(ctx)
}

// Credentials decrypts both passwords of p. Callers hold the result only
// for the duration of one call.
func (m *Module) Credentials(_ context.Context, p models.Profile) (models.ProfileSecrets, error) {
	pw, err := m.open(p.Password)
	if err != nil {
		return models.ProfileSecrets{}, fmt.Errorf("profile %d password: %w", p.ID, err)
	}
	ipw, err := m.open(p.IndexerPassword)
	if err != nil {
		return models.ProfileSecrets{}, fmt.Errorf("profile %d indexer password: %w", p.ID, err)
	}
	return models.ProfileSecrets{Password: pw, IndexerPassword: ipw}, nil
}

// ManagerEndpoint returns p's manager endpoint with only the manager
// password opened.
func (m *Module) ManagerEndpoint(_ context.Context, p models.Profile) (wazuh.Endpoint, error) {
	pw, err := m.open(p.Password)
	if err != nil {
		return wazuh.Endpoint{}, fmt.Errorf("profile %d password: %w", p.ID, err)
	}
	return wazuh.Endpoint{
		BaseURL:            p.URL,
		Port:               p.Port,
		Username:           p.Username,
		Password:           pw,
		InsecureSkipVerify: p.InsecureSkipVerify,
	}, nil
}

// indexerEndpoint falls back to the manager host when no indexer URL is set.
func indexerEndpoint(p models.Profile) wazuh.Endpoint {
	base := p.IndexerURL
	if base == "" {
		base = p.URL
	}
	return wazuh.Endpoint{
		BaseURL:            base,
		Port:               p.IndexerPort,
		Username:           p.IndexerUsername,
		InsecureSkipVerify: p.InsecureSkipVerify,
	}
}

// Searcher implements finding.IndexerProvider. The indexer password is
// opened on every request, never cached.
func (m *Module) Searcher(ctx context.Context, profileID int64) (finding.Searcher, error) {
	if m.store == nil {
		return nil, errors.New("connection store is not available")
	}
	p, err := m.store.Get(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return m.indexer(*p), nil
}

func (m *Module) indexer(p models.Profile) *wazuh.Indexer {
	sealed := p.IndexerPassword
	return wazuh.NewIndexer(m.client, indexerEndpoint(p), func(context.Context) (string, error) {
		return m.open(sealed)
	})
}

// MarkSynced records the last successful agent sync of a profile.
func (m *Module) MarkSynced(ctx context.Context, profileID int64, at time.Time) error {
	return m.store.MarkSynced(ctx, profileID, at)
}

// CheckResult reports both planes of a profile.
type CheckResult struct {
	Manager wazuh.ConnectionCheck `json:"manager"`
	Indexer wazuh.ConnectionCheck `json:"indexer"`
}

// Check calls the manager with its credentials and runs a count on the
// indexer.
func (m *Module) Check(ctx context.Context, id int64) (*CheckResult, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ep, err := m.ManagerEndpoint(ctx, *p)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{Manager: m.client.CheckConnection(ctx, ep, checkPath)}
	if n, err := m.indexer(*p).Count(ctx, checkIndex, wazuh.MatchAll{}); err != nil {
		res.Indexer = wazuh.ConnectionCheck{StatusCode: wazuh.StatusCode(err), Message: err.Error()}
	} else {
		res.Indexer = wazuh.ConnectionCheck{Success: true, StatusCode: 200, Message: fmt.Sprintf("%d alerts indexed", n)}
	}
	m.logger.Info("profile connection checked",
		zap.Int64("profile_id", id),
		zap.Bool("manager_ok", res.Manager.Success),
		zap.Bool("indexer_ok", res.Indexer.Success),
	)
	return res, nil
}
