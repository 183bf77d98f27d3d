// Package agent mirrors each remote manager's agent registry into the local
// store and links agents to inventory devices by name.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/wazuhsync/internal/wazuh"
	"github.com/HerbHall/wazuhsync/pkg/models"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ Client               = (*wazuh.Client)(nil)
)

// ErrNotConfigured is returned when sync runs without a store, profile
// source or manager client.
var ErrNotConfigured = errors.New("agents module is not configured")

// Client is the manager API surface the module needs.
type Client interface {
	Manager
	wazuh.Authenticator
}

// Module implements the agents plugin.
type Module struct {
	logger   *zap.Logger
	bus      plugin.EventBus
	store    *Store
	policy   DuplicatePolicy
	deadline time.Duration

	mu       sync.RWMutex
	profiles ProfileSource
	devices  DeviceStore
	client   Client
	tokens   Tokens
	syncer   *Syncer
	last     []Result
}

// New creates a new agents plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "agents",
		Version:      "0.1.0",
		Description:  "Remote agent registry sync and device linking",
		Dependencies: []string{"connection", "inventory"},
		Roles:        []string{"agent_store"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	m.policy = DuplicateFail
	m.deadline = 10 * time.Minute

	if deps.Config != nil {
		switch p := DuplicatePolicy(deps.Config.GetString("duplicate_policy")); p {
		case "", DuplicateFail:
		case DuplicateMerge:
			m.policy = p
		default:
			return fmt.Errorf("agents: unknown duplicate_policy %q", p)
		}
		if d := deps.Config.GetDuration("deadline"); d > 0 {
			m.deadline = d
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "agents", migrations()); err != nil {
			return fmt.Errorf("agents migrations: %w", err)
		}
		m.store = NewStore(deps.Store.DB())
	}

	m.mu.Lock()
	m.rebuildLocked()
	m.mu.Unlock()

	m.logger.Info("agents module initialized",
		zap.String("duplicate_policy", string(m.policy)),
		zap.Duration("deadline", m.deadline),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

func (m *Module) Stop(_ context.Context) error { return nil }

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "no store"}
	}
	if m.syncer == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "profile source or client not wired"}
	}
	failed := 0
	for _, r := range m.last {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return plugin.HealthStatus{Status: "degraded", Message: fmt.Sprintf("%d of %d profiles failed last sync", failed, len(m.last))}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// SetProfileSource wires the connection profiles.
func (m *Module) SetProfileSource(ps ProfileSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles = ps
	m.rebuildLocked()
}

// SetDeviceStore wires the inventory used for name linking.
func (m *Module) SetDeviceStore(ds DeviceStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = ds
	m.rebuildLocked()
}

// SetClient wires the manager API client and a token cache over it.
func (m *Module) SetClient(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = c
	m.tokens = wazuh.NewTokenCache(c)
	m.rebuildLocked()
}

// Store returns the agent store, or nil before Init.
func (m *Module) Store() *Store { return m.store }

func (m *Module) rebuildLocked() {
	if m.store == nil || m.profiles == nil || m.client == nil || m.logger == nil {
		m.syncer = nil
		return
	}
	m.syncer = NewSyncer(m.store, m.profiles, m.devices, m.client, m.tokens,
		m.policy, m.deadline, m.logger.Named("sync"), m.bus)
}

// SyncAll syncs every active profile.
func (m *Module) SyncAll(ctx context.Context) (bool, []Result, error) {
	m.mu.RLock()
	s := m.syncer
	m.mu.RUnlock()
	if s == nil {
		return false, nil, ErrNotConfigured
	}
	ok, results := s.SyncAll(ctx)
	m.mu.Lock()
	m.last = results
	m.mu.Unlock()
	return ok, results, nil
}

// SyncProfile syncs one active profile by id.
func (m *Module) SyncProfile(ctx context.Context, profileID int64) (bool, Result, error) {
	m.mu.RLock()
	s, ps := m.syncer, m.profiles
	m.mu.RUnlock()
	if s == nil {
		return false, Result{}, ErrNotConfigured
	}
	profiles, err := ps.ActiveProfiles(ctx)
	if err != nil {
		return false, Result{}, err
	}
	for _, p := range profiles {
		if p.ID == profileID {
			ok, res := s.SyncOne(ctx, p)
			return ok, res, nil
		}
	}
	return false, Result{}, fmt.Errorf("active profile %d: %w", profileID, errProfileNotFound)
}

var errProfileNotFound = errors.New("profile not found")

// Link manually points an agent at a device after checking the device
// exists. A zero deviceID clears the link.
func (m *Module) Link(ctx context.Context, agentID int64, kind models.DeviceKind, deviceID int64) (*models.Agent, error) {
	if m.store == nil {
		return nil, ErrNotConfigured
	}
	if deviceID != 0 {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: device_kind %q", ErrInvalidLink, kind)
		}
		m.mu.RLock()
		ds := m.devices
		m.mu.RUnlock()
		if ds != nil {
			if _, err := ds.Get(ctx, kind, deviceID); err != nil {
				return nil, err
			}
		}
	} else {
		kind = ""
	}
	if err := m.store.Link(ctx, agentID, kind, deviceID); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, agentID)
}

// ErrInvalidLink wraps malformed link requests.
var ErrInvalidLink = errors.New("invalid link")
