// Package inventory stores the local devices remote agents are linked to.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/pkg/models"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// ErrNotWired is returned by LinkedTargets before SetLinkSource.
var ErrNotWired = errors.New("inventory: link source not wired")

// LinkSource lists the agents currently linked to a device. Implemented by
// the agent module.
type LinkSource interface {
	LinkedAgents(ctx context.Context) ([]models.Agent, error)
}

// Module implements the inventory plugin.
type Module struct {
	logger *zap.Logger
	store  *Store

	mu    sync.RWMutex
	links LinkSource
}

// New creates a new inventory plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "inventory",
		Version:     "0.1.0",
		Description: "Local computers and network equipment",
		Roles:       []string{"device_store"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "inventory", migrations()); err != nil {
			return fmt.Errorf("inventory migrations: %w", err)
		}
		m.store = NewStore(deps.Store.DB())
	}
	m.logger.Info("inventory module initialized")
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

func (m *Module) Stop(_ context.Context) error { return nil }

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "no store"}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// Store returns the device store, or nil before Init.
func (m *Module) Store() *Store { return m.store }

// SetLinkSource wires the agent link lookup used by LinkedTargets.
func (m *Module) SetLinkSource(src LinkSource) {
	m.mu.Lock()
	m.links = src
	m.mu.Unlock()
}

type targetKey struct {
	kind      models.DeviceKind
	id        int64
	profileID int64
}

// LinkedTargets joins linked agents to their devices. A device linked to
// agents of two profiles yields one target per profile. Links to devices
// that no longer exist are skipped.
func (m *Module) LinkedTargets(ctx context.Context) ([]models.LinkedTarget, error) {
	agents, err := m.linkedAgents(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[targetKey]*models.LinkedTarget)
	var order []targetKey
	for i := range agents {
		a := &agents[i]
		k := targetKey{kind: a.DeviceKind, id: a.DeviceID, profileID: a.ProfileID}
		if lt, ok := byKey[k]; ok {
			lt.AgentIDs = append(lt.AgentIDs, a.ExternalID)
			continue
		}
		dev, err := m.store.Get(ctx, a.DeviceKind, a.DeviceID)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("agent linked to missing device",
				zap.String("agent_id", a.ExternalID),
				zap.String("device_kind", string(a.DeviceKind)),
				zap.Int64("device_id", a.DeviceID),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		byKey[k] = &models.LinkedTarget{Device: *dev, ProfileID: a.ProfileID, AgentIDs: []string{a.ExternalID}}
		order = append(order, k)
	}

	// Walk order: computers before network equipment, then by id.
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].kind != order[j].kind {
			return order[i].kind == models.DeviceKindComputer
		}
		return order[i].id < order[j].id
	})
	out := make([]models.LinkedTarget, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out, nil
}

// LinkedTarget returns the first linked target for one device.
func (m *Module) LinkedTarget(ctx context.Context, kind models.DeviceKind, deviceID int64) (*models.LinkedTarget, error) {
	all, err := m.LinkedTargets(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Device.Type == kind && all[i].Device.ID == deviceID {
			return &all[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Module) linkedAgents(ctx context.Context) ([]models.Agent, error) {
	m.mu.RLock()
	src := m.links
	m.mu.RUnlock()
	if src == nil || m.store == nil {
		return nil, ErrNotWired
	}
	agents, err := src.LinkedAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list linked agents: %w", err)
	}
	return agents, nil
}
