// Package finding reconciles indexer vulnerability and alert documents into
// the local store, one linked device at a time.
package finding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/wazuhsync/internal/cooldown"
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

// ErrNotConfigured is returned when the module has no store or collaborators.
var ErrNotConfigured = errors.New("findings module is not configured")

// TargetProvider resolves the devices findings are synced for.
// Implemented by the inventory module, wired in the composition root.
type TargetProvider interface {
	LinkedTargets(ctx context.Context) ([]models.LinkedTarget, error)
	LinkedTarget(ctx context.Context, kind models.DeviceKind, deviceID int64) (*models.LinkedTarget, error)
}

// IndexerProvider builds a Searcher for a profile's indexer.
// Implemented by the connection module.
type IndexerProvider interface {
	Searcher(ctx context.Context, profileID int64) (Searcher, error)
}

// Config holds the findings module settings under plugins.findings.
type Config struct {
	PageSize           int           `mapstructure:"page_size"`
	PageInterval       time.Duration `mapstructure:"page_interval"`
	Deadline           time.Duration `mapstructure:"deadline"`
	AlertSkew          time.Duration `mapstructure:"alert_skew"`
	Incremental        bool          `mapstructure:"incremental"`
	VulnerabilityIndex string        `mapstructure:"vulnerability_index"`
	AlertIndex         string        `mapstructure:"alert_index"`
	CooldownWindow     time.Duration `mapstructure:"cooldown_window"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	opts := DefaultOptions()
	kinds := DefaultKinds()
	return Config{
		PageSize:           opts.PageSize,
		PageInterval:       opts.PageInterval,
		Deadline:           opts.Deadline,
		VulnerabilityIndex: kinds[models.FindingVulnerability].Index,
		AlertIndex:         kinds[models.FindingAlert].Index,
		CooldownWindow:     cooldown.DefaultWindow,
	}
}

// Module implements the findings plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	bus    plugin.EventBus
	store  *Store
	kinds  map[models.FindingKind]*KindConfig

	mu       sync.RWMutex
	guard    cooldown.Guard
	rec      *Reconciler
	targets  TargetProvider
	indexers IndexerProvider
	lastRun  *Outcome
}

// New creates a new findings plugin instance.
func New() *Module {
	return &Module{}
}

// Info implements plugin.Plugin.
func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "findings",
		Version:      "0.1.0",
		Description:  "Reconciles indexer vulnerabilities and alerts into the local store",
		Dependencies: []string{"inventory"},
		Roles:        []string{"finding_store"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

// Init implements plugin.Plugin.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	m.cfg = DefaultConfig()

	if deps.Config != nil {
		if v := deps.Config.GetInt("page_size"); v > 0 {
			m.cfg.PageSize = v
		}
		if deps.Config.IsSet("page_interval") {
			m.cfg.PageInterval = deps.Config.GetDuration("page_interval")
		}
		if d := deps.Config.GetDuration("deadline"); d > 0 {
			m.cfg.Deadline = d
		}
		if d := deps.Config.GetDuration("alert_skew"); d > 0 {
			m.cfg.AlertSkew = d
		}
		if deps.Config.IsSet("incremental") {
			m.cfg.Incremental = deps.Config.GetBool("incremental")
		}
		if v := deps.Config.GetString("vulnerability_index"); v != "" {
			m.cfg.VulnerabilityIndex = v
		}
		if v := deps.Config.GetString("alert_index"); v != "" {
			m.cfg.AlertIndex = v
		}
		if d := deps.Config.GetDuration("cooldown_window"); d > 0 {
			m.cfg.CooldownWindow = d
		}
	}

	m.kinds = DefaultKinds()
	m.kinds[models.FindingVulnerability].Index = m.cfg.VulnerabilityIndex
	m.kinds[models.FindingAlert].Index = m.cfg.AlertIndex

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "findings", migrations()); err != nil {
			return fmt.Errorf("findings migrations: %w", err)
		}
		m.store = NewStore(deps.Store.DB())
	} else {
		m.logger.Warn("findings module initialized without a store; sync is disabled")
	}

	m.mu.Lock()
	if m.guard == nil {
		m.guard = cooldown.NewMemory(m.cfg.CooldownWindow)
	}
	m.rebuildLocked()
	m.mu.Unlock()

	m.logger.Info("findings module initialized",
		zap.Int("page_size", m.cfg.PageSize),
		zap.Duration("page_interval", m.cfg.PageInterval),
		zap.Duration("deadline", m.cfg.Deadline),
		zap.Bool("incremental", m.cfg.Incremental),
	)
	return nil
}

// Start implements plugin.Plugin.
func (m *Module) Start(_ context.Context) error {
	m.logger.Info("findings module started")
	return nil
}

// Stop implements plugin.Plugin.
func (m *Module) Stop(_ context.Context) error {
	if m.logger != nil {
		m.logger.Info("findings module stopped")
	}
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.store == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "no store"}
	}
	if m.targets == nil || m.indexers == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "target or indexer provider not wired"}
	}
	if m.lastRun == nil {
		return plugin.HealthStatus{Status: "healthy", Message: "awaiting first sync"}
	}
	details := map[string]string{
		"last_run_id":    m.lastRun.RunID,
		"last_kind":      string(m.lastRun.Kind),
		"last_device_id": strconv.FormatInt(m.lastRun.DeviceID, 10),
		"last_state":     string(m.lastRun.State),
	}
	if m.lastRun.State == StateFailed {
		return plugin.HealthStatus{Status: "degraded", Message: "last sync failed: " + m.lastRun.Error, Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Message: "last sync OK", Details: details}
}

// SetGuard replaces the cooldown guard, e.g. with a shared Redis guard.
func (m *Module) SetGuard(g cooldown.Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = g
	m.rebuildLocked()
}

// SetTargetProvider wires the linked-device source.
func (m *Module) SetTargetProvider(p TargetProvider) {
	m.mu.Lock()
	m.targets = p
	m.mu.Unlock()
}

// SetIndexerProvider wires the per-profile indexer factory.
func (m *Module) SetIndexerProvider(p IndexerProvider) {
	m.mu.Lock()
	m.indexers = p
	m.mu.Unlock()
}

// Store returns the findings store, or nil before Init.
func (m *Module) Store() *Store { return m.store }

// Reconciler returns the active reconciler, or nil without a store.
func (m *Module) Reconciler() *Reconciler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec
}

func (m *Module) rebuildLocked() {
	if m.store == nil || m.guard == nil {
		return
	}
	m.rec = NewReconciler(m.store, m.kinds, m.guard, Options{
		PageSize:     m.cfg.PageSize,
		PageInterval: m.cfg.PageInterval,
		Deadline:     m.cfg.Deadline,
		AlertSkew:    m.cfg.AlertSkew,
		Incremental:  m.cfg.Incremental,
	}, m.logger.Named("reconciler"), m.bus)
}

// SyncDevice runs the requested kinds, vulnerabilities first, for one
// linked device. A nil kinds slice syncs both.
func (m *Module) SyncDevice(ctx context.Context, kind models.DeviceKind, deviceID int64, kinds ...models.FindingKind) ([]*Outcome, error) {
	m.mu.RLock()
	targets := m.targets
	m.mu.RUnlock()
	if targets == nil {
		return nil, ErrNotConfigured
	}
	lt, err := targets.LinkedTarget(ctx, kind, deviceID)
	if err != nil {
		return nil, err
	}
	return m.syncTarget(ctx, *lt, kinds...)
}

// SyncAll walks every linked device of every kind. A failing device does
// not stop the walk; the joined error reports each failure.
func (m *Module) SyncAll(ctx context.Context) ([]*Outcome, error) {
	m.mu.RLock()
	targets := m.targets
	m.mu.RUnlock()
	if targets == nil {
		return nil, ErrNotConfigured
	}
	lts, err := targets.LinkedTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list linked targets: %w", err)
	}

	var (
		all  []*Outcome
		errs []error
	)
	for _, lt := range lts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		outs, err := m.syncTarget(ctx, lt)
		all = append(all, outs...)
		if err != nil {
			errs = append(errs, err)
		}
		for _, o := range outs {
			if o.Err != nil {
				errs = append(errs, fmt.Errorf("device %s/%d: %w", o.DeviceKind, o.DeviceID, o.Err))
			}
		}
	}
	m.logger.Info("finding sync walk completed",
		zap.Int("targets", len(lts)),
		zap.Int("passes", len(all)),
		zap.Int("failures", len(errs)),
	)
	return all, errors.Join(errs...)
}

func (m *Module) syncTarget(ctx context.Context, lt models.LinkedTarget, kinds ...models.FindingKind) ([]*Outcome, error) {
	m.mu.RLock()
	rec, indexers := m.rec, m.indexers
	m.mu.RUnlock()
	if rec == nil || indexers == nil {
		return nil, ErrNotConfigured
	}
	if len(kinds) == 0 {
		kinds = []models.FindingKind{models.FindingVulnerability, models.FindingAlert}
	}

	src, err := indexers.Searcher(ctx, lt.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("indexer for profile %d: %w", lt.ProfileID, err)
	}

	outs := make([]*Outcome, 0, len(kinds))
	for _, k := range kinds {
		out := rec.Reconcile(ctx, Request{
			Kind:     k,
			Target:   lt.Device,
			AgentIDs: lt.AgentIDs,
			Tenant:   strconv.FormatInt(lt.ProfileID, 10),
			Source:   src,
		})
		outs = append(outs, out)
		m.mu.Lock()
		m.lastRun = out
		m.mu.Unlock()
		// Duplicate local rows stop the device until they are repaired.
		if store.IsDataIntegrity(out.Err) {
			m.logger.Warn("stopping device after data integrity failure",
				zap.String("device_kind", string(lt.Device.Type)),
				zap.Int64("device_id", lt.Device.ID),
				zap.String("kind", string(k)),
			)
			break
		}
	}
	return outs, nil
}

// Urgency returns the average urgency hint for the given rows of a kind.
func (m *Module) Urgency(ctx context.Context, kind models.FindingKind, ids []int64) (models.Severity, error) {
	if m.store == nil {
		return 0, ErrNotConfigured
	}
	kc, ok := m.kinds[kind]
	if !ok {
		return 0, fmt.Errorf("unknown finding kind %q", kind)
	}
	sevs, err := m.store.Severities(ctx, kc, ids)
	if err != nil {
		return 0, err
	}
	return AverageUrgency(sevs)
}

// AttachTicket links findings of one kind to a tracking ticket and returns
// the number of rows changed with their urgency hint.
func (m *Module) AttachTicket(ctx context.Context, kind models.FindingKind, ids []int64, ticketID int64) (int, models.Severity, error) {
	if m.store == nil {
		return 0, 0, ErrNotConfigured
	}
	kc, ok := m.kinds[kind]
	if !ok {
		return 0, 0, fmt.Errorf("unknown finding kind %q", kind)
	}
	if ticketID < 0 {
		return 0, 0, errors.New("ticket_id must not be negative")
	}
	n, err := m.store.AttachTicket(ctx, kc, ids, ticketID)
	if err != nil {
		return 0, 0, err
	}
	sevs, err := m.store.Severities(ctx, kc, ids)
	if err != nil {
		return n, 0, err
	}
	u, err := AverageUrgency(sevs)
	if err != nil {
		return n, 0, err
	}
	m.logger.Info("findings attached to ticket",
		zap.String("kind", string(kind)),
		zap.Int64("ticket_id", ticketID),
		zap.Int("rows", n),
	)
	return n, u, nil
}
