package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/internal/wazuh"
	"github.com/HerbHall/wazuhsync/pkg/models"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TopicSyncCompleted is published once per profile after an agent sync.
const TopicSyncCompleted = "agent.sync.completed"

var agentsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wazuhsync_agents_synced_total",
	Help: "Remote agents processed by registry sync, by result.",
}, []string{"result"})

// DuplicatePolicy decides what happens when several agents of one profile
// link to the same device.
type DuplicatePolicy string

const (
	// DuplicateFail leaves the later agent unlinked and records a
	// DataIntegrityError for it.
	DuplicateFail DuplicatePolicy = "fail"
	// DuplicateMerge keeps the agent with the newest keep-alive linked and
	// unlinks the rest.
	DuplicateMerge DuplicatePolicy = "merge"
)

// ProfileSource supplies profiles and their opened manager endpoints.
// Implemented by the connection module.
type ProfileSource interface {
	ActiveProfiles(ctx context.Context) ([]models.Profile, error)
	ManagerEndpoint(ctx context.Context, p models.Profile) (wazuh.Endpoint, error)
	MarkSynced(ctx context.Context, profileID int64, at time.Time) error
}

// DeviceStore resolves local devices. Implemented by inventory.Store.
type DeviceStore interface {
	FindByName(ctx context.Context, name string) ([]models.Device, error)
	Get(ctx context.Context, kind models.DeviceKind, id int64) (*models.Device, error)
}

// Manager lists a manager's agents.
type Manager interface {
	ListAgents(ctx context.Context, ep wazuh.Endpoint, tok wazuh.Token) ([]wazuh.RemoteAgent, error)
}

// Tokens hands out bearer tokens. Implemented by wazuh.TokenCache.
type Tokens interface {
	Token(ctx context.Context, ep wazuh.Endpoint) (wazuh.Token, error)
	Invalidate(ep wazuh.Endpoint)
}

// Result summarises one profile's sync.
type Result struct {
	ProfileID int64         `json:"profile_id"`
	Profile   string        `json:"profile"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Created   int           `json:"created"`
	Linked    int           `json:"linked"`
	Error     string        `json:"error,omitempty"`
	Err       error         `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// Syncer pulls agent registries into the local store.
type Syncer struct {
	store    *Store
	profiles ProfileSource
	devices  DeviceStore
	manager  Manager
	tokens   Tokens
	policy   DuplicatePolicy
	deadline time.Duration
	logger   *zap.Logger
	bus      plugin.EventBus
	tracer   trace.Tracer
	nowFunc  func() time.Time
}

// NewSyncer wires a Syncer. devices and bus may be nil.
func NewSyncer(s *Store, profiles ProfileSource, devices DeviceStore, manager Manager, tokens Tokens,
	policy DuplicatePolicy, deadline time.Duration, logger *zap.Logger, bus plugin.EventBus) *Syncer {
	if policy != DuplicateMerge {
		policy = DuplicateFail
	}
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	return &Syncer{
		store:    s,
		profiles: profiles,
		devices:  devices,
		manager:  manager,
		tokens:   tokens,
		policy:   policy,
		deadline: deadline,
		logger:   logger,
		bus:      bus,
		tracer:   otel.Tracer("github.com/HerbHall/wazuhsync/internal/agent"),
		nowFunc:  time.Now,
	}
}

// SyncAll syncs every active profile in turn. A failing profile never
// blocks the next one. ok is true when at least one agent synced.
func (s *Syncer) SyncAll(ctx context.Context) (bool, []Result) {
	profiles, err := s.profiles.ActiveProfiles(ctx)
	if err != nil {
		s.logger.Error("failed to list active profiles", zap.Error(err))
		return false, []Result{{Err: err, Error: err.Error()}}
	}

	var (
		ok      bool
		results = make([]Result, 0, len(profiles))
	)
	for _, p := range profiles {
		if ctx.Err() != nil {
			break
		}
		pok, res := s.SyncOne(ctx, p)
		ok = ok || pok
		results = append(results, res)
	}
	return ok, results
}

// SyncOne authenticates against p's manager, lists its agents and upserts
// each. Auth and listing failures write nothing for the profile.
func (s *Syncer) SyncOne(ctx context.Context, p models.Profile) (bool, Result) {
	start := s.nowFunc()
	res := Result{ProfileID: p.ID, Profile: p.Name}

	ctx, span := s.tracer.Start(ctx, "agent.SyncOne", trace.WithAttributes(
		attribute.Int64("profile.id", p.ID),
		attribute.String("profile.name", p.Name),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	err := s.syncProfile(ctx, p, &res)
	res.Duration = s.nowFunc().Sub(start)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.Int("agents.success", res.Success), attribute.Int("agents.failed", res.Failed))

	agentsSynced.WithLabelValues("success").Add(float64(res.Success))
	agentsSynced.WithLabelValues("failed").Add(float64(res.Failed))
	if s.bus != nil {
		s.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
			Topic:   TopicSyncCompleted,
			Source:  "agents",
			Payload: res,
		})
	}

	fields := []zap.Field{
		zap.Int64("profile_id", p.ID),
		zap.String("profile", p.Name),
		zap.Int("success", res.Success),
		zap.Int("failed", res.Failed),
		zap.Int("created", res.Created),
		zap.Int("linked", res.Linked),
		zap.Duration("duration", res.Duration),
	}
	if err != nil {
		s.logger.Warn("agent sync failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("agent sync completed", fields...)
	}
	return res.Success > 0, res
}

func (s *Syncer) syncProfile(ctx context.Context, p models.Profile, res *Result) error {
	ep, err := s.profiles.ManagerEndpoint(ctx, p)
	if err != nil {
		return err
	}
	tok, err := s.tokens.Token(ctx, ep)
	if err != nil {
		return err
	}
	remote, err := s.manager.ListAgents(ctx, ep, tok)
	if err != nil {
		if wazuh.IsAuth(err) {
			s.tokens.Invalidate(ep)
		}
		return err
	}

	now := s.nowFunc()
	var errs []error
	for _, ra := range remote {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.upsert(ctx, p, ra, now, res); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("agent %s: %w", ra.ID, err))
			s.logger.Warn("agent upsert failed",
				zap.String("profile", p.Name),
				zap.String("agent_id", ra.ID),
				zap.Error(err),
			)
			continue
		}
		res.Success++
	}

	if res.Success > 0 {
		if err := s.profiles.MarkSynced(ctx, p.ID, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) upsert(ctx context.Context, p models.Profile, ra wazuh.RemoteAgent, now time.Time, res *Result) error {
	a := models.Agent{
		ProfileID:     p.ID,
		ExternalID:    ra.ID,
		Name:          ra.Name,
		IP:            ra.IP,
		Version:       ra.Version,
		Status:        models.ParseAgentStatus(ra.Status),
		LastKeepAlive: wazuh.KeepAlive(ra.LastKeepAlive, now),
		OSName:        ra.OS.Name,
		OSVersion:     ra.OS.Version,
		Groups:        ra.Group,
	}

	if s.devices != nil && a.Name != "" {
		matches, err := s.devices.FindByName(ctx, a.Name)
		if err != nil {
			return err
		}
		if len(matches) > 0 {
			a.DeviceKind = matches[0].Type
			a.DeviceID = matches[0].ID
		}
	}
	matched := a.Linked()

	created, err := s.store.Upsert(ctx, &a)
	if err != nil {
		return err
	}
	if created {
		res.Created++
	}
	if !a.Linked() {
		return nil
	}
	kept, err := s.checkDuplicates(ctx, a)
	if err != nil {
		return err
	}
	if matched && kept {
		res.Linked++
	}
	return nil
}

// checkDuplicates applies the duplicate policy to the device a is linked to
// and reports whether a kept its link.
func (s *Syncer) checkDuplicates(ctx context.Context, a models.Agent) (bool, error) {
	linked, err := s.store.ByDevice(ctx, a.ProfileID, a.DeviceKind, a.DeviceID)
	if err != nil {
		return false, err
	}
	if len(linked) <= 1 {
		return true, nil
	}

	key := fmt.Sprintf("%s/%d", a.DeviceKind, a.DeviceID)
	if s.policy == DuplicateFail {
		// The row stays, unlinked, so the earlier link is undisturbed.
		if err := s.store.Link(ctx, a.ID, "", 0); err != nil {
			return false, err
		}
		return false, &store.DataIntegrityError{Table: "wazuh_agents", Key: key, Count: len(linked)}
	}

	// linked is newest first.
	for _, dup := range linked[1:] {
		if err := s.store.Link(ctx, dup.ID, "", 0); err != nil {
			return false, err
		}
		s.logger.Info("unlinked duplicate agent",
			zap.String("device", key),
			zap.String("agent_id", dup.ExternalID),
			zap.String("kept_agent_id", linked[0].ExternalID),
		)
	}
	return linked[0].ID == a.ID, nil
}
