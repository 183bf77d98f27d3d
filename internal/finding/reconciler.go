package finding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/wazuhsync/internal/cooldown"
	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/internal/wazuh"
	"github.com/HerbHall/wazuhsync/pkg/models"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoAgents is returned for targets without a linked agent.
var ErrNoAgents = errors.New("target has no linked agents")

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wazuhsync_finding_sync_runs_total",
		Help: "Finding reconciliation passes, by kind and terminal state.",
	}, []string{"kind", "state"})
	findingsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wazuhsync_findings_upserted_total",
		Help: "Finding documents written to the local store, by kind.",
	}, []string{"kind"})
)

// State is a reconciliation pass phase. Completed, Skipped and Failed are
// terminal.
type State string

const (
	StateGuarded       State = "guarded"
	StateCounting      State = "counting"
	StateDiscontinuing State = "discontinuing"
	StatePaging        State = "paging"
	StateCompleted     State = "completed"
	StateSkipped       State = "skipped"
	StateFailed        State = "failed"
)

// Outcome is the result of one pass. Committed pages stay committed when a
// later page fails, so counters reflect partial progress.
type Outcome struct {
	RunID        string             `json:"run_id"`
	Kind         models.FindingKind `json:"kind"`
	DeviceKind   models.DeviceKind  `json:"device_kind"`
	DeviceID     int64              `json:"device_id"`
	State        State              `json:"state"`
	Total        int                `json:"total"`
	Pages        int                `json:"pages"`
	Upserted     int                `json:"upserted"`
	Created      int                `json:"created"`
	Updated      int                `json:"updated"`
	Discontinued int                `json:"discontinued"`
	Invalid      int                `json:"invalid"`
	Error        string             `json:"error,omitempty"`
	Err          error              `json:"-"`
	StartedAt    time.Time          `json:"started_at"`
	Duration     time.Duration      `json:"duration"`
}

// OK reports whether the pass ended without error.
func (o *Outcome) OK() bool {
	return o.State == StateCompleted || o.State == StateSkipped
}

func (o *Outcome) fail(err error) *Outcome {
	o.Err = fmt.Errorf("%s while %s: %w", o.Kind, o.State, err)
	o.State = StateFailed
	return o
}

// Searcher is the part of the indexer client the reconciler drives.
type Searcher interface {
	Search(ctx context.Context, index string, q wazuh.Query, size, from int, sort ...wazuh.SortField) (*wazuh.SearchResult, error)
	Count(ctx context.Context, index string, q wazuh.Query) (int, error)
}

// Request describes one pass. Tenant scopes the cooldown key.
type Request struct {
	Kind     models.FindingKind
	Target   Target
	AgentIDs []string
	Tenant   string
	Source   Searcher
}

// Options tunes paging. Zero values fall back to DefaultOptions.
type Options struct {
	PageSize     int
	PageInterval time.Duration
	Deadline     time.Duration
	// AlertSkew widens the alert upper bound past now.
	AlertSkew time.Duration
	// Incremental bounds discontinuing kinds by their watermark. Such a
	// pass cannot tell which older rows are gone, so it skips
	// discontinuation; leave it off to detect remediated findings.
	Incremental bool
}

// DefaultOptions returns the stock paging settings.
func DefaultOptions() Options {
	return Options{
		PageSize:     500,
		PageInterval: 100 * time.Millisecond,
		Deadline:     10 * time.Minute,
	}
}

// Reconciler runs guarded, paged upsert passes for one device at a time.
type Reconciler struct {
	store     *Store
	watermark *Watermark
	kinds     map[models.FindingKind]*KindConfig
	guard     cooldown.Guard
	opts      Options
	logger    *zap.Logger
	bus       plugin.EventBus
	tracer    trace.Tracer
	nowFunc   func() time.Time
}

// NewReconciler wires a reconciler. bus may be nil.
func NewReconciler(s *Store, kinds map[models.FindingKind]*KindConfig, guard cooldown.Guard,
	opts Options, logger *zap.Logger, bus plugin.EventBus) *Reconciler {
	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.Deadline <= 0 {
		opts.Deadline = def.Deadline
	}
	if opts.PageInterval < 0 {
		opts.PageInterval = 0
	}
	return &Reconciler{
		store:     s,
		watermark: NewWatermark(s, kinds),
		kinds:     kinds,
		guard:     guard,
		opts:      opts,
		logger:    logger,
		bus:       bus,
		tracer:    otel.Tracer("github.com/HerbHall/wazuhsync/internal/finding"),
		nowFunc:   time.Now,
	}
}

// Watermark exposes the tracker the reconciler reads bounds from.
func (r *Reconciler) Watermark() *Watermark { return r.watermark }

// Reconcile runs one pass and never panics on remote data. The returned
// outcome is also persisted to the run log and published on the bus.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) *Outcome {
	start := r.nowFunc()
	out := &Outcome{
		RunID:     uuid.NewString(),
		Kind:      req.Kind,
		State:     StateGuarded,
		StartedAt: start.UTC(),
	}
	if req.Target != nil {
		out.DeviceKind = req.Target.Kind()
		out.DeviceID = req.Target.LocalID()
	}

	ctx, span := r.tracer.Start(ctx, "finding.Reconcile", trace.WithAttributes(
		attribute.String("finding.kind", string(req.Kind)),
		attribute.String("device.kind", string(out.DeviceKind)),
		attribute.Int64("device.id", out.DeviceID),
	))
	defer span.End()
	defer r.finish(ctx, out, span, start)

	kc, ok := r.kinds[req.Kind]
	if !ok {
		return out.fail(fmt.Errorf("unknown finding kind %q", req.Kind))
	}
	if req.Target == nil || len(req.AgentIDs) == 0 {
		return out.fail(ErrNoAgents)
	}
	if req.Source == nil {
		return out.fail(errors.New("no indexer for target"))
	}

	key := cooldown.Key{Kind: string(kc.Kind), Scope: req.AgentIDs[0], Tenant: req.Tenant}
	acquired, err := r.guard.TryAcquire(ctx, key)
	if err != nil {
		return out.fail(err)
	}
	if !acquired {
		out.State = StateSkipped
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Deadline)
	defer cancel()

	// Discontinuation compares against the complete remote set, so it
	// never runs behind a lower bound.
	discontinue := kc.Discontinues && !r.opts.Incremental
	var watermark time.Time
	if !discontinue {
		if watermark, err = r.watermark.Latest(ctx, kc, req.Target); err != nil {
			return out.fail(err)
		}
	}
	q := kc.Query(req.AgentIDs, watermark, r.nowFunc(), r.opts.AlertSkew)

	out.State = StateCounting
	total, err := req.Source.Count(ctx, kc.Index, q)
	if err != nil {
		return out.fail(err)
	}
	out.Total = total

	if discontinue {
		out.State = StateDiscontinuing
		if _, err := r.store.MarkDiscontinued(ctx, kc, out.DeviceKind, out.DeviceID); err != nil {
			return out.fail(err)
		}
	}

	out.State = StatePaging
	limiter := r.pageLimiter()
	size := r.opts.PageSize
	pages := (total + size - 1) / size
	for page := 0; page < pages; page++ {
		if err := limiter.Wait(ctx); err != nil {
			return out.fail(fmt.Errorf("page %d: %w", page, err))
		}
		res, err := req.Source.Search(ctx, kc.Index, q, size, page*size, kc.Sort()...)
		if err != nil {
			return out.fail(fmt.Errorf("page %d: %w", page, err))
		}
		out.Pages++
		for _, hit := range res.Hits {
			if err := r.apply(ctx, kc, req.Target, hit, out); err != nil {
				return out.fail(err)
			}
		}
		if len(res.Hits) == 0 {
			break
		}
	}

	if discontinue {
		n, err := r.store.CountDiscontinued(ctx, kc, out.DeviceKind, out.DeviceID)
		if err != nil {
			return out.fail(err)
		}
		out.Discontinued = n
	}
	out.State = StateCompleted
	return out
}

// apply upserts one document. Undecodable documents are counted and
// skipped; storage errors, including duplicate keys, abort the pass.
func (r *Reconciler) apply(ctx context.Context, kc *KindConfig, target Target, hit wazuh.Hit, out *Outcome) error {
	f, err := kc.Map(hit)
	if err != nil {
		out.Invalid++
		r.logger.Warn("skipping undecodable document",
			zap.String("kind", string(kc.Kind)),
			zap.String("key", hit.ID),
			zap.Error(err),
		)
		return nil
	}
	f.DeviceKind = target.Kind()
	f.DeviceID = target.LocalID()

	res, err := r.store.Upsert(ctx, kc, &f)
	if err != nil {
		if store.IsDataIntegrity(err) {
			r.logger.Error("duplicate finding key",
				zap.String("kind", string(kc.Kind)),
				zap.String("key", f.Key),
				zap.Int64("device_id", f.DeviceID),
				zap.Error(err),
			)
		}
		return err
	}
	out.Upserted++
	if res.Created {
		out.Created++
	} else {
		out.Updated++
	}
	return nil
}

func (r *Reconciler) pageLimiter() *rate.Limiter {
	if r.opts.PageInterval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(r.opts.PageInterval), 1)
}

func (r *Reconciler) finish(ctx context.Context, out *Outcome, span trace.Span, start time.Time) {
	out.Duration = r.nowFunc().Sub(start)
	if out.Err != nil {
		out.Error = out.Err.Error()
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Error)
	}
	span.SetAttributes(
		attribute.String("sync.state", string(out.State)),
		attribute.Int("sync.total", out.Total),
		attribute.Int("sync.upserted", out.Upserted),
	)

	syncRuns.WithLabelValues(string(out.Kind), string(out.State)).Inc()
	findingsUpserted.WithLabelValues(string(out.Kind)).Add(float64(out.Upserted))

	// The pass context may already be past its deadline.
	bg := context.WithoutCancel(ctx)
	if err := r.store.InsertRun(bg, out); err != nil {
		r.logger.Warn("failed to record finding sync run", zap.String("run_id", out.RunID), zap.Error(err))
	}
	if r.bus != nil {
		r.bus.PublishAsync(bg, plugin.Event{
			Topic:   TopicSyncCompleted,
			Source:  "findings",
			Payload: *out,
		})
	}

	fields := []zap.Field{
		zap.String("run_id", out.RunID),
		zap.String("kind", string(out.Kind)),
		zap.String("device_kind", string(out.DeviceKind)),
		zap.Int64("device_id", out.DeviceID),
		zap.String("state", string(out.State)),
		zap.Int("total", out.Total),
		zap.Int("pages", out.Pages),
		zap.Int("created", out.Created),
		zap.Int("updated", out.Updated),
		zap.Int("discontinued", out.Discontinued),
		zap.Duration("duration", out.Duration),
	}
	switch out.State {
	case StateFailed:
		r.logger.Warn("finding sync failed", append(fields, zap.Error(out.Err))...)
	case StateSkipped:
		r.logger.Debug("finding sync skipped by cooldown", fields...)
	default:
		r.logger.Info("finding sync completed", fields...)
	}
}
