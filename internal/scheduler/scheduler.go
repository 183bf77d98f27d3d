// Package scheduler runs named sync tasks on cron schedules. A task never
// overlaps itself: a tick that finds the previous run still busy is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

var (
	// ErrUnknownTask is returned for a task name that was never registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrBusy is returned when a task is already running.
	ErrBusy = errors.New("task is already running")
)

// Task names registered by the composition root.
const (
	TaskSyncAgents    = "syncagents"
	TaskFetchFindings = "fetchfindings"
)

// TopicTaskCompleted is published after every task run.
const TopicTaskCompleted = "scheduler.task.completed"

var taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "wazuhsync_scheduler_runs_total",
	Help: "Scheduled task runs by task and result.",
}, []string{"task", "result"})

// parser accepts five-field expressions and descriptors such as @every 1h.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TaskFunc is the body of a task.
type TaskFunc func(ctx context.Context) error

// Status is the API view of a task.
type Status struct {
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Enabled      bool       `json:"enabled"`
	Running      bool       `json:"running"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Runs         int        `json:"runs"`
	Skipped      int        `json:"skipped"`
}

type task struct {
	name     string
	schedule string
	enabled  bool
	fn       TaskFunc
	entry    cron.EntryID

	run sync.Mutex

	mu      sync.Mutex
	running bool
	lastRun *time.Time
	lastDur time.Duration
	lastErr error
	runs    int
	skipped int
}

// Module implements the scheduler plugin.
type Module struct {
	logger  *zap.Logger
	bus     plugin.EventBus
	cfg     plugin.Config
	nowFunc func() time.Time

	mu      sync.RWMutex
	cron    *cron.Cron
	tasks   map[string]*task
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new scheduler plugin instance.
func New() *Module {
	return &Module{tasks: make(map[string]*task), nowFunc: time.Now}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "scheduler",
		Version:     "0.1.0",
		Description: "Cron schedules for agent and finding sync",
		Roles:       []string{"scheduler"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	m.cfg = deps.Config
	m.mu.Lock()
	m.cron = cron.New(cron.WithParser(parser))
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()
	return nil
}

// Register adds a task. expr is used unless plugins.scheduler.tasks.<name>
// .schedule overrides it; .enabled=false keeps the task manual-only.
func (m *Module) Register(name, expr string, fn TaskFunc) error {
	enabled := true
	if m.cfg != nil {
		if s := m.cfg.GetString("tasks." + name + ".schedule"); s != "" {
			expr = s
		}
		if m.cfg.IsSet("tasks." + name + ".enabled") {
			enabled = m.cfg.GetBool("tasks." + name + ".enabled")
		}
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", name, expr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron == nil {
		return errors.New("scheduler: Register before Init")
	}
	if _, ok := m.tasks[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}
	t := &task{name: name, schedule: expr, enabled: enabled, fn: fn}
	if enabled {
		id, err := m.cron.AddFunc(expr, func() { m.tick(t) })
		if err != nil {
			return fmt.Errorf("task %s: %w", name, err)
		}
		t.entry = id
	}
	m.tasks[name] = t
	m.logger.Info("task registered",
		zap.String("task", name),
		zap.String("schedule", expr),
		zap.Bool("enabled", enabled),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil && !m.started {
		m.cron.Start()
		m.started = true
	}
	return nil
}

// Stop halts the cron, cancels running tasks and waits for them.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	c, started, cancel := m.cron, m.started, m.cancel
	m.started = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		if c != nil && started {
			<-c.Stop().Done()
		}
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	details := map[string]string{}
	failing := 0
	for _, s := range m.Tasks() {
		state := "ok"
		if s.LastError != "" {
			state = "failed"
			failing++
		}
		details[s.Name] = state
	}
	if failing > 0 {
		return plugin.HealthStatus{Status: "degraded", Message: fmt.Sprintf("%d task(s) failed last run", failing), Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

func (m *Module) tick(t *task) {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	if err := m.execute(ctx, t); errors.Is(err, ErrBusy) {
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		taskRuns.WithLabelValues(t.name, "skipped").Inc()
		m.logger.Warn("task still running, skipping tick", zap.String("task", t.name))
	}
}

// Run executes a task now unless it is already running.
func (m *Module) Run(ctx context.Context, name string) (Status, error) {
	m.mu.RLock()
	t, ok := m.tasks[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	err := m.execute(ctx, t)
	return m.status(t), err
}

func (m *Module) execute(ctx context.Context, t *task) error {
	if !t.run.TryLock() {
		return ErrBusy
	}
	defer t.run.Unlock()
	m.wg.Add(1)
	defer m.wg.Done()

	start := m.nowFunc()
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	m.logger.Info("task started", zap.String("task", t.name))
	err := t.fn(ctx)
	dur := m.nowFunc().Sub(start)

	t.mu.Lock()
	t.running = false
	t.lastRun = &start
	t.lastDur = dur
	t.lastErr = err
	t.runs++
	t.mu.Unlock()

	result := "success"
	if err != nil {
		result = "failed"
		m.logger.Warn("task failed", zap.String("task", t.name), zap.Duration("duration", dur), zap.Error(err))
	} else {
		m.logger.Info("task completed", zap.String("task", t.name), zap.Duration("duration", dur))
	}
	taskRuns.WithLabelValues(t.name, result).Inc()

	if m.bus != nil {
		m.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
			Topic:   TopicTaskCompleted,
			Source:  "scheduler",
			Payload: m.status(t),
		})
	}
	return err
}

// Tasks lists every registered task sorted by name.
func (m *Module) Tasks() []Status {
	m.mu.RLock()
	list := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		list = append(list, t)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })

	out := make([]Status, 0, len(list))
	for _, t := range list {
		out = append(out, m.status(t))
	}
	return out
}

func (m *Module) status(t *task) Status {
	s := Status{Name: t.name, Schedule: t.schedule, Enabled: t.enabled}
	if t.enabled {
		m.mu.RLock()
		if m.cron != nil {
			if e := m.cron.Entry(t.entry); e.Valid() && !e.Next.IsZero() {
				next := e.Next
				s.NextRun = &next
			}
		}
		m.mu.RUnlock()
		if s.NextRun == nil {
			if sched, err := parser.Parse(t.schedule); err == nil {
				next := sched.Next(m.nowFunc())
				s.NextRun = &next
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s.Running = t.running
	s.LastRun = t.lastRun
	s.Runs = t.runs
	s.Skipped = t.skipped
	if t.lastRun != nil {
		s.LastDuration = t.lastDur.String()
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}
