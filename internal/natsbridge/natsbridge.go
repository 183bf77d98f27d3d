// Package natsbridge republishes bus events onto NATS subjects so other
// systems can follow sync progress.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/wazuhsync/internal/version"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ Conn                 = (*nats.Conn)(nil)
)

// Conn is the subset of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	IsConnected() bool
}

// Dialer opens a connection. nats.Connect is the default.
type Dialer func(url string, opts ...nats.Option) (Conn, error)

func dialNATS(url string, opts ...nats.Option) (Conn, error) {
	return nats.Connect(url, opts...)
}

// Config holds plugins.natsbridge.*.
type Config struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
	Token         string
	Username      string
	Password      string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Envelope is the message body published for each event.
type Envelope struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Module implements the NATS bridge plugin.
type Module struct {
	logger *zap.Logger
	bus    plugin.EventBus
	cfg    Config
	dial   Dialer

	mu          sync.Mutex
	conn        Conn
	unsubscribe func()
	published   int
	failed      int
}

// New creates a new bridge plugin instance.
func New() *Module {
	return &Module{dial: dialNATS}
}

// SetDialer replaces the connection factory.
func (m *Module) SetDialer(d Dialer) { m.dial = d }

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "natsbridge",
		Version:     "0.1.0",
		Description: "Forwards sync events to NATS subjects",
		Roles:       []string{"notification"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	m.cfg = Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "wazuhsync",
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
	}
	if c := deps.Config; c != nil {
		m.cfg.Enabled = c.GetBool("enabled")
		if v := c.GetString("url"); v != "" {
			m.cfg.URL = v
		}
		if v := c.GetString("subject_prefix"); v != "" {
			m.cfg.SubjectPrefix = v
		}
		m.cfg.Token = c.GetString("token")
		m.cfg.Username = c.GetString("username")
		m.cfg.Password = c.GetString("password")
		if c.IsSet("max_reconnects") {
			m.cfg.MaxReconnects = c.GetInt("max_reconnects")
		}
		if d := c.GetDuration("reconnect_wait"); d > 0 {
			m.cfg.ReconnectWait = d
		}
	}
	return nil
}

// Start connects and subscribes to every bus topic when enabled.
func (m *Module) Start(_ context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Debug("nats bridge disabled")
		return nil
	}
	if m.bus == nil {
		return fmt.Errorf("natsbridge: no event bus")
	}

	opts := []nats.Option{
		nats.Name("wazuhsync/" + version.Short()),
		nats.MaxReconnects(m.cfg.MaxReconnects),
		nats.ReconnectWait(m.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			m.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			m.logger.Info("nats connection closed")
		}),
	}
	if m.cfg.Token != "" {
		opts = append(opts, nats.Token(m.cfg.Token))
	} else if m.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(m.cfg.Username, m.cfg.Password))
	}

	conn, err := m.dial(m.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.unsubscribe = m.bus.SubscribeAll(m.forward)
	m.mu.Unlock()

	m.logger.Info("nats bridge started",
		zap.String("url", m.cfg.URL),
		zap.String("subject_prefix", m.cfg.SubjectPrefix),
	)
	return nil
}

// Stop unsubscribes and drains the connection.
func (m *Module) Stop(_ context.Context) error {
	m.mu.Lock()
	conn, unsub := m.conn, m.unsubscribe
	m.conn, m.unsubscribe = nil, nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if conn != nil {
		if err := conn.Drain(); err != nil {
			return fmt.Errorf("drain nats: %w", err)
		}
	}
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if !m.cfg.Enabled {
		return plugin.HealthStatus{Status: "healthy", Message: "disabled"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	details := map[string]string{
		"published": fmt.Sprint(m.published),
		"failed":    fmt.Sprint(m.failed),
	}
	if m.conn == nil || !m.conn.IsConnected() {
		return plugin.HealthStatus{Status: "degraded", Message: "not connected", Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// Subject maps a bus topic to its NATS subject.
func (m *Module) Subject(topic string) string {
	return m.cfg.SubjectPrefix + "." + topic
}

func (m *Module) forward(_ context.Context, event plugin.Event) {
	data, err := json.Marshal(Envelope{
		Topic:     event.Topic,
		Source:    event.Source,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	})
	if err != nil {
		m.logger.Error("failed to encode event for nats", zap.String("topic", event.Topic), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	if err := m.conn.Publish(m.Subject(event.Topic), data); err != nil {
		m.failed++
		m.logger.Warn("nats publish failed", zap.String("topic", event.Topic), zap.Error(err))
		return
	}
	m.published++
}
