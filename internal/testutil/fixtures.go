// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/internal/wazuh"
	"github.com/HerbHall/wazuhsync/pkg/models"
)

// NewStore opens a SQLite store in the test's temp dir and closes it on
// cleanup.
func NewStore(t testing.TB, name string) *store.SQLiteStore {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// NewDevice returns an unsaved computer named web-01. Override fields with
// the With* options.
func NewDevice(opts ...func(*models.Device)) models.Device {
	d := models.Device{
		Type: models.DeviceKindComputer,
		Name: "web-01",
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithName sets the device name, which is what agents are matched on.
func WithName(name string) func(*models.Device) {
	return func(d *models.Device) { d.Name = name }
}

// WithKind sets the device kind.
func WithKind(k models.DeviceKind) func(*models.Device) {
	return func(d *models.Device) { d.Type = k }
}

// WithSerial sets the device serial number.
func WithSerial(s string) func(*models.Device) {
	return func(d *models.Device) { d.Serial = s }
}

// NewRemoteAgent returns an agent as the manager API would report it.
func NewRemoteAgent(id, name string, opts ...func(*wazuh.RemoteAgent)) wazuh.RemoteAgent {
	a := wazuh.RemoteAgent{
		ID:            id,
		Name:          name,
		IP:            "10.0.0.10",
		Version:       "Wazuh v4.9.0",
		Status:        string(models.AgentStatusActive),
		LastKeepAlive: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
		OS:            wazuh.AgentOS{Name: "Ubuntu", Version: "22.04"},
		Group:         []string{"default"},
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// WithStatus sets the raw status string.
func WithStatus(s string) func(*wazuh.RemoteAgent) {
	return func(a *wazuh.RemoteAgent) { a.Status = s }
}

// WithKeepAlive sets the raw lastKeepAlive string.
func WithKeepAlive(s string) func(*wazuh.RemoteAgent) {
	return func(a *wazuh.RemoteAgent) { a.LastKeepAlive = s }
}
