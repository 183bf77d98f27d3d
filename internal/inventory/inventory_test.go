package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/internal/testutil"
	"github.com/HerbHall/wazuhsync/pkg/models"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/HerbHall/wazuhsync/pkg/plugin/plugintest"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

func newTestModule(t *testing.T) *Module {
	t.Helper()
	db := testutil.NewStore(t, "inventory")
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Store: db}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func mustCreate(t *testing.T, s *Store, kind models.DeviceKind, name string) models.Device {
	t.Helper()
	d := testutil.NewDevice(testutil.WithKind(kind), testutil.WithName(name))
	if err := s.Create(context.Background(), &d); err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return d
}

func TestStore_CRUD(t *testing.T) {
	s := newTestModule(t).Store()
	ctx := context.Background()

	web := mustCreate(t, s, models.DeviceKindComputer, " web-01 ")
	if web.ID == 0 || web.Name != "web-01" {
		t.Fatalf("created = %+v", web)
	}
	mustCreate(t, s, models.DeviceKindNetworkEquipment, "core-sw")

	got, err := s.Get(ctx, models.DeviceKindComputer, web.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "web-01" || got.CreatedAt.IsZero() {
		t.Errorf("Get = %+v", got)
	}
	if _, err := s.Get(ctx, models.DeviceKindNetworkEquipment, web.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get with wrong kind: err = %v, want ErrNotFound", err)
	}

	all, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].Type != models.DeviceKindComputer {
		t.Errorf("List = %+v", all)
	}
	net, _ := s.List(ctx, ListOptions{Kind: models.DeviceKindNetworkEquipment})
	if len(net) != 1 || net[0].Name != "core-sw" {
		t.Errorf("List(network_equipment) = %+v", net)
	}

	if err := s.Delete(ctx, models.DeviceKindComputer, web.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, models.DeviceKindComputer, web.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
}

func TestStore_CreateValidates(t *testing.T) {
	s := newTestModule(t).Store()
	tests := []models.Device{
		{Type: models.DeviceKindComputer, Name: "  "},
		{Type: "printer", Name: "lp0"},
	}
	for _, d := range tests {
		if err := s.Create(context.Background(), &d); !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("Create(%+v): err = %v, want ErrInvalidDevice", d, err)
		}
	}
}

func TestStore_FindByName(t *testing.T) {
	s := newTestModule(t).Store()
	sw := mustCreate(t, s, models.DeviceKindNetworkEquipment, "edge")
	pc := mustCreate(t, s, models.DeviceKindComputer, "edge")
	mustCreate(t, s, models.DeviceKindComputer, "Edge")

	got, err := s.FindByName(context.Background(), "edge")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("matches = %d, want 2 (case-sensitive)", len(got))
	}
	if got[0].ID != pc.ID || got[1].ID != sw.ID {
		t.Errorf("order = %d, %d; want computer %d first", got[0].ID, got[1].ID, pc.ID)
	}

	none, err := s.FindByName(context.Background(), "missing")
	if err != nil || len(none) != 0 {
		t.Errorf("FindByName(missing) = %v, %v", none, err)
	}
}

type fakeLinks []models.Agent

func (f fakeLinks) LinkedAgents(context.Context) ([]models.Agent, error) { return f, nil }

func TestLinkedTargets(t *testing.T) {
	m := newTestModule(t)
	s := m.Store()
	sw := mustCreate(t, s, models.DeviceKindNetworkEquipment, "core-sw")
	web := mustCreate(t, s, models.DeviceKindComputer, "web-01")

	if _, err := m.LinkedTargets(context.Background()); !errors.Is(err, ErrNotWired) {
		t.Errorf("unwired: err = %v, want ErrNotWired", err)
	}

	m.SetLinkSource(fakeLinks{
		{ExternalID: "010", ProfileID: 1, DeviceKind: models.DeviceKindNetworkEquipment, DeviceID: sw.ID},
		{ExternalID: "001", ProfileID: 1, DeviceKind: models.DeviceKindComputer, DeviceID: web.ID},
		{ExternalID: "002", ProfileID: 1, DeviceKind: models.DeviceKindComputer, DeviceID: web.ID},
		{ExternalID: "001", ProfileID: 2, DeviceKind: models.DeviceKindComputer, DeviceID: web.ID},
		{ExternalID: "099", ProfileID: 1, DeviceKind: models.DeviceKindComputer, DeviceID: 999},
	})

	got, err := m.LinkedTargets(context.Background())
	if err != nil {
		t.Fatalf("LinkedTargets: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("targets = %d, want 3: %+v", len(got), got)
	}
	if got[0].Device.ID != web.ID || got[0].ProfileID != 1 || strings.Join(got[0].AgentIDs, ",") != "001,002" {
		t.Errorf("first target = %+v", got[0])
	}
	if got[2].Device.Type != models.DeviceKindNetworkEquipment {
		t.Errorf("network equipment should walk last: %+v", got[2])
	}

	lt, err := m.LinkedTarget(context.Background(), models.DeviceKindNetworkEquipment, sw.ID)
	if err != nil || lt.AgentIDs[0] != "010" {
		t.Errorf("LinkedTarget = %+v, %v", lt, err)
	}
	if _, err := m.LinkedTarget(context.Background(), models.DeviceKindComputer, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("dangling link: err = %v, want ErrNotFound", err)
	}
}

func TestHandlers(t *testing.T) {
	m := newTestModule(t)
	mux := http.NewServeMux()
	for _, r := range m.Routes() {
		mux.HandleFunc(r.Method+" "+r.Path, r.Handler)
	}
	do := func(method, target, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
		return rec
	}

	rec := do("POST", "/devices", `{"kind":"network_equipment","name":"core-sw","serial":"SN1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created models.Device
	_ = json.NewDecoder(rec.Body).Decode(&created)

	if rec := do("POST", "/devices", `{"name":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want 400", rec.Code)
	}
	if rec := do("GET", "/devices/1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get without kind status = %d, want 404 (defaults to computer)", rec.Code)
	}
	if rec := do("GET", "/devices/1?kind=network_equipment", ""); rec.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", rec.Code)
	}
	if rec := do("GET", "/devices?kind=printer", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind status = %d, want 400", rec.Code)
	}

	rec = do("GET", "/devices", "")
	var list []models.Device
	_ = json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 1 || list[0].Serial != "SN1" {
		t.Errorf("list = %+v", list)
	}

	if rec := do("DELETE", "/devices/1?kind=network_equipment", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := do("DELETE", "/devices/1?kind=network_equipment", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	if created.ID != 1 {
		t.Errorf("created id = %d", created.ID)
	}
}
