package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/internal/wazuh"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/HerbHall/wazuhsync/pkg/plugin/plugintest"
	"go.uber.org/zap"
)

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() })
}

// rot13Cipher is a reversible stand-in for the vault.
type rot13Cipher struct{}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}

func (rot13Cipher) Encrypt(p string) (string, error) { return "enc:" + rot13(p), nil }

func (rot13Cipher) Decrypt(c string) (string, error) {
	if !strings.HasPrefix(c, "enc:") {
		return "", errors.New("not sealed")
	}
	return rot13(strings.TrimPrefix(c, "enc:")), nil
}

func newTestModule(t *testing.T, cipher Cipher) *Module {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "connection.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	m := New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Store: db}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if cipher != nil {
		m.SetCipher(cipher)
	}
	return m
}

func ptr[T any](v T) *T { return &v }

// splitURL turns an httptest URL into the base/port pair profiles store.
func splitURL(t *testing.T, raw string) (string, int) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	port, _ := strconv.Atoi(u.Port())
	return u.Scheme + "://" + u.Hostname(), port
}

func TestCreateProfile_SealsSecrets(t *testing.T) {
	m := newTestModule(t, rot13Cipher{})
	ctx := context.Background()

	p, err := m.CreateProfile(ctx, ProfileInput{
		Name:            "prod",
		URL:             "https://wazuh.example.com/",
		Username:        "wazuh-wui",
		Password:        ptr("api-secret"),
		IndexerURL:      "https://indexer.example.com",
		IndexerUsername: "admin",
		IndexerPassword: ptr("idx-secret"),
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	if p.URL != "https://wazuh.example.com" || p.Port != defaultManagerPort || p.IndexerPort != defaultIndexerPort {
		t.Errorf("defaults = %s %d %d", p.URL, p.Port, p.IndexerPort)
	}
	if !p.Active || !p.InsecureSkipVerify || p.SyncInterval != 86400 {
		t.Errorf("flags = active %v insecure %v interval %d", p.Active, p.InsecureSkipVerify, p.SyncInterval)
	}

	stored, err := m.Store().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if strings.Contains(string(stored.Password), "api-secret") {
		t.Error("password stored in plaintext")
	}
	sec, err := m.Credentials(ctx, *stored)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if sec.Password != "api-secret" || sec.IndexerPassword != "idx-secret" {
		t.Errorf("Credentials = %+v", sec)
	}
}

func TestCreateProfile_Validation(t *testing.T) {
	m := newTestModule(t, rot13Cipher{})
	tests := []struct {
		name string
		in   ProfileInput
	}{
		{"no name", ProfileInput{URL: "https://a"}},
		{"bad scheme", ProfileInput{Name: "a", URL: "ftp://a"}},
		{"port in url", ProfileInput{Name: "a", URL: "https://a:55000"}},
		{"bad port", ProfileInput{Name: "a", URL: "https://a", Port: 70000}},
		{"bad indexer url", ProfileInput{Name: "a", URL: "https://a", IndexerURL: "indexer"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.CreateProfile(context.Background(), tt.in); !errors.Is(err, ErrInvalidProfile) {
				t.Errorf("err = %v, want ErrInvalidProfile", err)
			}
		})
	}
}

func TestCreateProfile_NoCipher(t *testing.T) {
	m := newTestModule(t, nil)
	_, err := m.CreateProfile(context.Background(), ProfileInput{Name: "a", URL: "https://a", Password: ptr("x")})
	if !errors.Is(err, ErrNoCipher) {
		t.Errorf("err = %v, want ErrNoCipher", err)
	}
	// Profiles without secrets need no vault.
	if _, err := m.CreateProfile(context.Background(), ProfileInput{Name: "b", URL: "https://b"}); err != nil {
		t.Errorf("secretless profile: %v", err)
	}
}

func TestProfileEndpointUniqueness(t *testing.T) {
	m := newTestModule(t, rot13Cipher{})
	ctx := context.Background()
	in := ProfileInput{Name: "one", URL: "https://wazuh.local"}

	first, err := m.CreateProfile(ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	in.Name = "two"
	if _, err := m.CreateProfile(ctx, in); !errors.Is(err, ErrDuplicateEndpoint) {
		t.Fatalf("duplicate active: err = %v, want ErrDuplicateEndpoint", err)
	}

	in.Active = ptr(false)
	if _, err := m.CreateProfile(ctx, in); err != nil {
		t.Errorf("inactive duplicate rejected: %v", err)
	}

	if err := m.DeleteProfile(ctx, first.ID); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	in.Name, in.Active = "three", nil
	if _, err := m.CreateProfile(ctx, in); err != nil {
		t.Errorf("endpoint not reusable after delete: %v", err)
	}

	active, _ := m.ActiveProfiles(ctx)
	if len(active) != 1 || active[0].Name != "three" {
		t.Errorf("ActiveProfiles = %+v", active)
	}
	if _, err := m.Store().Get(ctx, first.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted profile still readable: %v", err)
	}
}

func TestUpdateProfile_KeepsUnsetFields(t *testing.T) {
	m := newTestModule(t, rot13Cipher{})
	ctx := context.Background()
	p, _ := m.CreateProfile(ctx, ProfileInput{Name: "prod", URL: "https://w", Username: "u", Password: ptr("pw")})

	updated, err := m.UpdateProfile(ctx, p.ID, ProfileInput{Description: "primary", InsecureSkipVerify: ptr(false)})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if updated.Name != "prod" || updated.Username != "u" || updated.InsecureSkipVerify {
		t.Errorf("updated = %+v", updated)
	}
	sec, _ := m.Credentials(ctx, *updated)
	if sec.Password != "pw" {
		t.Errorf("password lost on update: %q", sec.Password)
	}
	if _, err := m.UpdateProfile(ctx, 999, ProfileInput{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing profile: err = %v", err)
	}
}

func TestSearcher_OpensIndexerPasswordPerRequest(t *testing.T) {
	var gotUser, gotPass, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"hits":{"total":{"value":3},"hits":[]}}`))
	}))
	defer srv.Close()
	base, port := splitURL(t, srv.URL)

	m := newTestModule(t, rot13Cipher{})
	p, err := m.CreateProfile(context.Background(), ProfileInput{
		Name: "lab", URL: base, IndexerPort: port, IndexerUsername: "admin", IndexerPassword: ptr("idx"),
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}

	s, err := m.Searcher(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Searcher: %v", err)
	}
	n, err := s.Count(context.Background(), "wazuh-alerts-*", wazuh.MatchAll{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 || gotUser != "admin" || gotPass != "idx" {
		t.Errorf("count %d as %s:%s", n, gotUser, gotPass)
	}
	if gotPath != "/wazuh-alerts-*/_search" {
		t.Errorf("path = %s", gotPath)
	}
	if _, err := m.Searcher(context.Background(), 404); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown profile: err = %v", err)
	}
}

// recordingCipher remembers every plaintext it opens.
type recordingCipher struct {
	rot13Cipher
	opened []string
}

func (c *recordingCipher) Decrypt(ct string) (string, error) {
	pt, err := c.rot13Cipher.Decrypt(ct)
	if err == nil {
		c.opened = append(c.opened, pt)
	}
	return pt, err
}

func TestManagerEndpoint_OpensOnlyManagerPassword(t *testing.T) {
	cipher := &recordingCipher{}
	m := newTestModule(t, cipher)
	ctx := context.Background()
	p, err := m.CreateProfile(ctx, ProfileInput{
		Name: "prod", URL: "https://wazuh.example.com", Username: "wazuh-wui", Password: ptr("api-secret"),
		IndexerUsername: "admin", IndexerPassword: ptr("idx-secret"),
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	stored, err := m.Store().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	cipher.opened = nil
	ep, err := m.ManagerEndpoint(ctx, *stored)
	if err != nil {
		t.Fatalf("ManagerEndpoint: %v", err)
	}
	if ep.Password != "api-secret" || ep.Username != "wazuh-wui" {
		t.Errorf("endpoint = %s / %q", ep.Username, ep.Password)
	}
	if len(cipher.opened) != 1 || cipher.opened[0] != "api-secret" {
		t.Errorf("opened = %q, want only the manager password", cipher.opened)
	}
}

func TestHandlers(t *testing.T) {
	manager := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, _ := r.BasicAuth(); u != "wazuh" || p != "api-pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"title":"Unauthorized","detail":"Invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"token":"t"}}`))
	}))
	defer manager.Close()
	base, port := splitURL(t, manager.URL)

	m := newTestModule(t, rot13Cipher{})
	mux := http.NewServeMux()
	for _, r := range m.Routes() {
		mux.HandleFunc(r.Method+" "+r.Path, r.Handler)
	}
	do := func(method, target, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
		return rec
	}

	body := `{"name":"lab","url":"` + base + `","port":` + strconv.Itoa(port) +
		`,"username":"wazuh","password":"api-pw","indexer_port":` + strconv.Itoa(port) + `}`
	rec := do("POST", "/profiles", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "api-pw") || strings.Contains(rec.Body.String(), "enc:") {
		t.Errorf("create response leaks secret: %s", rec.Body)
	}
	var created profileView
	_ = json.NewDecoder(rec.Body).Decode(&created)
	if !created.HasPassword || created.HasIndexerPassword {
		t.Errorf("presence flags = %v/%v", created.HasPassword, created.HasIndexerPassword)
	}

	if rec := do("POST", "/profiles", body); rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}
	if rec := do("POST", "/profiles", `{"name":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", rec.Code)
	}

	rec = do("GET", "/profiles", "")
	if strings.Contains(rec.Body.String(), "api-pw") {
		t.Errorf("list leaks secret: %s", rec.Body)
	}

	// The manager accepts the credentials; the indexer path answers with
	// the same stub, which is not a search response.
	rec = do("POST", "/profiles/1/check", "")
	var res CheckResult
	_ = json.NewDecoder(rec.Body).Decode(&res)
	if !res.Manager.Success {
		t.Errorf("manager check = %+v", res.Manager)
	}

	if rec := do("PUT", "/profiles/1", `{"password":"wrong"}`); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	rec = do("POST", "/profiles/1/check", "")
	_ = json.NewDecoder(rec.Body).Decode(&res)
	if res.Manager.Success || res.Manager.StatusCode != http.StatusUnauthorized {
		t.Errorf("check after password change = %+v", res.Manager)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failed check status = %d, want 502", rec.Code)
	}

	if rec := do("DELETE", "/profiles/1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := do("GET", "/profiles/1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", rec.Code)
	}
}
