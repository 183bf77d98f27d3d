package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HerbHall/wazuhsync/internal/connection"
	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	managerSecret = "mgr-S3cret-never-logged"
	indexerSecret = "idx-S3cret-never-logged"
)

// reverseCipher is reversible and keeps the plaintext out of the ciphertext.
type reverseCipher struct{}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func (reverseCipher) Encrypt(p string) (string, error) { return "v1:" + reverse(p), nil }
func (reverseCipher) Decrypt(c string) (string, error) { return reverse(strings.TrimPrefix(c, "v1:")), nil }

type singlePlugin struct {
	p plugin.Plugin
	r []plugin.Route
}

func (s singlePlugin) AllRoutes() map[string][]plugin.Route {
	return map[string][]plugin.Route{s.p.Info().Name: s.r}
}
func (s singlePlugin) All() []plugin.Plugin                                 { return []plugin.Plugin{s.p} }
func (s singlePlugin) Health(context.Context) map[string]plugin.HealthStatus { return nil }

// testEnvWithObservedLogs serves the connection module through the full
// middleware chain with every log line captured.
func testEnvWithObservedLogs(t *testing.T) (http.Handler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	db, err := store.New(filepath.Join(t.TempDir(), "hygiene.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	conn := connection.New()
	if err := conn.Init(context.Background(), plugin.Dependencies{Logger: logger, Store: db}); err != nil {
		t.Fatalf("connection Init: %v", err)
	}
	conn.SetCipher(reverseCipher{})

	srv := New(testConfig(), singlePlugin{p: conn, r: conn.Routes()}, logger, nil)
	return srv.Handler(), logs
}

// containsSecret checks if any log entry contains the secret string.
func containsSecret(logs *observer.ObservedLogs, secret string) bool {
	entries := logs.All()
	for i := range entries {
		if strings.Contains(entries[i].Message, secret) {
			return true
		}
		for j := range entries[i].Context {
			f := entries[i].Context[j]
			if strings.Contains(f.String, secret) {
				return true
			}
			switch v := f.Interface.(type) {
			case string:
				if strings.Contains(v, secret) {
					return true
				}
			case error:
				if strings.Contains(v.Error(), secret) {
					return true
				}
			}
		}
	}
	return false
}

func TestProfileSecrets_NeverLeak(t *testing.T) {
	h, logs := testEnvWithObservedLogs(t)

	body, _ := json.Marshal(map[string]any{
		"name":             "prod",
		"url":              "https://wazuh.example.com",
		"username":         "wazuh-wui",
		"password":         managerSecret,
		"indexer_url":      "https://indexer.example.com",
		"indexer_username": "admin",
		"indexer_password": indexerSecret,
	})

	var responses []string
	do := func(method, path string, payload []byte) int {
		req := httptest.NewRequest(method, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		responses = append(responses, w.Body.String())
		return w.Code
	}

	if code := do("POST", "/api/v1/connection/profiles", body); code != http.StatusCreated {
		t.Fatalf("create = %d: %s", code, responses[0])
	}
	// A duplicate endpoint fails validation and must not echo the body.
	_ = do("POST", "/api/v1/connection/profiles", body)
	_ = do("GET", "/api/v1/connection/profiles", nil)
	_ = do("GET", "/api/v1/connection/profiles/1", nil)
	_ = do("PUT", "/api/v1/connection/profiles/1", body)

	if logs.Len() == 0 {
		t.Fatal("expected request logs to be captured")
	}
	for _, secret := range []string{managerSecret, indexerSecret, reverse(managerSecret)} {
		if containsSecret(logs, secret) {
			t.Errorf("log output contains secret %q", secret)
		}
		for i, resp := range responses {
			if strings.Contains(resp, secret) {
				t.Errorf("response %d contains secret %q: %s", i, secret, resp)
			}
		}
	}
	if !strings.Contains(responses[2], `"has_password":true`) {
		t.Errorf("list should report password presence: %s", responses[2])
	}
}
