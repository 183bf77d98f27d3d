package swagger

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/swaggo/swag"
)

type swaggerDoc struct {
	Swagger  string                          `json:"swagger"`
	BasePath string                          `json:"basePath"`
	Info     struct{ Title string }          `json:"info"`
	Paths    map[string]map[string]operation `json:"paths"`
}

func readDoc(t *testing.T) swaggerDoc {
	t.Helper()
	raw, err := swag.ReadDoc()
	if err != nil {
		t.Fatalf("ReadDoc: %v", err)
	}
	var d swaggerDoc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("document is not JSON: %v\n%s", err, raw)
	}
	return d
}

func TestSetRoutes(t *testing.T) {
	noop := func(http.ResponseWriter, *http.Request) {}
	SetRoutes(map[string][]plugin.Route{
		"agents": {
			{Method: "GET", Path: "/", Handler: noop},
			{Method: "PUT", Path: "/{id}/link", Handler: noop},
		},
		"findings": {
			{Method: "PUT", Path: "/{kind}/ticket", Handler: noop},
			{Method: "GET", Path: "/devices/{id}/alerts", Handler: noop},
		},
	})
	d := readDoc(t)

	if d.Swagger != "2.0" || d.BasePath != BasePath || d.Info.Title != "wazuhsync API" {
		t.Errorf("header = %q %q %q", d.Swagger, d.BasePath, d.Info.Title)
	}

	tests := []struct {
		path, method, tag string
		params            []string
	}{
		{"/health", "get", "system", nil},
		{"/agents/", "get", "agents", nil},
		{"/agents/{id}/link", "put", "agents", []string{"id"}},
		{"/findings/{kind}/ticket", "put", "findings", []string{"kind"}},
		{"/findings/devices/{id}/alerts", "get", "findings", []string{"id"}},
	}
	for _, tt := range tests {
		op, ok := d.Paths[tt.path][tt.method]
		if !ok {
			t.Errorf("missing %s %s", tt.method, tt.path)
			continue
		}
		if len(op.Tags) != 1 || op.Tags[0] != tt.tag {
			t.Errorf("%s %s tags = %v, want %s", tt.method, tt.path, op.Tags, tt.tag)
		}
		if len(op.Parameters) != len(tt.params) {
			t.Errorf("%s %s params = %+v, want %v", tt.method, tt.path, op.Parameters, tt.params)
			continue
		}
		for i, name := range tt.params {
			if p := op.Parameters[i]; p.Name != name || p.In != "path" || !p.Required {
				t.Errorf("%s %s param %d = %+v", tt.method, tt.path, i, p)
			}
		}
	}
	if got := d.Paths["/agents/{id}/link"]["put"].OperationID; got != "putAgentsIdLink" {
		t.Errorf("operationId = %q", got)
	}
}

func TestSetRoutes_Replaces(t *testing.T) {
	SetRoutes(map[string][]plugin.Route{"scheduler": {{Method: "GET", Path: "/tasks"}}})
	SetRoutes(nil)
	d := readDoc(t)
	if _, ok := d.Paths["/scheduler/tasks"]; ok {
		t.Error("routes from an earlier call should be replaced")
	}
	if _, ok := d.Paths["/plugins"]; !ok {
		t.Error("core paths should always be documented")
	}
}
