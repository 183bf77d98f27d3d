// Package swagger registers the OpenAPI document served by Swagger UI in
// dev mode. The paths are rendered from the mounted plugin route tables, so
// the document cannot drift from the mux.
package swagger

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/HerbHall/wazuhsync/internal/version"
	"github.com/HerbHall/wazuhsync/pkg/plugin"
	"github.com/swaggo/swag"
)

// BasePath prefixes every plugin route.
const BasePath = "/api/v1"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": %PATHS%
}`

// document guards the spec; swag.Spec.ReadDoc writes to its receiver.
type document struct {
	mu   sync.Mutex
	spec *swag.Spec
}

// ReadDoc implements swag.Swagger.
func (d *document) ReadDoc() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spec.ReadDoc()
}

var doc = &document{spec: newSpec(corePaths())}

func init() {
	swag.Register(doc.spec.InstanceName(), doc)
}

func newSpec(paths map[string]map[string]operation) *swag.Spec {
	b, err := json.MarshalIndent(paths, "    ", "    ")
	if err != nil {
		b = []byte("{}")
	}
	return &swag.Spec{
		Version:          version.Short(),
		BasePath:         BasePath,
		Schemes:          []string{},
		Title:            "wazuhsync API",
		Description:      "Synchronizes Wazuh agents, vulnerabilities and alerts into the local inventory.",
		InfoInstanceName: "swagger",
		SwaggerTemplate:  strings.Replace(docTemplate, "%PATHS%", string(b), 1),
		LeftDelim:        "{{",
		RightDelim:       "}}",
	}
}

// SetRoutes replaces the documented paths with the core endpoints plus
// routes, keyed by plugin name as the server mounts them.
func SetRoutes(routes map[string][]plugin.Route) {
	paths := corePaths()
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, r := range routes[name] {
			addOperation(paths, name, r.Method, "/"+name+r.Path)
		}
	}

	spec := newSpec(paths)
	doc.mu.Lock()
	doc.spec = spec
	doc.mu.Unlock()
}

type parameter struct {
	Name     string `json:"name"`
	In       string `json:"in"`
	Required bool   `json:"required"`
	Type     string `json:"type"`
}

type response struct {
	Description string `json:"description"`
}

type operation struct {
	Tags        []string            `json:"tags"`
	OperationID string              `json:"operationId"`
	Produces    []string            `json:"produces"`
	Parameters  []parameter         `json:"parameters,omitempty"`
	Responses   map[string]response `json:"responses"`
}

var wildcard = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(\.\.\.)?\}`)

func addOperation(paths map[string]map[string]operation, tag, method, path string) {
	var params []parameter
	for _, m := range wildcard.FindAllStringSubmatch(path, -1) {
		params = append(params, parameter{Name: m[1], In: "path", Required: true, Type: "string"})
	}
	path = wildcard.ReplaceAllString(path, "{$1}")

	method = strings.ToLower(method)
	if paths[path] == nil {
		paths[path] = map[string]operation{}
	}
	paths[path][method] = operation{
		Tags:        []string{tag},
		OperationID: method + operationName(path),
		Produces:    []string{"application/json"},
		Parameters:  params,
		Responses: map[string]response{
			"200":     {Description: "OK"},
			"default": {Description: "RFC 7807 problem details"},
		},
	}
}

// operationName turns /agents/{id}/link into AgentsIdLink.
func operationName(path string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '{' || r == '}' || r == '_' || r == '-'
	}) {
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	return b.String()
}

func corePaths() map[string]map[string]operation {
	paths := map[string]map[string]operation{}
	addOperation(paths, "system", "GET", "/health")
	addOperation(paths, "system", "GET", "/plugins")
	return paths
}
