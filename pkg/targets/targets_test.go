package targets

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/samvad-hq/catalog-access/pkg/access"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write targets file: %v", err)
	}
	return file
}

func TestLoadTargetsYAML(t *testing.T) {
	file := writeFile(t, "targets.yaml", `
targets:
  - id: layers
    url: " https://maps.example.com/api/layers "
    buffer_mode: streaming
    output: layers.json
    user_env: CATALOG_USER
    password_env: CATALOG_PASSWORD
    headers:
      Accept: application/json
  - id: search
    url: https://maps.example.com/api/search
    json:
      q: 1
      filter:
        kind: [road, rail]
  - id: legacy
    url: http://old.example.com/
    enabled: false
`)

	reg, err := Load(file)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(reg.All()) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(reg.All()))
	}
	if got := len(reg.Enabled()); got != 2 {
		t.Fatalf("expected 2 enabled targets, got %d", got)
	}

	layers, ok := reg.ByID("layers")
	if !ok {
		t.Fatalf("expected target id layers to be loaded")
	}
	spec, err := layers.Spec()
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if spec.URL != "https://maps.example.com/api/layers" || spec.Method != http.MethodGet || spec.BufferMode != access.Streaming {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if spec.Headers["Accept"] != "application/json" {
		t.Fatalf("headers not carried: %v", spec.Headers)
	}

	t.Setenv("CATALOG_USER", "reader")
	t.Setenv("CATALOG_PASSWORD", "s3cret")
	if cred := layers.Credential(); cred.User != "reader" || cred.Password != "s3cret" {
		t.Fatalf("unexpected credential %+v", cred)
	}

	search, _ := reg.ByID("search")
	spec, err = search.Spec()
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if spec.Method != http.MethodPost || spec.BufferMode != access.Complete {
		t.Fatalf("expected complete POST, got %+v", spec)
	}
	var body map[string]any
	if err := json.Unmarshal(spec.Body, &body); err != nil {
		t.Fatalf("body is not json: %v (%s)", err, spec.Body)
	}
	if body["q"] != float64(1) {
		t.Fatalf("unexpected body %s", spec.Body)
	}
	if cred := search.Credential(); cred != (access.Credential{}) {
		t.Fatalf("expected anonymous credential, got %+v", cred)
	}
}

func TestLoadTargetsJSON(t *testing.T) {
	file := writeFile(t, "targets.json", `{"targets":[{"id":"one","url":"https://a.example/x","method":"post","json":{"q":1}}]}`)

	reg, err := Load(file)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	one, ok := reg.ByID("one")
	if !ok || one.Method != "POST" {
		t.Fatalf("unexpected target %+v", one)
	}
}

func TestLoadTargetsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"duplicate id": `
targets:
  - id: dup
    url: https://a.example
  - id: dup
    url: https://b.example
`,
		"missing url": `
targets:
  - id: nourl
`,
		"bad scheme": `
targets:
  - id: ftp
    url: ftp://files.example.com/
`,
		"bad method": `
targets:
  - id: del
    url: https://a.example
    method: DELETE
`,
		"json on get": `
targets:
  - id: getjson
    url: https://a.example
    method: GET
    json: {q: 1}
`,
		"bad mode": `
targets:
  - id: mode
    url: https://a.example
    buffer_mode: chunky
`,
		"empty": `targets: []`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "targets.yaml", content)); err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func TestLoadTargetsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestNewTargetDefaultsToPostWithJSON(t *testing.T) {
	tg, err := New(Target{ID: " adhoc ", URL: "https://a.example/search", JSON: map[string]any{"q": 1}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tg.ID != "adhoc" || tg.Method != "POST" || !tg.IsEnabled() {
		t.Fatalf("unexpected target %+v", tg)
	}
	if _, err := New(Target{ID: "bad", URL: "mailto:x@example.com"}); err == nil {
		t.Fatalf("expected error for non-http url")
	}
}
