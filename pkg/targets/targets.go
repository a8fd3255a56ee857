// Package targets loads the catalog endpoints a batch run fetches (YAML/JSON).
package targets

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samvad-hq/catalog-access/pkg/access"
)

// Target is one catalog endpoint.
type Target struct {
	ID     string `json:"id" yaml:"id"`
	URL    string `json:"url" yaml:"url"`
	Method string `json:"method" yaml:"method"`
	// JSON is encoded as the POST body. Setting it implies POST.
	JSON       any    `json:"json" yaml:"json"`
	BufferMode string `json:"buffer_mode" yaml:"buffer_mode"`
	// Output is the file the body is written to; empty discards it.
	Output          string            `json:"output" yaml:"output"`
	UserEnv         string            `json:"user_env" yaml:"user_env"`
	PasswordEnv     string            `json:"password_env" yaml:"password_env"`
	Headers         map[string]string `json:"headers" yaml:"headers"`
	ExtractHTMLMeta bool              `json:"extract_html_meta" yaml:"extract_html_meta"`
	Enabled         *bool             `json:"enabled" yaml:"enabled"`
}

type registry struct {
	Targets []Target `json:"targets" yaml:"targets"`
}

// Registry is an immutable, validated set of targets.
type Registry struct {
	list []Target
	idx  map[string]Target
}

// All returns a copy of the loaded targets in file order.
func (r *Registry) All() []Target {
	if r == nil || len(r.list) == 0 {
		return nil
	}
	out := make([]Target, len(r.list))
	copy(out, r.list)
	return out
}

// Enabled returns the targets that are not switched off.
func (r *Registry) Enabled() []Target {
	var out []Target
	for _, t := range r.All() {
		if t.IsEnabled() {
			out = append(out, t)
		}
	}
	return out
}

// ByID returns the target with the given id, if loaded.
func (r *Registry) ByID(id string) (Target, bool) {
	id = strings.TrimSpace(id)
	if r == nil || id == "" || r.idx == nil {
		return Target{}, false
	}
	t, ok := r.idx[id]
	return t, ok
}

// Load reads and validates a targets file.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("targets file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open targets file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}

	return Parse(raw, filepath.Ext(path))
}

// Parse decodes targets from data. ext selects the format (".yaml", ".yml",
// ".json"); empty tries each in turn.
func Parse(data []byte, ext string) (*Registry, error) {
	reg, err := parseRegistry(data, ext)
	if err != nil {
		return nil, err
	}
	if len(reg.Targets) == 0 {
		return nil, errors.New("targets file contains no targets entries")
	}

	idx := make(map[string]Target, len(reg.Targets))
	for i := range reg.Targets {
		t := sanitizeTarget(reg.Targets[i])
		if err := validateTarget(t); err != nil {
			return nil, fmt.Errorf("target[%d]: %w", i, err)
		}
		if _, exists := idx[t.ID]; exists {
			return nil, fmt.Errorf("duplicate target id %q", t.ID)
		}
		reg.Targets[i] = t
		idx[t.ID] = t
	}

	return &Registry{list: reg.Targets, idx: idx}, nil
}

// New sanitizes and validates a single target built outside a targets file.
func New(t Target) (Target, error) {
	t = sanitizeTarget(t)
	if err := validateTarget(t); err != nil {
		return Target{}, err
	}
	return t, nil
}

func parseRegistry(data []byte, ext string) (registry, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))

	decoders := []struct {
		name string
		ext  string
		fn   unmarshalFn
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		if reg, err := unmarshalRegistry(d.name, data, d.fn); err == nil {
			return reg, nil
		}
	}

	return registry{}, errors.New("targets file format not recognized (expected YAML or JSON)")
}

type unmarshalFn func([]byte, any) error

func unmarshalRegistry(name string, data []byte, fn unmarshalFn) (registry, error) {
	var reg registry
	if err := fn(data, &reg); err != nil {
		return registry{}, fmt.Errorf("decode %s targets: %w", name, err)
	}
	return reg, nil
}

func sanitizeTarget(t Target) Target {
	t.ID = strings.TrimSpace(t.ID)
	t.URL = strings.TrimSpace(t.URL)
	t.Method = strings.ToUpper(strings.TrimSpace(t.Method))
	t.BufferMode = strings.ToLower(strings.TrimSpace(t.BufferMode))
	t.Output = strings.TrimSpace(t.Output)
	t.UserEnv = strings.TrimSpace(t.UserEnv)
	t.PasswordEnv = strings.TrimSpace(t.PasswordEnv)

	if t.Method == "" {
		t.Method = "GET"
		if t.JSON != nil {
			t.Method = "POST"
		}
	}
	if t.Headers == nil {
		t.Headers = map[string]string{}
	}
	return t
}

func validateTarget(t Target) error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if t.URL == "" {
		return fmt.Errorf("url is required for target %q", t.ID)
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("invalid url for target %q: %w", t.ID, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url for target %q must be http or https", t.ID)
	}
	if t.Method != "GET" && t.Method != "POST" {
		return fmt.Errorf("unsupported method %q for target %q", t.Method, t.ID)
	}
	if t.Method == "GET" && t.JSON != nil {
		return fmt.Errorf("json body requires POST for target %q", t.ID)
	}
	if _, err := access.ParseBufferMode(t.BufferMode); err != nil {
		return fmt.Errorf("target %q: %w", t.ID, err)
	}
	if t.PasswordEnv != "" && t.UserEnv == "" {
		return fmt.Errorf("password_env without user_env for target %q", t.ID)
	}
	return nil
}

// IsEnabled reports whether the target takes part in batch runs (default true).
func (t Target) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Spec builds the access request for the target.
func (t Target) Spec() (access.Spec, error) {
	mode, err := access.ParseBufferMode(t.BufferMode)
	if err != nil {
		return access.Spec{}, err
	}

	var spec access.Spec
	if t.Method == "POST" {
		payload := t.JSON
		if payload == nil {
			payload = map[string]any{}
		}
		spec, err = access.NewPost(t.URL, normalizeJSON(payload))
		if err != nil {
			return access.Spec{}, fmt.Errorf("target %q: %w", t.ID, err)
		}
		spec.BufferMode = mode
	} else {
		spec = access.NewGet(t.URL, mode)
	}

	if len(t.Headers) > 0 {
		spec.Headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			spec.Headers[k] = v
		}
	}
	return spec, nil
}

// Credential reads the target's credential from the environment. Targets
// without user_env are anonymous.
func (t Target) Credential() access.Credential {
	if t.UserEnv == "" {
		return access.Credential{}
	}
	cred := access.Credential{User: os.Getenv(t.UserEnv)}
	if t.PasswordEnv != "" {
		cred.Password = os.Getenv(t.PasswordEnv)
	}
	return cred
}

// normalizeJSON turns the map[string]interface{} trees yaml.v3 may produce
// for nested documents into shapes encoding/json accepts.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}
