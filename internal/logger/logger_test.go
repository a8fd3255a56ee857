package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/samvad-hq/catalog-access/internal/config"
	"go.uber.org/zap/zapcore"
)

func TestInitWritesJSONWithLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log, err := initTo(&config.Config{AppName: "catalogfetch", LogLevel: "warn"}, &buf)
	if err != nil {
		t.Fatalf("initTo: %v", err)
	}

	log.InfoObj("dropped", "k", 1)
	log.WarnObj("kept", "fetch_meta", map[string]any{"url": "https://example.com"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "kept" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["app"] != "catalogfetch" {
		t.Fatalf("app = %v", entry["app"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key in %v", entry)
	}
	meta, ok := entry["fetch_meta"].(map[string]any)
	if !ok || meta["url"] != "https://example.com" {
		t.Fatalf("fetch_meta = %#v", entry["fetch_meta"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Errorf("parseLevel(%q) = %v want %v", raw, got, want)
		}
	}
}

func TestEnsureReturnsNopForNil(t *testing.T) {
	if _, ok := Ensure(nil).(NopLogger); !ok {
		t.Fatalf("expected NopLogger")
	}
}
