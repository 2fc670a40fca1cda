package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerAppliesFieldsInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "pool"), Tenant("t1"))
	log.Warn("pruned", Int("count", 2), Err(errors.New("boom")), String("comp", "display"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "pruned" || m["level"] != "warn" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["tenant"] != "t1" || m["count"] != float64(2) || m["err"] != "boom" {
		t.Fatalf("missing fields: %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled")
	}
	if !log.Enabled(LevelWarn) {
		t.Fatal("warn should be enabled")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing") // must not panic
	if Nop().IsZero() {
		t.Fatal("Nop logger is a configured logger")
	}
}

func TestServiceApplySwapsFileAndLevel(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	child := log.With(String("comp", "test"))
	child.Debug("dropped")
	child.Info("one")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	child.Debug("two")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if !strings.Contains(string(a), `"message":"one"`) || strings.Contains(string(a), "dropped") {
		t.Fatalf("first log: %q", a)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if !strings.Contains(string(b), `"message":"two"`) || !strings.Contains(string(b), `"comp":"test"`) {
		t.Fatalf("second log: %q", b)
	}
}
