package logging

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIOutputShape(t *testing.T) {
	var buf strings.Builder
	logger := NewCLI(&buf, slog.LevelDebug)

	logger.With("component", "store").Info("artifact written", "path", "/tmp/a b", "count", 3)

	line := strings.TrimSuffix(buf.String(), "\n")
	if !strings.Contains(line, " INFO | artifact written") {
		t.Fatalf("unexpected line format: %q", line)
	}
	if !strings.Contains(line, "component=store") {
		t.Fatalf("missing handler attr in %q", line)
	}
	if !strings.Contains(line, `path="/tmp/a b"`) {
		t.Fatalf("value with spaces not quoted in %q", line)
	}
	if !strings.Contains(line, "count=3") {
		t.Fatalf("missing record attr in %q", line)
	}
}

func TestCLIGroupsQualifyKeys(t *testing.T) {
	var buf strings.Builder
	logger := NewCLI(&buf, slog.LevelInfo).WithGroup("fetch")

	logger.Warn("slow download", "source", "musl")

	if !strings.Contains(buf.String(), "fetch.source=musl") {
		t.Fatalf("group prefix missing: %q", buf.String())
	}
}

func TestCLILevelFiltering(t *testing.T) {
	var buf strings.Builder
	logger := NewCLI(&buf, slog.LevelWarn)

	logger.Info("dropped")
	logger.Error("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record not filtered: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("error record missing: %q", out)
	}
}

func TestJSONModeEmitsValidJSON(t *testing.T) {
	var buf strings.Builder
	logger := NewJSON(&buf, nil)

	logger.Info("stage finished", "stage", "rootfs")

	var record map[string]any
	if err := json.Unmarshal([]byte(buf.String()), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "stage finished" {
		t.Fatalf("unexpected msg field: %#v", record)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  slog.Level
		err   bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"ERR", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.input)
		if tc.err != (err != nil) {
			t.Errorf("ParseLevel(%q) error = %v, want error %t", tc.input, err, tc.err)
			continue
		}
		if !tc.err && got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
