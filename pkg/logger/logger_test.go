package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{" warn ", WARN},
		{"error", ERROR},
		{"", INFO},
		{"verbose", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentFieldsJSON(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, true)
	SetLevel(INFO)
	defer Configure(os.Stderr, false)

	InfoCF("vault", "PIN verified", map[string]any{"attempts": 0})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if entry["component"] != "vault" {
		t.Errorf("component = %v, want vault", entry["component"])
	}
	if entry["message"] != "PIN verified" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, true)
	SetLevel(WARN)
	defer func() {
		Configure(os.Stderr, false)
		SetLevel(INFO)
	}()

	DebugC("test", "hidden debug")
	InfoC("test", "hidden info")
	WarnC("test", "shown warn")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "shown warn") {
		t.Errorf("expected warn line, got %q", out)
	}
	if GetLevel() != WARN {
		t.Errorf("GetLevel() = %v, want WARN", GetLevel())
	}
}
