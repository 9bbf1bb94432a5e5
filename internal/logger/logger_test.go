package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestSetupSetsGlobalLevel(t *testing.T) {
	defer Setup("info", "console")

	Setup("error", "console")
	if got := zerolog.GlobalLevel(); got != zerolog.ErrorLevel {
		t.Errorf("Expected error level, got %v", got)
	}
	if Log == nil {
		t.Error("expected Log to be initialized")
	}
}

func TestJSONFields(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")

	Log.Info("selection",
		"layer", 2,
		"ratio", 0.18,
		"err", errors.New("boom"),
		"orphan_key",
	)

	var event map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("Expected one JSON event, got %q: %v", buf.String(), err)
	}
	if event["message"] != "selection" {
		t.Errorf("Expected message 'selection', got %v", event["message"])
	}
	if event["layer"] != float64(2) {
		t.Errorf("Expected layer 2, got %v", event["layer"])
	}
	if event["err"] != "boom" {
		t.Errorf("Expected err 'boom', got %v", event["err"])
	}
	if _, ok := event["orphan_key"]; ok {
		t.Error("Expected trailing key without value to be dropped")
	}
}

func TestLevelFiltering(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")

	Log.Debug("hidden")
	Log.Info("hidden")
	Log.Warn("shown")
	Log.Error("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("Expected 2 events above warn, got %d: %q", len(lines), buf.String())
	}
}

func TestWithCarriesFields(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	Log.With("request", "abc", 7, "seven").Info("step")

	out := buf.String()
	if !strings.Contains(out, `"request":"abc"`) {
		t.Errorf("Expected request field, got %q", out)
	}
	if !strings.Contains(out, `"7":"seven"`) {
		t.Errorf("Expected non-string key converted, got %q", out)
	}
}

func TestConsoleFormat(t *testing.T) {
	defer Setup("info", "console")

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "console")
	Log.Info("console message", "key", "value")

	if !strings.Contains(buf.String(), "console message") {
		t.Errorf("Expected console output to contain message, got %q", buf.String())
	}
}
