package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestWarnOnce(t *testing.T) {
	var buf bytes.Buffer
	InitWithOutput(&buf, "warn", "text")
	defer func() { Logger = nil }()

	WarnOnce("test-bus-overflow", "bus overflow: %d", 1)
	WarnOnce("test-bus-overflow", "bus overflow: %d", 2)

	if got := strings.Count(buf.String(), "bus overflow"); got != 1 {
		t.Errorf("warning count = %d, want 1 (log: %q)", got, buf.String())
	}
}

func TestInitWithOutput_Level(t *testing.T) {
	tests := []struct {
		level    string
		expected string
	}{
		{"debug", "debug"},
		{"error", "error"},
		{"nonsense", "info"},
	}

	for _, test := range tests {
		var buf bytes.Buffer
		InitWithOutput(&buf, test.level, "json")
		if got := Logger.GetLevel().String(); got != test.expected {
			t.Errorf("level for %q = %q, want %q", test.level, got, test.expected)
		}
	}
	Logger = nil
}

func TestWithFields_Uninitialized(t *testing.T) {
	Logger = nil
	// must not panic without Init
	WithFields(map[string]interface{}{"voice": "Sine"}).Info("dropped")
}
