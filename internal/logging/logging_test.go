package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Str("chain", "gnosis").Msg("visible")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "visible" || line["chain"] != "gnosis" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(&buf, "loud", "json"); err == nil {
		t.Fatal("expected level parse error")
	}
	if _, err := New(&buf, "info", "xml"); err == nil {
		t.Fatal("expected format error")
	}
}
