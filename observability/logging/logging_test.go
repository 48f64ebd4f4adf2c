package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupRenamesCoreKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := setup(&buf, "ledger", "test", slog.LevelInfo)
	logger.Info("hello", MaskField("buyer", "0xabc"), MaskField("trade_id", "0x01"))
	logger.Debug("suppressed")

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if record["message"] != "hello" {
		t.Fatalf("unexpected message: %v", record["message"])
	}
	if record["severity"] != "INFO" {
		t.Fatalf("unexpected severity: %v", record["severity"])
	}
	if record["service"] != "ledger" || record["env"] != "test" {
		t.Fatalf("missing service attributes: %v", record)
	}
	if record["buyer"] != RedactedValue {
		t.Fatalf("expected buyer to be redacted, got %v", record["buyer"])
	}
	if record["trade_id"] != "0x01" {
		t.Fatalf("expected trade id to be allowlisted, got %v", record["trade_id"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
