package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerRedactsSensitiveValues(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewHandler(buf))

	sensitiveKey := "sk-feed-0123456789"
	logger.Warn("feed client configured",
		slog.String("api_key", sensitiveKey),
		slog.String("asset", "NHB"),
		slog.String("reason", "unit test"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log payload: %v", err)
	}

	if IsAllowlisted("api_key") {
		t.Fatalf("api_key should not be allowlisted for logging: %v", RedactionAllowlist())
	}
	if bytes.Contains(buf.Bytes(), []byte(sensitiveKey)) {
		t.Fatalf("log output leaked sensitive value: %s", buf.Bytes())
	}

	value, ok := entry["api_key"].(string)
	if !ok {
		t.Fatalf("expected string api_key attribute, got %T", entry["api_key"])
	}
	if value != RedactedValue {
		t.Fatalf("expected redacted api_key, got %q", value)
	}
	if got := entry["asset"]; got != "NHB" {
		t.Fatalf("allowlisted asset attribute was mangled: %v", got)
	}
	if got := entry["severity"]; got != "WARN" {
		t.Fatalf("expected severity WARN, got %v", got)
	}
	if got := entry["message"]; got != "feed client configured" {
		t.Fatalf("expected renamed message key, got %v", got)
	}
	if _, renamed := entry["timestamp"]; !renamed {
		t.Fatalf("expected renamed timestamp key, entry: %v", entry)
	}
}

func TestHandlerRedactsBorrowerAddresses(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewHandler(buf))

	borrower := "0x00000000000000000000000000000000000000a1"
	logger.Info("settlement observed",
		slog.String("borrower", borrower),
		slog.String("outcome", "early_repaid"),
		slog.String("interest", "20000"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log payload: %v", err)
	}
	if entry["borrower"] != RedactedValue {
		t.Fatalf("borrower address must be masked, got %v", entry["borrower"])
	}
	if entry["outcome"] != "early_repaid" || entry["interest"] != "20000" {
		t.Fatalf("reconciliation keys must pass through, entry: %v", entry)
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("api_key", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty values must pass through unchanged, got %q", attr.Value.String())
	}
	attr = MaskField("api_key", "secret")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("expected redacted value, got %q", attr.Value.String())
	}
}
