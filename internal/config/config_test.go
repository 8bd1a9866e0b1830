package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.yaml")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error for missing file: %v", err)
	}
	if got.MaxMessageSize == 0 || got.MaxStringLen == 0 || got.MaxArrayLen == 0 {
		t.Error("Load() on a missing file should fall back to wire.DefaultBounds, got a zero field")
	}
	if got.MaxQueuedBytes != 4<<20 {
		t.Errorf("expected default MaxQueuedBytes 4MiB, got %d", got.MaxQueuedBytes)
	}
}

func TestLoadOverridesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bounds.yaml")
	content := `max_string_len: 1024
max_array_len: 2048
max_message_size: 8192
max_queued_bytes: 1048576
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if got.MaxStringLen != 1024 {
		t.Errorf("expected MaxStringLen 1024, got %d", got.MaxStringLen)
	}
	if got.MaxArrayLen != 2048 {
		t.Errorf("expected MaxArrayLen 2048, got %d", got.MaxArrayLen)
	}
	if got.MaxMessageSize != 8192 {
		t.Errorf("expected MaxMessageSize 8192, got %d", got.MaxMessageSize)
	}
	if got.MaxQueuedBytes != 1048576 {
		t.Errorf("expected MaxQueuedBytes 1048576, got %d", got.MaxQueuedBytes)
	}
}

func TestLoadInvalidYAMLIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("max_string_len: [not a number"), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for malformed YAML, got nil")
	}
}

func TestWireBoundsConverts(t *testing.T) {
	b := Bounds{MaxStringLen: 10, MaxArrayLen: 20, MaxMessageSize: 30, MaxQueuedBytes: 40}
	wb := b.WireBounds()
	if wb.MaxStringLen != 10 || wb.MaxArrayLen != 20 || wb.MaxMessageSize != 30 {
		t.Errorf("WireBounds() did not carry over fields: %+v", wb)
	}
}
