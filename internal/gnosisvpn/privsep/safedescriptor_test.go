// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package privsep

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSafeDescriptorMissingFileIsNotError(t *testing.T) {
	descriptor, err := LoadSafeDescriptor(filepath.Join(t.TempDir(), "safe.yaml"))
	if err != nil {
		t.Fatalf("LoadSafeDescriptor: %v", err)
	}
	if descriptor != nil {
		t.Errorf("descriptor = %v, want nil for a missing file", descriptor)
	}
	if descriptor.Len() != 0 {
		t.Errorf("Len() = %d, want 0 for a nil descriptor", descriptor.Len())
	}
}

func TestLoadSafeDescriptorParsesDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safe.yaml")
	if err := os.WriteFile(path, []byte("deployment: edge-1\nregion: eu-west\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	descriptor, err := LoadSafeDescriptor(path)
	if err != nil {
		t.Fatalf("LoadSafeDescriptor: %v", err)
	}
	if descriptor.Len() != 2 {
		t.Errorf("Len() = %d, want 2", descriptor.Len())
	}
}

func TestLoadSafeDescriptorRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safe.yaml")
	if err := os.WriteFile(path, []byte("not: [valid\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if _, err := LoadSafeDescriptor(path); err == nil {
		t.Fatal("expected an error parsing malformed YAML")
	}
}
