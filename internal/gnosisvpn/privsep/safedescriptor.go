// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package privsep

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SafeDescriptor is the supervisor's static deployment descriptor
// (safe.yaml, spec §6): opaque to the core beyond confirming it parses.
// The supervisor decodes it as a generic document rather than a fixed
// struct, since its schema is owned by the deployment tooling that writes
// it, not by this binary.
type SafeDescriptor struct {
	raw map[string]interface{}
}

// LoadSafeDescriptor reads and parses path. A missing file is not an
// error — safe.yaml is optional deployment metadata, absent on a bare
// install — and yields a nil descriptor.
func LoadSafeDescriptor(path string) (*SafeDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("privsep: reading %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("privsep: parsing %s: %w", path, err)
	}
	return &SafeDescriptor{raw: doc}, nil
}

// Len reports how many top-level keys the descriptor carries, for logging.
func (d *SafeDescriptor) Len() int {
	if d == nil {
		return 0
	}
	return len(d.raw)
}
