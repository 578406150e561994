// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
)

func TestParseDestinationOrderMatchesFileNotLexicographic(t *testing.T) {
	const doc = `
version = 4

[destinations.zulu]
hops = 1

[destinations.alpha]
hops = 2

[destinations.mike]
hops = 3
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []model.DestinationID{"zulu", "alpha", "mike"}
	if len(cfg.DestinationOrder) != len(want) {
		t.Fatalf("DestinationOrder = %v, want %v", cfg.DestinationOrder, want)
	}
	for i, id := range want {
		if cfg.DestinationOrder[i] != id {
			t.Errorf("DestinationOrder[%d] = %s, want %s", i, cfg.DestinationOrder[i], id)
		}
	}
}

func TestParseRejectsMismatchedVersion(t *testing.T) {
	const doc = `
version = 1

[destinations.alpha]
hops = 1
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected an error for an unsupported version")
	}
}

func TestParseRequiresAtLeastOneDestination(t *testing.T) {
	const doc = `version = 4`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected an error with no destinations configured")
	}
}
