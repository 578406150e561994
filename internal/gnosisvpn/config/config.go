// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates gnosisvpn's TOML configuration file
// (spec §6) and computes the destination-table diff the identity store
// surfaces on reload (spec §4.2).
//
// Configuration is loaded from a single file specified by:
//   - the GNOSISVPN_CONFIG_PATH environment variable, or
//   - the --config flag passed to the worker binary
//
// There are no fallbacks or automatic discovery — deterministic, auditable
// configuration, same philosophy as the example corpus's config loader.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
)

// CurrentVersion is the only config-file version this build accepts.
const CurrentVersion = 4

// Config is the parsed, validated configuration for a single reload epoch.
// Config values are never mutated after Load returns — a reload produces a
// brand new Config and a diff against the previous one.
type Config struct {
	Version      int
	HOPRdNode    HOPRdNode
	Destinations map[model.DestinationID]Destination
	Connection   Connection
	WireGuard    WireGuard

	// DestinationOrder lists Destinations' keys in the order they appeared
	// in the source TOML (spec §4.2 list(): "ordered by insertion in the
	// config file; stable"). Captured from the decoder's raw key stream
	// since the map above has already lost that order by construction.
	DestinationOrder []model.DestinationID

	// UnknownKeys lists top-level or nested keys the file contained that
	// this version does not recognize. Surfaced as a Configuration warning
	// (spec §7 kind 1), never a hard failure.
	UnknownKeys []string
}

// HOPRdNode describes the entry node to talk to.
type HOPRdNode struct {
	Endpoint               string
	APIToken               string
	InternalConnectionPort uint16
}

// Destination is one configured exit node.
type Destination struct {
	Meta          map[string]string
	Intermediates []string
	Hops          uint8
}

// ConnectionProtocol configures capability/target for one of the two
// in-protocol sessions (bridge and wg).
type ConnectionProtocol struct {
	Capabilities []model.Capability
	Target       string
}

// PingOptions configures the liveness-probe loop.
type PingOptions struct {
	Timeout        time.Duration
	TTL             uint32
	SeqCount        uint16
	IntervalMin     time.Duration
	IntervalMax     time.Duration
}

// Connection holds the optional [connection] section.
type Connection struct {
	ListenHost     string
	SessionTimeout time.Duration
	Bridge         ConnectionProtocol
	WG             ConnectionProtocol
	Ping           PingOptions
}

// WireGuard holds the optional [wireguard] section.
type WireGuard struct {
	ListenPort      uint16
	AllowedIPs      string
	ForcePrivateKey string
}

// rawConfig mirrors the TOML shape before validation/defaulting, following
// the original Rust config/v4.rs field layout.
type rawConfig struct {
	Version      int                        `toml:"version"`
	HOPRdNode    rawHOPRdNode               `toml:"hoprd_node"`
	Destinations map[string]rawDestination  `toml:"destinations"`
	Connection   *rawConnection             `toml:"connection"`
	WireGuard    *rawWireGuard              `toml:"wireguard"`
}

type rawHOPRdNode struct {
	Endpoint               string `toml:"endpoint"`
	APIToken               string `toml:"api_token"`
	InternalConnectionPort uint16 `toml:"internal_connection_port"`
}

type rawDestination struct {
	Meta          map[string]string `toml:"meta"`
	Intermediates []string          `toml:"intermediates"`
	Hops          *uint8            `toml:"hops"`
}

type rawConnection struct {
	ListenHost     string              `toml:"listen_host"`
	SessionTimeout string              `toml:"session_timeout"`
	Bridge         *rawConnProtocol    `toml:"bridge"`
	WG             *rawConnProtocol    `toml:"wg"`
	Ping           *rawPingOptions     `toml:"ping"`
}

type rawConnProtocol struct {
	Capabilities []string `toml:"capabilities"`
	Target       string   `toml:"target"`
}

type rawPingOptions struct {
	Timeout  string         `toml:"timeout"`
	TTL      uint32         `toml:"ttl"`
	SeqCount uint16         `toml:"seq_count"`
	Interval *rawPingWindow `toml:"interval"`
}

type rawPingWindow struct {
	Min string `toml:"min"`
	Max string `toml:"max"`
}

type rawWireGuard struct {
	ListenPort      uint16 `toml:"listen_port"`
	AllowedIPs      string `toml:"allowed_ips"`
	ForcePrivateKey string `toml:"force_private_key"`
}

// LoadFile reads and validates a TOML config file at path. It refuses files
// whose version field does not equal CurrentVersion (spec §6). At least one
// destination is required (spec §6: "at least one entry is required to
// accept Connect").
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and converts raw TOML bytes into a Config.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	metadata, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("config: parsing TOML: %w", err)
	}

	if raw.Version != CurrentVersion {
		return nil, fmt.Errorf("config: unsupported version %d, expected %d", raw.Version, CurrentVersion)
	}

	if len(raw.Destinations) == 0 {
		return nil, fmt.Errorf("config: at least one destination is required")
	}

	cfg := &Config{
		Version: raw.Version,
		HOPRdNode: HOPRdNode{
			Endpoint:               raw.HOPRdNode.Endpoint,
			APIToken:               raw.HOPRdNode.APIToken,
			InternalConnectionPort: raw.HOPRdNode.InternalConnectionPort,
		},
		Destinations: make(map[model.DestinationID]Destination, len(raw.Destinations)),
	}

	for id, dest := range raw.Destinations {
		if len(dest.Intermediates) > 0 && dest.Hops != nil {
			return nil, fmt.Errorf("config: destination %q sets both intermediates and hops", id)
		}
		d := Destination{Meta: dest.Meta, Intermediates: dest.Intermediates}
		if dest.Hops != nil {
			d.Hops = *dest.Hops
		}
		cfg.Destinations[model.DestinationID(id)] = d
	}

	if raw.Connection != nil {
		conn := Connection{ListenHost: raw.Connection.ListenHost}
		if raw.Connection.SessionTimeout != "" {
			conn.SessionTimeout, err = time.ParseDuration(raw.Connection.SessionTimeout)
			if err != nil {
				return nil, fmt.Errorf("config: connection.session_timeout: %w", err)
			}
		}
		if raw.Connection.Bridge != nil {
			conn.Bridge = parseConnProtocol(*raw.Connection.Bridge)
		}
		if raw.Connection.WG != nil {
			conn.WG = parseConnProtocol(*raw.Connection.WG)
		}
		if raw.Connection.Ping != nil {
			conn.Ping, err = parsePingOptions(*raw.Connection.Ping)
			if err != nil {
				return nil, err
			}
		}
		cfg.Connection = conn
	}

	if raw.WireGuard != nil {
		cfg.WireGuard = WireGuard{
			ListenPort:      raw.WireGuard.ListenPort,
			AllowedIPs:      raw.WireGuard.AllowedIPs,
			ForcePrivateKey: raw.WireGuard.ForcePrivateKey,
		}
	}

	cfg.UnknownKeys = wrongKeys(metadata)
	cfg.DestinationOrder = destinationOrder(metadata, cfg.Destinations)

	return cfg, nil
}

// destinationOrder walks the TOML decoder's raw key stream, which preserves
// document order even though BurntSushi/toml's decoded map does not, and
// returns each destination's table key the first time it appears.
func destinationOrder(metadata toml.MetaData, destinations map[model.DestinationID]Destination) []model.DestinationID {
	seen := make(map[model.DestinationID]bool, len(destinations))
	order := make([]model.DestinationID, 0, len(destinations))
	for _, key := range metadata.Keys() {
		if len(key) < 2 || key[0] != "destinations" {
			continue
		}
		id := model.DestinationID(key[1])
		if seen[id] {
			continue
		}
		if _, ok := destinations[id]; !ok {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	return order
}

func parseConnProtocol(raw rawConnProtocol) ConnectionProtocol {
	out := ConnectionProtocol{Target: raw.Target}
	for _, c := range raw.Capabilities {
		out.Capabilities = append(out.Capabilities, model.Capability(c))
	}
	return out
}

func parsePingOptions(raw rawPingOptions) (PingOptions, error) {
	var out PingOptions
	var err error
	if raw.Timeout != "" {
		out.Timeout, err = time.ParseDuration(raw.Timeout)
		if err != nil {
			return out, fmt.Errorf("config: connection.ping.timeout: %w", err)
		}
	}
	out.TTL = raw.TTL
	out.SeqCount = raw.SeqCount
	if raw.Interval != nil {
		if raw.Interval.Min != "" {
			out.IntervalMin, err = time.ParseDuration(raw.Interval.Min)
			if err != nil {
				return out, fmt.Errorf("config: connection.ping.interval.min: %w", err)
			}
		}
		if raw.Interval.Max != "" {
			out.IntervalMax, err = time.ParseDuration(raw.Interval.Max)
			if err != nil {
				return out, fmt.Errorf("config: connection.ping.interval.max: %w", err)
			}
		}
	}
	return out, nil
}

// wrongKeys walks the TOML decode metadata for keys undecoded into the
// struct tree, mirroring the original Rust config/v4.rs wrong_keys check:
// unknown keys are tolerated (forward compatibility, spec §6 wire-format
// note) but reported so they can be logged as a Configuration warning.
func wrongKeys(metadata toml.MetaData) []string {
	var unknown []string
	for _, key := range metadata.Undecoded() {
		unknown = append(unknown, key.String())
	}
	return unknown
}
