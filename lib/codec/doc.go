// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides gnosisvpn's standard CBOR encoding configuration.
//
// gnosisvpn uses CBOR for its internal protocols: the control socket
// (internal/gnosisvpn/control) and the privileged RPC between the worker
// and the supervisor (internal/gnosisvpn/privsep).
//
// This package provides the shared CBOR encoding and decoding modes so
// that every gnosisvpn package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes.
//
// For buffer-oriented operations (files, tokens):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets, IPC):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Examples: control-socket requests and responses, privsep RPC
//     messages.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
