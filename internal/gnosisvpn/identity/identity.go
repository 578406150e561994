// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity owns the node's long-lived signing identity and the
// destination table (spec §4.2, component C2). The identity's private
// material never leaves a secret.Buffer; the destination table is replaced
// atomically on reload and reports a diff for the engine to act on.
package identity

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/config"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
	"github.com/gnosisvpn/gnosisvpn/lib/secret"
)

// Identity holds the node's private key material in locked, zero-on-close
// memory. The public key is a plain string, safe to log or publish.
type Identity struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key memory.
func (i *Identity) Close() error {
	if i.PrivateKey == nil {
		return nil
	}
	return i.PrivateKey.Close()
}

// GenerateIdentity creates a fresh X25519 identity, the same primitive the
// tunnel manager uses for WireGuard keys (spec §1.2 domain-stack table).
func GenerateIdentity() (*Identity, error) {
	ageIdentity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("identity: generating keypair: %w", err)
	}

	privateKeyBytes := []byte(ageIdentity.String())
	privateKey, err := secret.NewFromBytes(privateKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("identity: protecting private key: %w", err)
	}

	return &Identity{PrivateKey: privateKey, PublicKey: ageIdentity.Recipient().String()}, nil
}

// SealToFile encrypts identity's private key to keyPath using a
// passphrase-derived age recipient (scrypt), and writes the passphrase
// itself to passPath. Both files are created with mode 0600 (spec §6
// persisted state layout).
func SealToFile(identity *Identity, keyPath, passPath, passphrase string) error {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("identity: deriving scrypt recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("identity: opening age writer: %w", err)
	}
	if _, err := writer.Write(identity.PrivateKey.Bytes()); err != nil {
		writer.Close()
		return fmt.Errorf("identity: sealing private key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("identity: finalizing seal: %w", err)
	}

	if err := os.WriteFile(keyPath, ciphertext.Bytes(), 0o600); err != nil {
		return fmt.Errorf("identity: writing %s: %w", keyPath, err)
	}
	if err := os.WriteFile(passPath, []byte(passphrase), 0o600); err != nil {
		return fmt.Errorf("identity: writing %s: %w", passPath, err)
	}
	return nil
}

// LoadFromFile decrypts the identity at keyPath using the passphrase found
// at passPath (or, if passPath is empty, the GNOSISVPN_IDENTITY_PASSPHRASE
// environment variable — spec §6 "identity.pass ... or supplied via
// environment").
func LoadFromFile(keyPath, passPath string) (*Identity, error) {
	passphrase, err := readPassphrase(passPath)
	if err != nil {
		return nil, err
	}

	ciphertext, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("identity: reading %s: %w", keyPath, err)
	}

	ageIdentity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: deriving scrypt identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), ageIdentity)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypting %s: %w", keyPath, err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("identity: reading decrypted identity: %w", err)
	}

	privateKey, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("identity: protecting decrypted key: %w", err)
	}

	parsed, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("identity: parsing decrypted key: %w", err)
	}

	return &Identity{PrivateKey: privateKey, PublicKey: parsed.Recipient().String()}, nil
}

// readPassphrase loads the identity.pass unlock material. passPath may name
// a regular file or "-" for stdin (secret.ReadFromPath handles both); an
// empty passPath falls back to GNOSISVPN_IDENTITY_PASSPHRASE (spec §6:
// "identity.pass ... or supplied via environment"). The file/stdin path is
// preferred because it round-trips through locked, zero-on-close memory;
// the environment variable is provided for containerized deployments where
// there is no file to place alongside identity.key.
func readPassphrase(passPath string) (string, error) {
	if passPath != "" {
		buf, err := secret.ReadFromPath(passPath)
		if err != nil {
			return "", fmt.Errorf("identity: reading passphrase from %s: %w", passPath, err)
		}
		defer buf.Close()
		return buf.String(), nil
	}
	if env := os.Getenv("GNOSISVPN_IDENTITY_PASSPHRASE"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("identity: no passphrase source (identity.pass file or GNOSISVPN_IDENTITY_PASSPHRASE)")
}

// Diff describes the destinations added, removed, or changed by a Replace
// call (spec §4.2).
type Diff struct {
	Added   []model.DestinationID
	Removed []model.DestinationID
	Changed []model.DestinationID
}

// Empty reports whether the diff carries no changes at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Store owns the destination table. Safe for concurrent use; Replace swaps
// the whole table atomically under a lock.
type Store struct {
	mu     sync.RWMutex
	order  []model.DestinationID
	table  map[model.DestinationID]model.Destination
	hashes map[model.DestinationID][32]byte
}

// NewStore builds a Store from a freshly loaded config (spec §4.2 list() is
// ordered by insertion in the config file).
func NewStore(cfg *config.Config, order []model.DestinationID) *Store {
	s := &Store{
		table:  make(map[model.DestinationID]model.Destination, len(cfg.Destinations)),
		hashes: make(map[model.DestinationID][32]byte, len(cfg.Destinations)),
	}
	s.order = append([]model.DestinationID(nil), order...)
	for _, id := range order {
		dest := toDestination(id, cfg.Destinations[id])
		s.table[id] = dest
		s.hashes[id] = contentHash(dest)
	}
	return s
}

// ErrNotFound is returned by Resolve for an unknown destination.
var ErrNotFound = fmt.Errorf("identity: destination not found")

// Resolve looks up a destination by ID.
func (s *Store) Resolve(id model.DestinationID) (model.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dest, ok := s.table[id]
	if !ok {
		return model.Destination{}, ErrNotFound
	}
	return dest, nil
}

// List returns destinations in config-file insertion order (stable across
// calls until the next Replace).
func (s *Store) List() []model.Destination {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Destination, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.table[id])
	}
	return out
}

// Replace atomically swaps in a new destination set built from cfg and
// returns the diff against the previous set. Equivalent destinations (same
// blake3 content hash) are reported as unchanged even if re-parsed from a
// byte-identical or reformatted config file — this lets the engine skip
// tearing down a session whose destination did not actually change.
func (s *Store) Replace(cfg *config.Config, order []model.DestinationID) Diff {
	newTable := make(map[model.DestinationID]model.Destination, len(order))
	newHashes := make(map[model.DestinationID][32]byte, len(order))
	for _, id := range order {
		dest := toDestination(id, cfg.Destinations[id])
		newTable[id] = dest
		newHashes[id] = contentHash(dest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var diff Diff
	for id := range s.table {
		if _, ok := newTable[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	for id, hash := range newHashes {
		oldHash, existed := s.hashes[id]
		if !existed {
			diff.Added = append(diff.Added, id)
		} else if oldHash != hash {
			diff.Changed = append(diff.Changed, id)
		}
	}
	sortIDs(diff.Added)
	sortIDs(diff.Removed)
	sortIDs(diff.Changed)

	s.table = newTable
	s.hashes = newHashes
	s.order = append([]model.DestinationID(nil), order...)

	return diff
}

func sortIDs(ids []model.DestinationID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func toDestination(id model.DestinationID, d config.Destination) model.Destination {
	dest := model.Destination{ID: id, Meta: d.Meta}
	if len(d.Intermediates) > 0 {
		dest.Path = model.Path{Intermediates: d.Intermediates}
	} else {
		dest.Path = model.Path{Hops: d.Hops}
	}
	return dest
}

// contentHash hashes the parts of a destination that matter for deciding
// whether an active session must be torn down on reload: its path and meta
// labels, not its map-iteration order.
func contentHash(d model.Destination) [32]byte {
	h := blake3.New()
	fmt.Fprintf(h, "id=%s\n", d.ID)
	keys := make([]string, 0, len(d.Meta))
	for k := range d.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "meta.%s=%s\n", k, d.Meta[k])
	}
	fmt.Fprintf(h, "hops=%d\n", d.Path.Hops)
	for _, hop := range d.Path.Intermediates {
		fmt.Fprintf(h, "hop=%s\n", hop)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// OrderFromConfig returns destination IDs in the order they appear in the
// TOML file (spec §4.2 list(): "ordered by insertion in the config file;
// stable"). config.Parse captures this order from the decoder's raw key
// stream, since BurntSushi/toml's decoded map does not preserve it;
// OrderFromConfig falls back to a deterministic lexicographic order only
// for a Config built by hand (as tests do) rather than through Parse.
func OrderFromConfig(cfg *config.Config) []model.DestinationID {
	if len(cfg.DestinationOrder) == len(cfg.Destinations) {
		return cfg.DestinationOrder
	}
	ids := make([]model.DestinationID, 0, len(cfg.Destinations))
	for id := range cfg.Destinations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
