// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package privsep implements the supervisor/worker RPC bridge (spec §4.7,
// component C7). The supervisor (gnosisvpn-root) retains root privilege and
// execs the worker (gnosisvpnd) with dropped uid/gid; privileged operations
// the worker needs — applying a WireGuard peer, installing routes, rotating
// a keypair — are requested over a pair of anonymous pipes inherited across
// exec, framed identically to the control socket: a 4-byte big-endian
// length prefix followed by a CBOR payload.
package privsep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
	"github.com/gnosisvpn/gnosisvpn/lib/codec"
)

const maxFrameSize = 1 << 20 // 1 MiB, matches control.maxFrameSize

// Action names the privileged operation an RPC Request performs.
type Action string

const (
	ActionApplyPeer      Action = "apply_peer"
	ActionRemovePeer     Action = "remove_peer"
	ActionRotateKeypair  Action = "rotate_keypair"
	ActionInstallRoutes  Action = "install_routes"
	ActionTearDownRoutes Action = "tear_down_routes"
	ActionReportStatus   Action = "report_status"
)

// Request is a CBOR-encoded message from the worker to the supervisor.
type Request struct {
	Action Action `cbor:"action"`

	Peer   *capability.PeerSpec  `cbor:"peer,omitempty"`
	Routes *capability.RouteSpec `cbor:"routes,omitempty"`
}

// Response is a CBOR-encoded reply from the supervisor to the worker.
type Response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`

	// NewPublicKey is set for ActionRotateKeypair replies. Key generation
	// happens in the supervisor, the same process that owns the WireGuard
	// device; the private half never crosses back over the pipe, since the
	// device handle stays the supervisor's alone (spec §5).
	NewPublicKey *[32]byte `cbor:"new_public_key,omitempty"`

	// WorkerPID and RestartCount are set for ActionReportStatus replies.
	WorkerPID    int `cbor:"worker_pid,omitempty"`
	RestartCount int `cbor:"restart_count,omitempty"`
}

// ErrFrameTooLarge is returned by readFrame when a peer's length prefix
// exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("privsep: frame exceeds maximum size")

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("privsep: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("privsep: writing frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("privsep: reading frame body: %w", err)
	}
	return payload, nil
}

func writeRequest(w io.Writer, req Request) error {
	payload, err := codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("privsep: encoding request: %w", err)
	}
	return writeFrame(w, payload)
}

func readRequest(r io.Reader) (Request, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := codec.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("privsep: decoding request: %w", err)
	}
	return req, nil
}

func writeResponse(w io.Writer, resp Response) error {
	payload, err := codec.Marshal(resp)
	if err != nil {
		return fmt.Errorf("privsep: encoding response: %w", err)
	}
	return writeFrame(w, payload)
}

func readResponse(r io.Reader) (Response, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := codec.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("privsep: decoding response: %w", err)
	}
	return resp, nil
}

// isExpectedCloseError reports whether err is the ordinary "other end
// went away" outcome of a pipe being closed, mirroring
// netutil.IsExpectedCloseError for the net.Conn-based control socket.
func isExpectedCloseError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
