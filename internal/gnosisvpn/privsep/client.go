// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package privsep

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
)

// Client is the worker-side RPC stub. It implements capability.TunnelDriver
// and capability.RouteInstaller by forwarding each call to the supervisor
// over the inherited pipe pair, so the worker's tunnel and route managers
// need not know they are privilege-separated.
//
// Only one request may be outstanding at a time; Client serializes calls
// with a mutex rather than multiplexing, since the worker only ever has one
// active session/tunnel to manage.
type Client struct {
	mu sync.Mutex
	w  io.Writer // requests: worker -> supervisor
	r  io.Reader // responses: supervisor -> worker
}

// NewClient wraps the worker's end of the pipe pair: w is where requests are
// written (typically the worker's own stdout), r is where responses are read
// (typically the worker's own stdin).
func NewClient(w io.Writer, r io.Reader) *Client {
	return &Client{w: w, r: r}
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeRequest(c.w, req); err != nil {
		return Response{}, err
	}
	resp, err := readResponse(c.r)
	if err != nil {
		return Response{}, fmt.Errorf("privsep: reading response to %s: %w", req.Action, err)
	}
	if !resp.OK {
		return Response{}, fmt.Errorf("privsep: %s failed: %s", req.Action, resp.Error)
	}
	return resp, nil
}

// ApplyPeer implements capability.TunnelDriver.
func (c *Client) ApplyPeer(ctx context.Context, spec capability.PeerSpec) error {
	_, err := c.call(ctx, Request{Action: ActionApplyPeer, Peer: &spec})
	return err
}

// RemovePeer implements capability.TunnelDriver.
func (c *Client) RemovePeer(ctx context.Context) error {
	_, err := c.call(ctx, Request{Action: ActionRemovePeer})
	return err
}

// RotateKeypair implements capability.TunnelDriver. The supervisor owns the
// WireGuard device and generates the new keypair; only the public half
// crosses back over the pipe, since the device handle — and its private
// key — never leaves the privileged side (spec §5).
func (c *Client) RotateKeypair(ctx context.Context) (publicKey [32]byte, err error) {
	resp, err := c.call(ctx, Request{Action: ActionRotateKeypair})
	if err != nil {
		return [32]byte{}, err
	}
	if resp.NewPublicKey == nil {
		return [32]byte{}, fmt.Errorf("privsep: rotate_keypair response missing public key")
	}
	return *resp.NewPublicKey, nil
}

// InstallRoutes implements capability.RouteInstaller.
func (c *Client) InstallRoutes(ctx context.Context, spec capability.RouteSpec) error {
	_, err := c.call(ctx, Request{Action: ActionInstallRoutes, Routes: &spec})
	return err
}

// TearDownRoutes implements capability.RouteInstaller.
func (c *Client) TearDownRoutes(ctx context.Context) error {
	_, err := c.call(ctx, Request{Action: ActionTearDownRoutes})
	return err
}

// ReportStatus asks the supervisor for the current worker's PID and the
// number of worker restarts so far.
func (c *Client) ReportStatus(ctx context.Context) (workerPID, restartCount int, err error) {
	resp, err := c.call(ctx, Request{Action: ActionReportStatus})
	if err != nil {
		return 0, 0, err
	}
	return resp.WorkerPID, resp.RestartCount, nil
}
