// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package privsep

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
)

// Server is the supervisor-side RPC dispatcher. It runs with full privilege
// and performs the operations the worker is not allowed to: applying a
// WireGuard peer, installing routes, rotating the device's active key. It
// holds no connection-lifecycle state of its own — every request is
// self-contained.
type Server struct {
	tunnel  capability.TunnelDriver
	routes  capability.RouteInstaller
	log     *slog.Logger
	workerPID    func() int
	restartCount func() int
}

// NewServer constructs a Server. tunnel and routes are the real,
// privileged driver implementations; workerPID/restartCount let
// ActionReportStatus answer from the Supervisor's live bookkeeping.
func NewServer(tunnel capability.TunnelDriver, routes capability.RouteInstaller, log *slog.Logger, workerPID, restartCount func() int) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{tunnel: tunnel, routes: routes, log: log, workerPID: workerPID, restartCount: restartCount}
}

// Serve reads framed Requests from r and writes framed Responses to w until
// r returns an error (the worker exited and its pipe end closed) or ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, err := readRequest(r)
		if err != nil {
			if isExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("privsep: reading request: %w", err)
		}

		resp := s.dispatch(ctx, req)
		if err := writeResponse(w, resp); err != nil {
			return fmt.Errorf("privsep: writing response to %s: %w", req.Action, err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Action {
	case ActionApplyPeer:
		if req.Peer == nil {
			return errorResponse("apply_peer request missing peer spec")
		}
		if err := s.tunnel.ApplyPeer(ctx, *req.Peer); err != nil {
			s.log.Error("privsep: apply_peer failed", "error", err)
			return errorResponse(err.Error())
		}
		return Response{OK: true}

	case ActionRemovePeer:
		if err := s.tunnel.RemovePeer(ctx); err != nil {
			s.log.Error("privsep: remove_peer failed", "error", err)
			return errorResponse(err.Error())
		}
		return Response{OK: true}

	case ActionRotateKeypair:
		pub, err := s.tunnel.RotateKeypair(ctx)
		if err != nil {
			s.log.Error("privsep: rotate_keypair failed", "error", err)
			return errorResponse(err.Error())
		}
		return Response{OK: true, NewPublicKey: &pub}

	case ActionInstallRoutes:
		if req.Routes == nil {
			return errorResponse("install_routes request missing route spec")
		}
		if err := s.routes.InstallRoutes(ctx, *req.Routes); err != nil {
			s.log.Error("privsep: install_routes failed", "error", err)
			return errorResponse(err.Error())
		}
		return Response{OK: true}

	case ActionTearDownRoutes:
		if err := s.routes.TearDownRoutes(ctx); err != nil {
			s.log.Error("privsep: tear_down_routes failed", "error", err)
			return errorResponse(err.Error())
		}
		return Response{OK: true}

	case ActionReportStatus:
		pid, restarts := 0, 0
		if s.workerPID != nil {
			pid = s.workerPID()
		}
		if s.restartCount != nil {
			restarts = s.restartCount()
		}
		return Response{OK: true, WorkerPID: pid, RestartCount: restarts}

	default:
		return errorResponse(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func errorResponse(msg string) Response {
	return Response{OK: false, Error: msg}
}
