// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/eventbus"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/identity"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
	"github.com/gnosisvpn/gnosisvpn/lib/netutil"
)

// Engine is the subset of *engine.Engine the control server depends on.
// Declared locally so this package does not import engine directly, mirroring
// the capability-interface idiom used for HOPRdClient/TunnelDriver.
type Engine interface {
	Submit(model.Command)
	State() model.EngineState
}

// Server listens on a Unix domain socket and serves status/connect/
// disconnect/refresh requests against an engine, plus a destination store for
// the status destination list (spec §4.6). Only one mutating command
// (Connect/Disconnect/Refresh) may be in flight at a time; a concurrent
// mutating request receives ResponseBusy.
type Server struct {
	engine Engine
	store  *identity.Store
	bus    *eventbus.Bus
	log    *slog.Logger

	busy     atomic.Bool
	refresh  func(context.Context) error

	mu         sync.Mutex
	listener   net.Listener
	socketUser string
}

// NewServer constructs a Server. Call Serve to accept connections.
func NewServer(eng Engine, store *identity.Store, bus *eventbus.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: eng, store: store, bus: bus, log: log}
}

// SetRefresher installs the function RequestRefresh invokes to re-read
// configuration from disk before the engine recomputes its destination
// diff. The engine's own CommandRefresh handling is a no-op
// placeholder (it has no file-system access), so the daemon entry point
// wires the actual re-read here.
func (s *Server) SetRefresher(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = fn
}

// SetSocketGroupOwner names the unprivileged worker account whose primary
// group should own the socket file, so non-root clients in that group can
// reach it (spec §6 persisted-state layout: socket mode 0660, group owned).
func (s *Server) SetSocketGroupOwner(workerUser string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.socketUser = workerUser
}

// Serve listens on socketPath (removing any stale socket file left by a
// prior crashed process) and accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("control: removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("control: restricting %s permissions: %w", socketPath, err)
	}
	s.mu.Lock()
	socketUser := s.socketUser
	s.mu.Unlock()
	if socketUser != "" {
		if err := chownToUserGroup(socketPath, socketUser); err != nil {
			listener.Close()
			return fmt.Errorf("control: setting %s group owner: %w", socketPath, err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		req, err := readRequest(conn)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				s.log.Warn("control: reading request", "error", err)
			}
			return
		}

		switch req.Kind {
		case RequestStatus:
			s.writeStatus(conn)
		case RequestStatusFollow:
			s.followStatus(ctx, conn)
			return
		case RequestConnect, RequestDisconnect, RequestRefresh:
			s.handleMutator(ctx, conn, req)
		default:
			writeResponse(conn, Response{Kind: ResponseError, Error: fmt.Sprintf("control: unknown request kind %d", req.Kind)})
		}
	}
}

func (s *Server) handleMutator(ctx context.Context, conn net.Conn, req Request) {
	if !s.busy.CompareAndSwap(false, true) {
		writeResponse(conn, Response{Kind: ResponseBusy})
		return
	}
	defer s.busy.Store(false)

	switch req.Kind {
	case RequestConnect:
		s.engine.Submit(model.Command{Kind: model.CommandConnect, Destination: req.Destination})
	case RequestDisconnect:
		s.engine.Submit(model.Command{Kind: model.CommandDisconnect})
	case RequestRefresh:
		if s.refresh != nil {
			if err := s.refresh(ctx); err != nil {
				writeResponse(conn, Response{Kind: ResponseError, Error: err.Error()})
				return
			}
		}
		s.engine.Submit(model.Command{Kind: model.CommandRefresh})
	}
	writeResponse(conn, Response{Kind: ResponseOK})
}

func (s *Server) writeStatus(conn net.Conn) {
	writeResponse(conn, Response{Kind: ResponseStatus, Status: s.snapshot()})
}

func (s *Server) snapshot() *StatusPayload {
	dests := s.store.List()
	ids := make([]model.DestinationID, 0, len(dests))
	for _, d := range dests {
		ids = append(ids, d.ID)
	}
	return &StatusPayload{State: s.engine.State(), Destinations: ids}
}

// followStatus implements "status --follow": write an immediate snapshot,
// then a new frame each time a StatusChanged event arrives on the bus, until
// the client disconnects or ctx is cancelled (spec §4.6).
func (s *Server) followStatus(ctx context.Context, conn net.Conn) {
	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	if err := writeResponse(conn, Response{Kind: ResponseStatus, Status: s.snapshot()}); err != nil {
		return
	}

	// A closed connection only becomes visible to us on the next write, since
	// clients in follow mode do not send further requests; give up as soon
	// as a write fails.
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != model.EventStatusChanged {
				continue
			}
			if err := writeResponse(conn, Response{Kind: ResponseStatus, Status: s.snapshot()}); err != nil {
				return
			}
		}
	}
}

// Addr returns the listener's address, or nil if Serve has not yet bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// chownToUserGroup sets path's group ownership to workerUser's primary
// group, leaving the file's owner (this process's uid) untouched.
func chownToUserGroup(path, workerUser string) error {
	u, err := user.Lookup(workerUser)
	if err != nil {
		return fmt.Errorf("looking up %q: %w", workerUser, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	return os.Chown(path, os.Geteuid(), gid)
}
