// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package privsep

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/capability"
)

// wirePair connects a Client and a Server back to back using a pair of
// net.Pipe connections, standing in for the worker's inherited stdin/stdout
// pipes without spawning a real process.
func wirePair(t *testing.T, tunnel capability.TunnelDriver, routes capability.RouteInstaller) (*Client, *Server, func()) {
	t.Helper()

	// requests: worker(client) -> supervisor(server)
	reqServer, reqClient := net.Pipe()
	// responses: supervisor(server) -> worker(client)
	respClient, respServer := net.Pipe()

	client := NewClient(reqClient, respClient)
	server := NewServer(tunnel, routes, nil, func() int { return 4242 }, func() int { return 3 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx, reqServer, respServer)
	}()

	cleanup := func() {
		cancel()
		reqClient.Close()
		respClient.Close()
		reqServer.Close()
		respServer.Close()
		<-done
	}
	return client, server, cleanup
}

func TestClientApplyPeerRoundTrip(t *testing.T) {
	driver := capability.NewFakeTunnelDriver()
	client, _, cleanup := wirePair(t, driver, capability.NewFakeRouteInstaller())
	defer cleanup()

	spec := capability.PeerSpec{PublicKey: [32]byte{1, 2, 3}}
	if err := client.ApplyPeer(context.Background(), spec); err != nil {
		t.Fatalf("ApplyPeer: %v", err)
	}
	if !driver.IsApplied() {
		t.Error("expected driver to report applied after ApplyPeer")
	}
}

func TestClientApplyPeerSurfacesDriverError(t *testing.T) {
	driver := capability.NewFakeTunnelDriver()
	driver.ApplyErr = errors.New("device busy")
	client, _, cleanup := wirePair(t, driver, capability.NewFakeRouteInstaller())
	defer cleanup()

	err := client.ApplyPeer(context.Background(), capability.PeerSpec{})
	if err == nil {
		t.Fatal("expected an error from a failing driver")
	}
}

func TestClientRotateKeypairReturnsOnlyPublicHalf(t *testing.T) {
	driver := capability.NewFakeTunnelDriver()
	client, _, cleanup := wirePair(t, driver, capability.NewFakeRouteInstaller())
	defer cleanup()

	pub, err := client.RotateKeypair(context.Background())
	if err != nil {
		t.Fatalf("RotateKeypair: %v", err)
	}
	var zero [32]byte
	if pub == zero {
		t.Error("expected a non-zero public key")
	}
}

func TestClientInstallAndTearDownRoutes(t *testing.T) {
	routes := capability.NewFakeRouteInstaller()
	client, _, cleanup := wirePair(t, capability.NewFakeTunnelDriver(), routes)
	defer cleanup()

	spec := capability.RouteSpec{TunnelDevice: "gnosis0"}
	if err := client.InstallRoutes(context.Background(), spec); err != nil {
		t.Fatalf("InstallRoutes: %v", err)
	}
	if !routes.IsInstalled() {
		t.Error("expected routes installed")
	}

	if err := client.TearDownRoutes(context.Background()); err != nil {
		t.Fatalf("TearDownRoutes: %v", err)
	}
	if routes.IsInstalled() {
		t.Error("expected routes torn down")
	}
}

func TestClientReportStatus(t *testing.T) {
	client, _, cleanup := wirePair(t, capability.NewFakeTunnelDriver(), capability.NewFakeRouteInstaller())
	defer cleanup()

	pid, restarts, err := client.ReportStatus(context.Background())
	if err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if pid != 4242 || restarts != 3 {
		t.Errorf("ReportStatus = (%d, %d), want (4242, 3)", pid, restarts)
	}
}

func TestClientCallFailsWhenContextAlreadyCancelled(t *testing.T) {
	client, _, cleanup := wirePair(t, capability.NewFakeTunnelDriver(), capability.NewFakeRouteInstaller())
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.RemovePeer(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("RemovePeer with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestServerServeReturnsOnExpectedClose(t *testing.T) {
	reqServer, reqClient := net.Pipe()
	_, respServer := net.Pipe()
	server := NewServer(capability.NewFakeTunnelDriver(), capability.NewFakeRouteInstaller(), nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- server.Serve(context.Background(), reqServer, respServer) }()

	reqClient.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil on expected close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after requester closed")
	}
}
