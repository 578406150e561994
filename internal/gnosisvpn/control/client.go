// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"net"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
)

// ErrBusy is returned by a mutating Client call when the server reports a
// command already in flight (spec §4.6 single-mutator-at-a-time semantics).
var ErrBusy = fmt.Errorf("control: a command is already in progress")

// Client is a thin dialer for the control socket, used by gvpnctl and by
// tests exercising a real Server.
type Client struct {
	socketPath string
}

// Dial returns a Client bound to socketPath. No connection is made until a
// request is issued; each call opens and closes its own connection, except
// Follow which holds the connection open for the duration of the callback.
func Dial(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: dialing %s: %w", c.socketPath, err)
	}
	return conn, nil
}

// Status returns a single status snapshot.
func (c *Client) Status(ctx context.Context) (*StatusPayload, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return c.roundTrip(conn, Request{Kind: RequestStatus})
}

// Connect requests the engine connect to dest.
func (c *Client) Connect(ctx context.Context, dest model.DestinationID) error {
	return c.mutate(ctx, Request{Kind: RequestConnect, Destination: dest})
}

// Disconnect requests the engine disconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.mutate(ctx, Request{Kind: RequestDisconnect})
}

// Refresh requests the daemon reload its destination configuration from the
// config file. The identity is not reloaded.
func (c *Client) Refresh(ctx context.Context) error {
	return c.mutate(ctx, Request{Kind: RequestRefresh})
}

func (c *Client) mutate(ctx context.Context, req Request) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := writeRequest(conn, req); err != nil {
		return err
	}
	resp, err := readResponse(conn)
	if err != nil {
		return fmt.Errorf("control: reading response: %w", err)
	}
	switch resp.Kind {
	case ResponseOK:
		return nil
	case ResponseBusy:
		return ErrBusy
	case ResponseError:
		return fmt.Errorf("control: server error: %s", resp.Error)
	default:
		return fmt.Errorf("control: unexpected response kind %d", resp.Kind)
	}
}

func (c *Client) roundTrip(conn net.Conn, req Request) (*StatusPayload, error) {
	if err := writeRequest(conn, req); err != nil {
		return nil, err
	}
	resp, err := readResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("control: reading response: %w", err)
	}
	switch resp.Kind {
	case ResponseStatus:
		return resp.Status, nil
	case ResponseBusy:
		return nil, ErrBusy
	case ResponseError:
		return nil, fmt.Errorf("control: server error: %s", resp.Error)
	default:
		return nil, fmt.Errorf("control: unexpected response kind %d", resp.Kind)
	}
}

// Follow opens a streaming status connection: it delivers an immediate
// snapshot followed by one update per StatusChanged event, invoking fn for
// each, until fn returns false, ctx is cancelled, or the server closes the
// connection.
func (c *Client) Follow(ctx context.Context, fn func(*StatusPayload) bool) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := writeRequest(conn, Request{Kind: RequestStatusFollow}); err != nil {
		return err
	}

	for {
		resp, err := readResponse(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("control: reading follow response: %w", err)
		}
		switch resp.Kind {
		case ResponseStatus:
			if !fn(resp.Status) {
				return nil
			}
		case ResponseError:
			return fmt.Errorf("control: server error: %s", resp.Error)
		default:
			return fmt.Errorf("control: unexpected response kind %d in follow stream", resp.Kind)
		}
	}
}
