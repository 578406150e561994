// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Gvpnctl is the control-socket client: a thin wrapper around
// internal/gnosisvpn/control.Client exposing status/connect/disconnect/
// refresh as one-shot (or, for status, streaming) CLI subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/control"
	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
	"github.com/gnosisvpn/gnosisvpn/lib/version"
)

// Exit codes (spec §6).
const (
	exitOK             = 0
	exitInvalidArgs    = 2
	exitSocketUnreach  = 3
	exitEngineBusy     = 4
	exitEngineFailed   = 5
)

const defaultSocketPath = "/var/run/gnosisvpn.sock"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	flags := pflag.NewFlagSet("gvpnctl", pflag.ContinueOnError)
	flags.SetOutput(stderr)

	socketPath := flags.StringP("socket-path", "s", "", "control socket path (default: $GNOSISVPN_SOCKET_PATH or "+defaultSocketPath+")")
	follow := flags.BoolP("follow", "f", false, "with status, stream updates until interrupted")
	showVersion := flags.BoolP("version", "V", false, "print version information and exit")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitInvalidArgs
	}

	if *showVersion {
		fmt.Fprintf(stdout, "gvpnctl %s\n", version.Info())
		return exitOK
	}

	positional := flags.Args()
	if len(positional) == 0 {
		fmt.Fprintln(stderr, "usage: gvpnctl [flags] status|connect <destination>|disconnect|refresh")
		return exitInvalidArgs
	}

	path := *socketPath
	if path == "" {
		path = os.Getenv("GNOSISVPN_SOCKET_PATH")
	}
	if path == "" {
		path = defaultSocketPath
	}
	client := control.Dial(path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd := positional[0]; cmd {
	case "status":
		if *follow {
			return runFollow(ctx, client, stdout, stderr)
		}
		return runStatus(ctx, client, stdout, stderr)
	case "connect":
		if len(positional) != 2 {
			fmt.Fprintln(stderr, "usage: gvpnctl connect <destination>")
			return exitInvalidArgs
		}
		return runMutator(stderr, func() error {
			return client.Connect(ctx, model.DestinationID(positional[1]))
		})
	case "disconnect":
		return runMutator(stderr, func() error { return client.Disconnect(ctx) })
	case "refresh":
		return runMutator(stderr, func() error { return client.Refresh(ctx) })
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		return exitInvalidArgs
	}
}

func runStatus(ctx context.Context, client *control.Client, stdout, stderr *os.File) int {
	status, err := client.Status(ctx)
	if err != nil {
		return reportError(stderr, err)
	}
	printStatus(stdout, status)
	return exitOK
}

func runFollow(ctx context.Context, client *control.Client, stdout, stderr *os.File) int {
	err := client.Follow(ctx, func(status *control.StatusPayload) bool {
		printStatus(stdout, status)
		return true
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return reportError(stderr, err)
	}
	return exitOK
}

func runMutator(stderr *os.File, fn func() error) int {
	if err := fn(); err != nil {
		return reportError(stderr, err)
	}
	return exitOK
}

func printStatus(stdout *os.File, status *control.StatusPayload) {
	fmt.Fprintf(stdout, "state: %s\n", status.State)
	fmt.Fprintf(stdout, "destinations:")
	for _, d := range status.Destinations {
		fmt.Fprintf(stdout, " %s", d)
	}
	fmt.Fprintln(stdout)
}

func reportError(stderr *os.File, err error) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	switch {
	case errors.Is(err, control.ErrBusy):
		return exitEngineBusy
	case isSocketUnreachable(err):
		return exitSocketUnreach
	default:
		return exitEngineFailed
	}
}

func isSocketUnreachable(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}
