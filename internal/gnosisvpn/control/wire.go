// Copyright 2026 The gnosisvpn Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the local control socket (spec §4.6,
// component C6): a length-prefixed, CBOR-encoded request/response protocol
// over a Unix domain socket, serializing Command values to the connection
// engine and streaming EngineState snapshots back.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gnosisvpn/gnosisvpn/internal/gnosisvpn/model"
	"github.com/gnosisvpn/gnosisvpn/lib/codec"
)

// maxFrameSize bounds a single frame to guard against a misbehaving peer
// claiming an absurd length prefix.
const maxFrameSize = 1 << 20 // 1 MiB

// RequestKind tags the variant held by Request.
type RequestKind int

const (
	RequestStatus RequestKind = iota
	RequestStatusFollow
	RequestConnect
	RequestDisconnect
	RequestRefresh
)

// Request is the CBOR payload sent by a control client.
type Request struct {
	Kind        RequestKind        `cbor:"kind"`
	Destination model.DestinationID `cbor:"destination,omitempty"`
}

// ResponseKind tags the variant held by Response.
type ResponseKind int

const (
	ResponseStatus ResponseKind = iota
	ResponseOK
	ResponseError
	ResponseBusy
)

// StatusPayload is the snapshot carried by a ResponseStatus frame: the
// current EngineState plus the configured destination list (spec §4.6).
type StatusPayload struct {
	State        model.EngineState    `cbor:"state"`
	Destinations []model.DestinationID `cbor:"destinations"`
}

// Response is the CBOR payload returned by the control server. Exactly one
// of the optional fields is populated based on Kind.
type Response struct {
	Kind   ResponseKind  `cbor:"kind"`
	Status *StatusPayload `cbor:"status,omitempty"`
	Error  string        `cbor:"error,omitempty"`
}

// ErrFrameTooLarge is returned by readFrame when a peer's length prefix
// exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("control: frame exceeds maximum size")

// writeFrame writes a 4-byte big-endian length prefix followed by payload
// (spec §4.6/§6: "4-byte big-endian length prefix followed by a self-
// describing payload").
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("control: writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("control: writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r.
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
		return nil, fmt.Errorf("control: reading frame body: %w", err)
	}
	return payload, nil
}

// writeRequest CBOR-encodes and frames req onto w.
func writeRequest(w io.Writer, req Request) error {
	payload, err := codec.Marshal(req)
	if err != nil {
		return fmt.Errorf("control: encoding request: %w", err)
	}
	return writeFrame(w, payload)
}

// readRequest reads and decodes one framed Request from r.
func readRequest(r io.Reader) (Request, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := codec.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("control: decoding request: %w", err)
	}
	return req, nil
}

// writeResponse CBOR-encodes and frames resp onto w.
func writeResponse(w io.Writer, resp Response) error {
	payload, err := codec.Marshal(resp)
	if err != nil {
		return fmt.Errorf("control: encoding response: %w", err)
	}
	return writeFrame(w, payload)
}

// readResponse reads and decodes one framed Response from r.
func readResponse(r io.Reader) (Response, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := codec.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("control: decoding response: %w", err)
	}
	return resp, nil
}
