// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"errors"
	"fmt"
)

// Fatal protocol errors, delivered through Handlers.OnError.
var (
	// ErrAuthFailed means the server rejected the bearer token (close 4001
	// or HTTP 401 on the handshake). The session will not reconnect.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAccessDenied means the user may not join the group (close 4003
	// or HTTP 403 on the handshake). The session will not reconnect.
	ErrAccessDenied = errors.New("access denied")

	// ErrSessionEnded means the group session was completed (close 4004).
	ErrSessionEnded = errors.New("group session ended")

	// ErrReconnectExhausted means the reconnect attempt cap was reached.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Delivery errors, returned from Send and Notify.
var (
	// ErrAckTimeout means no acknowledgement arrived within AckTimeout.
	// The message is not retried.
	ErrAckTimeout = errors.New("acknowledgement timed out")

	// ErrCancelled means the pending message was abandoned by Disconnect or
	// by the caller's context.
	ErrCancelled = errors.New("cancelled")

	// ErrNotConnected is returned when writing while not connected.
	ErrNotConnected = errors.New("session not connected")

	// ErrWrongDelivery is returned by Send for fire-and-forget types and by
	// Notify for types that require an acknowledgement.
	ErrWrongDelivery = errors.New("wrong delivery mode for message type")
)

// ServerError is a rejection sent by the server for one of our messages.
type ServerError struct {
	Code     string
	Message  string
	ClientID string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected %s: %s: %s", e.ClientID, e.Code, e.Message)
}

// HandshakeError is a WebSocket upgrade refused with an HTTP status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
