// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api implements the client for the authoritative evacuation
// backend: full-snapshot fetches for shared collections and the mutation
// operations that change them.
//
// Responses are ground truth. A mutation's response payload doubles as an
// immediate local snapshot so the caller can apply it optimistically ahead
// of the next push delivery.
package api

import "errors"

// Sentinel errors for backend operations. Callers classify with errors.Is.
var (
	// ErrNetwork wraps transport-level failures. Transient; the caller
	// may retry or surface a generic retryable notice.
	ErrNetwork = errors.New("network failure")

	// ErrAuthExpired is returned when the backend reports the session
	// token expired. Fatal to the session: the owner must tear down all
	// subscriptions and stores.
	ErrAuthExpired = errors.New("auth token expired")

	// ErrBackendRejected is returned for a non-ok mutation result other
	// than token expiry. The error message carries the backend code.
	ErrBackendRejected = errors.New("backend rejected operation")

	// ErrInvalidInput is returned before any request is issued when the
	// caller's arguments cannot form a valid request.
	ErrInvalidInput = errors.New("invalid input")
)

// errorCodeTokenExpired is the backend's wire code for an expired token.
const errorCodeTokenExpired = "token_expired"
