// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle drives the start/end state machine for evacuation
// events: idle → drill → idle and idle → alarm → idle, never drill ↔
// alarm directly.
package lifecycle

import (
	"errors"
	"fmt"
)

// ErrPrecondition is the class of soft guard rejections: user-facing,
// recoverable, and guaranteed to leave state untouched. Match with
// errors.Is.
var ErrPrecondition = errors.New("precondition rejected")

var (
	// ErrOppositeActive rejects starting a mode while the other one runs.
	ErrOppositeActive = fmt.Errorf("%w: the opposite mode is already active", ErrPrecondition)

	// ErrAlreadyActive rejects starting a mode that is already running.
	ErrAlreadyActive = fmt.Errorf("%w: this mode is already active", ErrPrecondition)

	// ErrEmptyList rejects a start on an empty evacuation list when the
	// mode's configuration declares emptiness fatal.
	ErrEmptyList = fmt.Errorf("%w: evacuation list is empty", ErrPrecondition)

	// ErrNotActive rejects ending a mode that is not running.
	ErrNotActive = fmt.Errorf("%w: no evacuation of this mode is active", ErrPrecondition)

	// ErrInvalidMode rejects transition requests for anything but drill
	// or alarm.
	ErrInvalidMode = fmt.Errorf("%w: invalid mode", ErrPrecondition)
)
