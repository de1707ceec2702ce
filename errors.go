/*
 * Copyright 2025 pylabhub authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shmhub

import (
	"errors"

	"github.com/Qing-LAB/pylabhub-sub016/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub016/internal/segment"
)

// Engine errors fall into two categories. Retryable errors describe
// transient contention: the caller backs off and tries again. Fatal
// errors describe structural disagreement (layout, schema, state) that
// retrying cannot fix; the channel must be torn down or recovered.

// Retryable conditions, re-exported from the engine.
var (
	ErrTimeout       = segment.ErrTimeout
	ErrRingFull      = segment.ErrRingFull
	ErrRingEmpty     = segment.ErrRingEmpty
	ErrSlotBusy      = segment.ErrSlotBusy
	ErrLockInherited = segment.ErrLockInherited
)

// Structural conditions, re-exported from the engine.
var (
	ErrNotOwner         = segment.ErrNotOwner
	ErrBadState         = segment.ErrBadState
	ErrMissed           = segment.ErrMissed
	ErrRosterFull       = segment.ErrRosterFull
	ErrHolderAlive      = segment.ErrHolderAlive
	ErrForceRequired    = segment.ErrForceRequired
	ErrNoFlexZone       = segment.ErrNoFlexZone
	ErrChecksumMismatch = checksum.ErrMismatch
)

// Connect-time conditions.
var (
	// ErrSchemaMismatch reports that the attaching process's compiled
	// record type does not hash to the channel's recorded schema.
	ErrSchemaMismatch = errors.New("schema hash mismatch")

	// ErrVersionIncompatible reports a semantic version the channel's
	// producer does not serve.
	ErrVersionIncompatible = errors.New("schema version incompatible")

	// ErrClosed reports use of a producer or consumer after Close.
	ErrClosed = errors.New("channel endpoint closed")
)

// Retryable reports whether err describes transient contention that a
// backoff-and-retry loop can resolve.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRingFull) ||
		errors.Is(err, ErrRingEmpty) ||
		errors.Is(err, ErrSlotBusy) ||
		errors.Is(err, ErrLockInherited)
}

// Fatal reports whether err is a structural failure that retrying
// cannot resolve.
func Fatal(err error) bool {
	return err != nil && !Retryable(err)
}
