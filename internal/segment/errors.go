/*
 *
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
 *
 */

package segment

import "errors"

// Retryable conditions. Callers are expected to retry with backoff;
// the engine never retries on their behalf beyond its bounded spin.
var (
	// ErrTimeout reports that a lock or slot acquisition ran out its
	// caller-supplied deadline.
	ErrTimeout = errors.New("acquisition timed out")

	// ErrRingFull reports that every slot holds live data under
	// lossless delivery; the oldest slot still has attached readers.
	ErrRingFull = errors.New("ring full with outstanding readers")

	// ErrRingEmpty reports that no committed element at or beyond the
	// requested sequence exists yet.
	ErrRingEmpty = errors.New("no committed element available")

	// ErrSlotBusy reports transient contention on a slot's owner word.
	ErrSlotBusy = errors.New("slot owned by another holder")

	// ErrLockInherited reports that the control lock was acquired by
	// stealing it from a confirmed-dead holder. The caller owns the
	// lock but must treat header state as suspect.
	ErrLockInherited = errors.New("control lock inherited from dead holder")
)

// Structural conditions. Retrying cannot change the outcome.
var (
	// ErrNotOwner reports a release whose owner word no longer matches
	// the caller, because recovery reclaimed the slot or a generation
	// changed underneath it.
	ErrNotOwner = errors.New("slot owner word changed underneath holder")

	// ErrBadState reports a slot state transition that the state
	// machine does not permit.
	ErrBadState = errors.New("slot in wrong state for transition")

	// ErrMissed reports a read sequence the ring has already advanced
	// past; the element was reclaimed before the reader attached.
	ErrMissed = errors.New("sequence already reclaimed")

	// ErrRosterFull reports that the consumer heartbeat table has no
	// free entries.
	ErrRosterFull = errors.New("consumer roster full")

	// ErrNotRegistered reports an operation on a consumer identity
	// with no roster entry.
	ErrNotRegistered = errors.New("consumer not registered")

	// ErrHolderAlive guards destructive recovery: the recorded holder
	// process is still running, so the slot must not be seized.
	ErrHolderAlive = errors.New("recorded holder still alive")

	// ErrForceRequired guards destructive recovery actions that were
	// invoked without the explicit force flag.
	ErrForceRequired = errors.New("destructive action requires force")

	// ErrNoFlexZone reports flex-zone access on a segment created
	// without one.
	ErrNoFlexZone = errors.New("segment has no flex zone")
)
