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

// Package checksum computes and verifies per-slot integrity codes
// under the channel's checksum policy.
package checksum

import (
	"errors"
	"fmt"
	"hash/crc32"
)

// Policy selects how slot checksums are maintained. The policy is
// fixed per channel at creation and is part of the negotiated
// contract, not a per-call option.
type Policy uint32

const (
	// None leaves the checksum field unused. Fastest path, no
	// corruption detection.
	None Policy = iota

	// Enforced computes and stores a checksum on every commit and
	// verifies it on every read; a mismatch rejects the read.
	Enforced

	// Manual leaves update and verification to explicit caller calls.
	// Omission is a caller bug, not a framework-detected error.
	Manual
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case None:
		return "none"
	case Enforced:
		return "enforced"
	case Manual:
		return "manual"
	default:
		return fmt.Sprintf("invalid(%d)", uint32(p))
	}
}

// Valid reports whether p is a defined policy.
func (p Policy) Valid() bool {
	return p == None || p == Enforced || p == Manual
}

// ErrMismatch reports a failed integrity verification. Structural
// error: the payload is corrupt and retrying cannot repair it.
var ErrMismatch = errors.New("checksum mismatch")

// Castagnoli polynomial; hardware-accelerated on amd64/arm64.
var table = crc32.MakeTable(crc32.Castagnoli)

// Sum computes the integrity code over a payload.
func Sum(payload []byte) uint32 {
	return crc32.Checksum(payload, table)
}

// Verify checks stored against the payload's computed code.
func Verify(payload []byte, stored uint32) error {
	if got := Sum(payload); got != stored {
		return fmt.Errorf("%w: stored 0x%08x, computed 0x%08x", ErrMismatch, stored, got)
	}
	return nil
}
