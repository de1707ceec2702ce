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

// Package flexcodec frames flex-zone snapshots for storage in a
// segment's flex region: a 4-byte big-endian length prefix followed by
// a msgpack body. The same framing is used for diagnostic reports
// handed to external admin tools.
package flexcodec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FrameOverhead is the byte cost of framing on top of the body.
const FrameOverhead = 4

// ErrTooLarge reports a body that does not fit the destination region.
var ErrTooLarge = errors.New("flex snapshot exceeds zone capacity")

// ErrBadFrame reports a malformed stored frame.
var ErrBadFrame = errors.New("malformed flex frame")

// Marshal encodes v with msgpack.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// EncodeInto marshals v and writes a framed snapshot into dst.
// Returns the total frame length.
func EncodeInto(dst []byte, v any) (int, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("flex encode failed: %w", err)
	}
	total := FrameOverhead + len(body)
	if total > len(dst) {
		return 0, fmt.Errorf("%w: %d bytes into %d", ErrTooLarge, total, len(dst))
	}
	binary.BigEndian.PutUint32(dst[:4], uint32(len(body)))
	copy(dst[4:], body)
	return total, nil
}

// DecodeFrom reads a framed snapshot from src into v. frameLen is the
// published frame length; it bounds the read against stale region
// bytes beyond the current snapshot.
func DecodeFrom(src []byte, frameLen int, v any) error {
	if frameLen < FrameOverhead || frameLen > len(src) {
		return fmt.Errorf("%w: frame length %d, region %d", ErrBadFrame, frameLen, len(src))
	}
	bodyLen := int(binary.BigEndian.Uint32(src[:4]))
	if FrameOverhead+bodyLen != frameLen {
		return fmt.Errorf("%w: header says %d bytes, frame is %d", ErrBadFrame, bodyLen, frameLen)
	}
	if err := msgpack.Unmarshal(src[4:frameLen], v); err != nil {
		return fmt.Errorf("flex decode failed: %w", err)
	}
	return nil
}
