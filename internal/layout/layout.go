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

// Package layout defines the binary layout of a data-exchange segment:
// a fixed control-zone header, a consumer heartbeat table, an optional
// flex-zone region, and N fixed-size payload slots each fronted by a
// 32-byte control word. The layout is byte-stable across processes;
// any structural change requires a SegmentVersion bump.
package layout

import (
	"fmt"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	SegmentMagic = "PLHBSHM\x00"

	// Current protocol version
	SegmentVersion = uint32(1)

	// Segment header size (aligned to 256 bytes)
	SegmentHeaderSize = 256

	// Per-slot control word size (half a cache line, keeps two words
	// from ever straddling a line boundary)
	SlotControlSize = 32

	// Heartbeat table entry size (one cache line per consumer)
	HeartbeatEntrySize = 64

	// Limits on slot geometry
	MinSlotCount = 2
	MaxSlotCount = 1 << 20
	MinSlotSize  = 8
	MaxSlotSize  = 256 * 1024 * 1024

	// Default consumer roster capacity
	DefaultConsumerCapacity = 64

	// SchemaHashSize is the byte length of a schema content hash.
	SchemaHashSize = 32
)

// Header flag bits. Checksum policy occupies bits 0-1, delivery policy
// bit 2. The remaining bits are reserved and must be zero.
const (
	FlagChecksumNone     = uint32(0)
	FlagChecksumEnforced = uint32(1)
	FlagChecksumManual   = uint32(2)
	FlagChecksumMask     = uint32(3)

	FlagDeliveryLatest = uint32(1 << 2)

	FlagKnownMask = FlagChecksumMask | FlagDeliveryLatest
)

// Slot states. Stored in the slot control word's state field.
const (
	SlotFree      = uint32(0)
	SlotWriting   = uint32(1)
	SlotCommitted = uint32(2)
	SlotReading   = uint32(3)
)

// SlotStateName returns a printable name for a slot state value.
func SlotStateName(s uint32) string {
	switch s {
	case SlotFree:
		return "free"
	case SlotWriting:
		return "writing"
	case SlotCommitted:
		return "committed"
	case SlotReading:
		return "reading"
	default:
		return fmt.Sprintf("invalid(%d)", s)
	}
}

// Geometry describes the computed byte layout of a segment.
type Geometry struct {
	SlotCount        uint32
	SlotSize         uint32
	ConsumerCapacity uint32
	FlexSize         uint64

	HeartbeatOffset uint64 // start of the heartbeat table
	FlexOffset      uint64 // start of the flex zone (0 if FlexSize == 0)
	SlotsOffset     uint64 // start of the slot region
	SlotStride      uint64 // control word + payload, 64-byte aligned
	TotalSize       uint64
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// Compute calculates the layout for the given geometry inputs.
func Compute(slotCount, slotSize, consumerCap uint32, flexSize uint64) (Geometry, error) {
	var g Geometry

	if slotCount < MinSlotCount || slotCount > MaxSlotCount {
		return g, fmt.Errorf("slot count %d outside [%d, %d]", slotCount, MinSlotCount, MaxSlotCount)
	}
	if slotSize < MinSlotSize || slotSize > MaxSlotSize {
		return g, fmt.Errorf("slot size %d outside [%d, %d]", slotSize, MinSlotSize, MaxSlotSize)
	}
	if consumerCap == 0 {
		consumerCap = DefaultConsumerCapacity
	}

	g.SlotCount = slotCount
	g.SlotSize = slotSize
	g.ConsumerCapacity = consumerCap
	g.FlexSize = flexSize

	g.HeartbeatOffset = alignTo64(SegmentHeaderSize)
	end := g.HeartbeatOffset + uint64(consumerCap)*HeartbeatEntrySize

	if flexSize > 0 {
		g.FlexOffset = alignTo64(end)
		end = g.FlexOffset + flexSize
	}

	g.SlotsOffset = alignTo64(end)
	g.SlotStride = alignTo64(SlotControlSize + uint64(slotSize))
	g.TotalSize = g.SlotsOffset + g.SlotStride*uint64(slotCount)

	return g, nil
}

// SlotControlOffset returns the byte offset of slot i's control word.
func (g *Geometry) SlotControlOffset(i uint32) uint64 {
	return g.SlotsOffset + g.SlotStride*uint64(i)
}

// SlotPayloadOffset returns the byte offset of slot i's payload area.
func (g *Geometry) SlotPayloadOffset(i uint32) uint64 {
	return g.SlotControlOffset(i) + SlotControlSize
}

// HeartbeatEntryOffset returns the byte offset of roster entry i.
func (g *Geometry) HeartbeatEntryOffset(i uint32) uint64 {
	return g.HeartbeatOffset + uint64(i)*HeartbeatEntrySize
}

// MagicBytes returns the magic value as a byte array.
func MagicBytes() [8]byte {
	var m [8]byte
	copy(m[:], SegmentMagic)
	return m
}

// ValidateHeader validates a segment header for structural consistency
// against a freshly computed layout. It checks only the immutable
// fields; ring indices and lock words are runtime state.
func ValidateHeader(h *Header, mappedSize uint64) error {
	if h.Magic() != MagicBytes() {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), SegmentVersion)
	}
	if h.Flags()&^FlagKnownMask != 0 {
		return fmt.Errorf("unknown flag bits 0x%x", h.Flags()&^FlagKnownMask)
	}

	g, err := Compute(h.SlotCount(), h.SlotSize(), h.ConsumerCapacity(), h.FlexSize())
	if err != nil {
		return fmt.Errorf("layout recomputation failed: %w", err)
	}

	if h.TotalSize() != g.TotalSize {
		return fmt.Errorf("total size mismatch: got %d, expected %d", h.TotalSize(), g.TotalSize)
	}
	if mappedSize < g.TotalSize {
		return fmt.Errorf("mapping too small: %d bytes for %d-byte layout", mappedSize, g.TotalSize)
	}
	if h.HeartbeatOffset() != g.HeartbeatOffset {
		return fmt.Errorf("heartbeat offset mismatch: got %d, expected %d", h.HeartbeatOffset(), g.HeartbeatOffset)
	}
	if h.FlexOffset() != g.FlexOffset {
		return fmt.Errorf("flex offset mismatch: got %d, expected %d", h.FlexOffset(), g.FlexOffset)
	}
	if h.SlotsOffset() != g.SlotsOffset {
		return fmt.Errorf("slot region offset mismatch: got %d, expected %d", h.SlotsOffset(), g.SlotsOffset)
	}

	head := h.Head()
	tail := h.Tail()
	if head < tail {
		return fmt.Errorf("ring indices inverted: head %d < tail %d", head, tail)
	}
	if head-tail > uint64(h.SlotCount()) {
		return fmt.Errorf("ring span %d exceeds slot count %d", head-tail, h.SlotCount())
	}

	return nil
}
