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

package layout

import (
	"sync/atomic"
	"unsafe"
)

// Header is the segment control zone. Layout is fixed at 256 bytes;
// every field offset is part of the cross-process protocol.
//
// Mutable fields are mutated only while holding the control lock,
// except lockWord (the control lock itself), genCounter (atomic
// allocation) and flexLen (published with a release store after the
// flex payload is written).
type Header struct {
	magic         [8]byte              // 0x00: "PLHBSHM\0"
	version       uint32               // 0x08: protocol version
	flags         uint32               // 0x0C: checksum/delivery policy bits
	totalSize     uint64               // 0x10: total segment size
	slotCount     uint32               // 0x18: number of slots
	slotSize      uint32               // 0x1C: payload bytes per slot
	schemaHash    [SchemaHashSize]byte // 0x20: payload schema hash (set once)
	schemaVersion uint32               // 0x40: packed major/minor/patch
	schemaSet     uint32               // 0x44: 1 once schemaHash is published
	flexHash      [SchemaHashSize]byte // 0x48: flex-zone schema hash
	flexVersion   uint32               // 0x68: packed flex schema version
	flexSet       uint32               // 0x6C: 1 once flexHash is published
	flexOff       uint64               // 0x70: offset of flex zone (0 = none)
	flexSize      uint64               // 0x78: flex zone capacity in bytes
	flexLen       uint64               // 0x80: current flex snapshot length
	head          uint64               // 0x88: monotonic ring head (next write)
	tail          uint64               // 0x90: monotonic ring tail (oldest live)
	lockWord      uint32               // 0x98: control lock (owner pid, 0 = free)
	producerPID   uint32               // 0x9C: producer process ID
	genCounter    uint64               // 0xA0: segment-global generation counter
	consumerCap   uint32               // 0xA8: heartbeat roster capacity
	pad           uint32               // 0xAC: padding
	heartbeatOff  uint64               // 0xB0: offset of heartbeat table
	slotsOff      uint64               // 0xB8: offset of slot region
	createdAt     uint64               // 0xC0: creation time, unix nanos
	reserved      [56]byte             // 0xC8-0xFF: reserved/padding to 256B
}

// HeaderAt interprets the start of a mapped region as a Header.
func HeaderAt(base unsafe.Pointer) *Header {
	return (*Header)(base)
}

// Magic returns the magic bytes.
func (h *Header) Magic() [8]byte {
	return h.magic
}

// SetMagic sets the magic bytes. Creation only.
func (h *Header) SetMagic(magic [8]byte) {
	h.magic = magic
}

// Version returns the protocol version.
func (h *Header) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// SetVersion sets the protocol version.
func (h *Header) SetVersion(version uint32) {
	atomic.StoreUint32(&h.version, version)
}

// Flags returns the policy flag bits.
func (h *Header) Flags() uint32 {
	return atomic.LoadUint32(&h.flags)
}

// SetFlags sets the policy flag bits. Creation only.
func (h *Header) SetFlags(flags uint32) {
	atomic.StoreUint32(&h.flags, flags)
}

// ChecksumPolicy extracts the checksum policy bits from the flags.
func (h *Header) ChecksumPolicy() uint32 {
	return h.Flags() & FlagChecksumMask
}

// DeliveryLatest reports whether the segment uses latest-value delivery.
func (h *Header) DeliveryLatest() bool {
	return h.Flags()&FlagDeliveryLatest != 0
}

// TotalSize returns the total segment size.
func (h *Header) TotalSize() uint64 {
	return atomic.LoadUint64(&h.totalSize)
}

// SetTotalSize sets the total segment size.
func (h *Header) SetTotalSize(size uint64) {
	atomic.StoreUint64(&h.totalSize, size)
}

// SlotCount returns the number of slots.
func (h *Header) SlotCount() uint32 {
	return atomic.LoadUint32(&h.slotCount)
}

// SetSlotCount sets the number of slots.
func (h *Header) SetSlotCount(n uint32) {
	atomic.StoreUint32(&h.slotCount, n)
}

// SlotSize returns the payload bytes per slot.
func (h *Header) SlotSize() uint32 {
	return atomic.LoadUint32(&h.slotSize)
}

// SetSlotSize sets the payload bytes per slot.
func (h *Header) SetSlotSize(n uint32) {
	atomic.StoreUint32(&h.slotSize, n)
}

// SchemaHash returns the payload schema hash and whether it has been
// published yet. The flag is read with acquire semantics so a true
// result guarantees the hash bytes are visible.
func (h *Header) SchemaHash() ([SchemaHashSize]byte, bool) {
	if atomic.LoadUint32(&h.schemaSet) == 0 {
		return [SchemaHashSize]byte{}, false
	}
	return h.schemaHash, true
}

// SetSchemaHash publishes the payload schema hash. Set once, under the
// control lock; the flag store makes the bytes visible to readers.
func (h *Header) SetSchemaHash(hash [SchemaHashSize]byte) {
	h.schemaHash = hash
	atomic.StoreUint32(&h.schemaSet, 1)
}

// SchemaVersion returns the packed payload schema version.
func (h *Header) SchemaVersion() uint32 {
	return atomic.LoadUint32(&h.schemaVersion)
}

// SetSchemaVersion sets the packed payload schema version.
func (h *Header) SetSchemaVersion(v uint32) {
	atomic.StoreUint32(&h.schemaVersion, v)
}

// FlexSchemaHash returns the flex-zone schema hash and whether it has
// been published.
func (h *Header) FlexSchemaHash() ([SchemaHashSize]byte, bool) {
	if atomic.LoadUint32(&h.flexSet) == 0 {
		return [SchemaHashSize]byte{}, false
	}
	return h.flexHash, true
}

// SetFlexSchemaHash publishes the flex-zone schema hash.
func (h *Header) SetFlexSchemaHash(hash [SchemaHashSize]byte) {
	h.flexHash = hash
	atomic.StoreUint32(&h.flexSet, 1)
}

// FlexSchemaVersion returns the packed flex-zone schema version.
func (h *Header) FlexSchemaVersion() uint32 {
	return atomic.LoadUint32(&h.flexVersion)
}

// SetFlexSchemaVersion sets the packed flex-zone schema version.
func (h *Header) SetFlexSchemaVersion(v uint32) {
	atomic.StoreUint32(&h.flexVersion, v)
}

// FlexOffset returns the offset of the flex zone, 0 if absent.
func (h *Header) FlexOffset() uint64 {
	return atomic.LoadUint64(&h.flexOff)
}

// SetFlexOffset sets the offset of the flex zone.
func (h *Header) SetFlexOffset(off uint64) {
	atomic.StoreUint64(&h.flexOff, off)
}

// FlexSize returns the flex zone capacity.
func (h *Header) FlexSize() uint64 {
	return atomic.LoadUint64(&h.flexSize)
}

// SetFlexSize sets the flex zone capacity.
func (h *Header) SetFlexSize(n uint64) {
	atomic.StoreUint64(&h.flexSize, n)
}

// FlexLen returns the current flex snapshot length.
func (h *Header) FlexLen() uint64 {
	return atomic.LoadUint64(&h.flexLen)
}

// SetFlexLen publishes the current flex snapshot length.
func (h *Header) SetFlexLen(n uint64) {
	atomic.StoreUint64(&h.flexLen, n)
}

// Head returns the monotonic ring head (next sequence to write).
func (h *Header) Head() uint64 {
	return atomic.LoadUint64(&h.head)
}

// SetHead sets the ring head. Control lock required.
func (h *Header) SetHead(v uint64) {
	atomic.StoreUint64(&h.head, v)
}

// Tail returns the monotonic ring tail (oldest live sequence).
func (h *Header) Tail() uint64 {
	return atomic.LoadUint64(&h.tail)
}

// SetTail sets the ring tail. Control lock required.
func (h *Header) SetTail(v uint64) {
	atomic.StoreUint64(&h.tail, v)
}

// LockWord returns the control lock futex word.
func (h *Header) LockWord() *uint32 {
	return &h.lockWord
}

// NextGeneration allocates the next segment-global generation value.
// Generations start at 1; zero is reserved for the free sentinel.
func (h *Header) NextGeneration() uint32 {
	return uint32(atomic.AddUint64(&h.genCounter, 1))
}

// ProducerPID returns the producer process ID.
func (h *Header) ProducerPID() uint32 {
	return atomic.LoadUint32(&h.producerPID)
}

// SetProducerPID sets the producer process ID.
func (h *Header) SetProducerPID(pid uint32) {
	atomic.StoreUint32(&h.producerPID, pid)
}

// ConsumerCapacity returns the heartbeat roster capacity.
func (h *Header) ConsumerCapacity() uint32 {
	return atomic.LoadUint32(&h.consumerCap)
}

// SetConsumerCapacity sets the heartbeat roster capacity.
func (h *Header) SetConsumerCapacity(n uint32) {
	atomic.StoreUint32(&h.consumerCap, n)
}

// HeartbeatOffset returns the offset of the heartbeat table.
func (h *Header) HeartbeatOffset() uint64 {
	return atomic.LoadUint64(&h.heartbeatOff)
}

// SetHeartbeatOffset sets the offset of the heartbeat table.
func (h *Header) SetHeartbeatOffset(off uint64) {
	atomic.StoreUint64(&h.heartbeatOff, off)
}

// SlotsOffset returns the offset of the slot region.
func (h *Header) SlotsOffset() uint64 {
	return atomic.LoadUint64(&h.slotsOff)
}

// SetSlotsOffset sets the offset of the slot region.
func (h *Header) SetSlotsOffset(off uint64) {
	atomic.StoreUint64(&h.slotsOff, off)
}

// CreatedAt returns the creation timestamp in unix nanos.
func (h *Header) CreatedAt() uint64 {
	return atomic.LoadUint64(&h.createdAt)
}

// SetCreatedAt sets the creation timestamp.
func (h *Header) SetCreatedAt(ns uint64) {
	atomic.StoreUint64(&h.createdAt, ns)
}

// Geometry recomputes the byte layout recorded in the header.
func (h *Header) Geometry() (Geometry, error) {
	return Compute(h.SlotCount(), h.SlotSize(), h.ConsumerCapacity(), h.FlexSize())
}
