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

// FreeOwner is the unowned sentinel for a slot's owner word.
const FreeOwner = uint64(0)

// Owner identifies the current holder of a slot's write lock.
// Zero value means the slot is unowned.
type Owner struct {
	PID        uint32
	Generation uint32
}

// Pack encodes the owner as a single CAS-able word.
func (o Owner) Pack() uint64 {
	return uint64(o.PID)<<32 | uint64(o.Generation)
}

// UnpackOwner decodes an owner word.
func UnpackOwner(w uint64) Owner {
	return Owner{PID: uint32(w >> 32), Generation: uint32(w)}
}

// IsZero reports whether the owner is the free sentinel.
func (o Owner) IsZero() bool {
	return o.PID == 0 && o.Generation == 0
}

// SlotControl is the 32-byte per-slot control word. The owner word is
// the spinlock: CAS from FreeOwner to a packed (pid, generation) value
// acquires, CAS back from the exact same value releases. All other
// fields are written only by the current owner, except readers, which
// concurrent readers adjust via atomic add.
type SlotControl struct {
	owner    uint64 // 0x00: pid<<32 | generation, 0 = free
	state    uint32 // 0x08: Free/Writing/Committed/Reading
	readers  uint32 // 0x0C: attached reader count
	checksum uint32 // 0x10: payload integrity code
	task     uint32 // 0x14: holder's task token (0 when free)
	activity uint64 // 0x18: last transition, unix nanos
}

// SlotControlAt interprets mapped memory at p as a slot control word.
func SlotControlAt(p unsafe.Pointer) *SlotControl {
	return (*SlotControl)(p)
}

// Owner returns the current owner word.
func (s *SlotControl) Owner() uint64 {
	return atomic.LoadUint64(&s.owner)
}

// TryAcquireOwner attempts the Free -> owned transition.
func (s *SlotControl) TryAcquireOwner(packed uint64) bool {
	return atomic.CompareAndSwapUint64(&s.owner, FreeOwner, packed)
}

// ReleaseOwner attempts the owned -> Free transition from the caller's
// exact owner value. A false return means someone else (recovery, or a
// generation change) already took the word.
func (s *SlotControl) ReleaseOwner(packed uint64) bool {
	return atomic.CompareAndSwapUint64(&s.owner, packed, FreeOwner)
}

// StealOwner unconditionally replaces the owner word. Recovery only,
// and only under the control lock with a confirmed-dead holder.
func (s *SlotControl) StealOwner(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&s.owner, old, new)
}

// State returns the slot state with acquire ordering, pairing with the
// release store in SetState so a Committed observation implies the
// payload and checksum writes that preceded it.
func (s *SlotControl) State() uint32 {
	return atomic.LoadUint32(&s.state)
}

// SetState stores the slot state with release ordering.
func (s *SlotControl) SetState(st uint32) {
	atomic.StoreUint32(&s.state, st)
}

// CasState attempts a state transition from old to new.
func (s *SlotControl) CasState(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&s.state, old, new)
}

// Readers returns the attached reader count.
func (s *SlotControl) Readers() uint32 {
	return atomic.LoadUint32(&s.readers)
}

// AddReader increments the reader count and returns the new value.
func (s *SlotControl) AddReader() uint32 {
	return atomic.AddUint32(&s.readers, 1)
}

// RemoveReader decrements the reader count and returns the new value.
// The caller must hold a reader reference.
func (s *SlotControl) RemoveReader() uint32 {
	return atomic.AddUint32(&s.readers, ^uint32(0))
}

// CasReaders attempts to change the reader count from old to new.
func (s *SlotControl) CasReaders(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&s.readers, old, new)
}

// SetReaders overwrites the reader count. Recovery/repair only.
func (s *SlotControl) SetReaders(n uint32) {
	atomic.StoreUint32(&s.readers, n)
}

// Checksum returns the stored payload integrity code.
func (s *SlotControl) Checksum() uint32 {
	return atomic.LoadUint32(&s.checksum)
}

// SetChecksum stores the payload integrity code.
func (s *SlotControl) SetChecksum(c uint32) {
	atomic.StoreUint32(&s.checksum, c)
}

// Task returns the holder's task token.
func (s *SlotControl) Task() uint32 {
	return atomic.LoadUint32(&s.task)
}

// SetTask stores the holder's task token.
func (s *SlotControl) SetTask(t uint32) {
	atomic.StoreUint32(&s.task, t)
}

// Activity returns the last transition timestamp in unix nanos.
func (s *SlotControl) Activity() uint64 {
	return atomic.LoadUint64(&s.activity)
}

// Touch records a transition timestamp.
func (s *SlotControl) Touch(ns uint64) {
	atomic.StoreUint64(&s.activity, ns)
}

// HeartbeatEntry is one 64-byte consumer roster slot. A non-zero pid
// with the used flag set marks a live registration. The name is a
// fixed-width, NUL-padded consumer identity.
type HeartbeatEntry struct {
	pid        uint32   // 0x00: consumer process ID
	used       uint32   // 0x04: 1 = entry in use
	idHash     uint64   // 0x08: hash of the consumer identity string
	lastPulse  uint64   // 0x10: last liveness pulse, unix nanos
	registered uint64   // 0x18: registration time, unix nanos
	name       [32]byte // 0x20: consumer identity, NUL padded
}

// HeartbeatEntryAt interprets mapped memory at p as a roster entry.
func HeartbeatEntryAt(p unsafe.Pointer) *HeartbeatEntry {
	return (*HeartbeatEntry)(p)
}

// PID returns the consumer process ID.
func (e *HeartbeatEntry) PID() uint32 {
	return atomic.LoadUint32(&e.pid)
}

// SetPID sets the consumer process ID.
func (e *HeartbeatEntry) SetPID(pid uint32) {
	atomic.StoreUint32(&e.pid, pid)
}

// Used reports whether the entry is in use.
func (e *HeartbeatEntry) Used() bool {
	return atomic.LoadUint32(&e.used) != 0
}

// TryClaim attempts to claim a free entry.
func (e *HeartbeatEntry) TryClaim() bool {
	return atomic.CompareAndSwapUint32(&e.used, 0, 1)
}

// Release marks the entry free.
func (e *HeartbeatEntry) Release() {
	atomic.StoreUint32(&e.used, 0)
}

// IDHash returns the identity hash.
func (e *HeartbeatEntry) IDHash() uint64 {
	return atomic.LoadUint64(&e.idHash)
}

// SetIDHash sets the identity hash.
func (e *HeartbeatEntry) SetIDHash(h uint64) {
	atomic.StoreUint64(&e.idHash, h)
}

// LastPulse returns the last pulse timestamp in unix nanos.
func (e *HeartbeatEntry) LastPulse() uint64 {
	return atomic.LoadUint64(&e.lastPulse)
}

// SetLastPulse records a liveness pulse.
func (e *HeartbeatEntry) SetLastPulse(ns uint64) {
	atomic.StoreUint64(&e.lastPulse, ns)
}

// Registered returns the registration timestamp in unix nanos.
func (e *HeartbeatEntry) Registered() uint64 {
	return atomic.LoadUint64(&e.registered)
}

// SetRegistered sets the registration timestamp.
func (e *HeartbeatEntry) SetRegistered(ns uint64) {
	atomic.StoreUint64(&e.registered, ns)
}

// Name returns the consumer identity, trimmed of NUL padding.
func (e *HeartbeatEntry) Name() string {
	n := e.name
	i := 0
	for i < len(n) && n[i] != 0 {
		i++
	}
	return string(n[:i])
}

// SetName stores the consumer identity, truncating to the fixed width.
func (e *HeartbeatEntry) SetName(name string) {
	var n [32]byte
	copy(n[:], name)
	e.name = n
}
