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

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub016/internal/layout"
)

// Slot lifecycle: Free -> Writing (exclusive) -> Committed -> Reading
// (Committed with readers > 0) -> Free once the ring advances past the
// slot and the reader count drains.
//
// The owner word is held only during Writing. Commit publishes the
// payload with a release-ordered state store and drops ownership, so
// a crashed producer is detectable as a Writing slot whose recorded
// owner is dead.

// Backoff tuning for the bounded spin on slot acquisition.
const (
	spinYieldThreshold = 64
	spinSleepFloor     = time.Microsecond
	spinSleepCeiling   = 100 * time.Microsecond
)

// WriteTicket is an exclusively held slot mid-write. It must be
// finished with exactly one Commit or Abort call.
type WriteTicket struct {
	seg   *Segment
	seq   uint64
	slot  uint32
	owner uint64
	done  bool
}

// ReadTicket is an attached reader reference on a committed slot. It
// must be released with exactly one End call.
type ReadTicket struct {
	seg  *Segment
	seq  uint64
	slot uint32
	done bool
}

// acquireOwner runs the bounded compare-and-swap loop on a slot's
// owner word. It never blocks in the kernel; past the spin threshold
// it yields, then sleeps in escalating slices until the deadline.
func acquireOwner(ctl *layout.SlotControl, packed uint64, deadline time.Time) error {
	sleep := spinSleepFloor
	for spins := 0; ; spins++ {
		if ctl.TryAcquireOwner(packed) {
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("slot owner word: %w", ErrTimeout)
		}
		if spins < spinYieldThreshold {
			runtime.Gosched()
			continue
		}
		time.Sleep(sleep)
		if sleep < spinSleepCeiling {
			sleep *= 2
		}
	}
}

// nowNanos is the activity timestamp source.
func nowNanos() uint64 {
	return uint64(time.Now().UnixNano())
}

// BeginWrite reserves the next ring position and acquires its slot for
// exclusive writing. Under lossless delivery a full ring whose oldest
// slot still has readers yields ErrRingFull after the deadline rather
// than overwriting; under latest-value delivery the oldest slot is
// forcibly reclaimed. task identifies the holder's thread or task slot
// in diagnostics.
func (s *Segment) BeginWrite(deadline time.Time, task uint32) (*WriteTicket, error) {
	sleep := spinSleepFloor
	for {
		t, err := s.tryBeginWrite(deadline, task)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrRingFull) {
			return nil, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, err
		}
		// Ring full with live readers: back off and retry until the
		// deadline. The control lock is not held while backing off.
		time.Sleep(sleep)
		if sleep < spinSleepCeiling {
			sleep *= 2
		}
	}
}

func (s *Segment) tryBeginWrite(deadline time.Time, task uint32) (*WriteTicket, error) {
	var seq uint64
	var slot uint32
	var packed uint64

	err := s.withControl(deadline, func(inherited bool) error {
		h := s.hdr
		n := uint64(s.geo.SlotCount)
		head := h.Head()
		tail := h.Tail()

		// Slots are retired only under pressure, so every committed
		// element stays readable until its space is needed.
		if head-tail == n {
			ctl := s.Control(uint32(tail % n))
			switch {
			case ctl.State() == layout.SlotCommitted && ctl.Readers() == 0:
				ctl.SetState(layout.SlotFree)
			case h.DeliveryLatest():
				// Latest-value delivery: seize the oldest slot even
				// with attached readers; they observe ErrMissed.
				ctl.SetReaders(0)
				ctl.SetState(layout.SlotFree)
			default:
				return ErrRingFull
			}
			ctl.Touch(nowNanos())
			tail++
			h.SetTail(tail)
		}

		seq = head
		slot = uint32(seq % n)
		ctl := s.Control(slot)

		packed = layout.Owner{
			PID:        uint32(os.Getpid()),
			Generation: h.NextGeneration(),
		}.Pack()

		// The head slot is normally unowned; a short retry budget here
		// keeps the control lock from being held against a zombie.
		budget := time.Now().Add(2 * time.Millisecond)
		if !deadline.IsZero() && deadline.Before(budget) {
			budget = deadline
		}
		if err := acquireOwner(ctl, packed, budget); err != nil {
			return fmt.Errorf("slot %d: %w: %w", slot, ErrSlotBusy, err)
		}
		if !ctl.CasState(layout.SlotFree, layout.SlotWriting) {
			st := ctl.State()
			ctl.ReleaseOwner(packed)
			return fmt.Errorf("slot %d in state %s at ring head: %w",
				slot, layout.SlotStateName(st), ErrBadState)
		}
		ctl.SetTask(task)
		ctl.Touch(nowNanos())
		h.SetHead(head + 1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &WriteTicket{seg: s, seq: seq, slot: slot, owner: packed}, nil
}

// Seq returns the ring sequence reserved by the ticket.
func (t *WriteTicket) Seq() uint64 { return t.seq }

// Slot returns the slot index held by the ticket.
func (t *WriteTicket) Slot() uint32 { return t.slot }

// Payload returns the writable payload bytes. Valid only until Commit
// or Abort.
func (t *WriteTicket) Payload() []byte {
	return t.seg.Payload(t.slot)
}

// UpdateChecksum recomputes and stores the payload checksum. Intended
// for the Manual policy; Enforced commits do this automatically.
func (t *WriteTicket) UpdateChecksum() {
	ctl := t.seg.Control(t.slot)
	ctl.SetChecksum(checksum.Sum(t.seg.Payload(t.slot)))
}

// Commit publishes the payload: checksum per policy, then a
// release-ordered Committed store, then ownership release. After a
// successful Commit the payload is fully visible to any reader that
// observes the Committed state.
func (t *WriteTicket) Commit() error {
	if t.done {
		return fmt.Errorf("write ticket already finished: %w", ErrBadState)
	}
	t.done = true

	ctl := t.seg.Control(t.slot)
	if t.seg.ChecksumPolicy() == checksum.Enforced {
		ctl.SetChecksum(checksum.Sum(t.seg.Payload(t.slot)))
	}
	ctl.Touch(nowNanos())

	if !ctl.CasState(layout.SlotWriting, layout.SlotCommitted) {
		// Recovery force-reset the slot while we held it.
		ctl.ReleaseOwner(t.owner)
		return fmt.Errorf("slot %d no longer Writing at commit: %w", t.slot, ErrNotOwner)
	}
	if !ctl.ReleaseOwner(t.owner) {
		return fmt.Errorf("slot %d: %w", t.slot, ErrNotOwner)
	}
	return nil
}

// Abort discards the partial payload and returns the slot to Free.
// The reserved sequence is rolled back; with a single producer the
// head cannot have moved past it.
func (t *WriteTicket) Abort() error {
	if t.done {
		return fmt.Errorf("write ticket already finished: %w", ErrBadState)
	}
	t.done = true

	ctl := t.seg.Control(t.slot)
	ctl.Touch(nowNanos())
	if !ctl.CasState(layout.SlotWriting, layout.SlotFree) {
		ctl.ReleaseOwner(t.owner)
		return fmt.Errorf("slot %d no longer Writing at abort: %w", t.slot, ErrNotOwner)
	}
	if !ctl.ReleaseOwner(t.owner) {
		return fmt.Errorf("slot %d: %w", t.slot, ErrNotOwner)
	}

	return t.seg.withControl(time.Time{}, func(bool) error {
		if t.seg.hdr.Head() == t.seq+1 {
			t.seg.hdr.SetHead(t.seq)
		}
		return nil
	})
}

// BeginRead attaches a reader to the committed element at seq. It
// retries until the deadline while the element is not yet committed
// (ErrRingEmpty on expiry); a sequence the ring has advanced past is
// ErrMissed. Under the Enforced policy the payload is verified before
// the ticket is returned, and a mismatch detaches and fails.
func (s *Segment) BeginRead(seq uint64, deadline time.Time) (*ReadTicket, error) {
	sleep := spinSleepFloor
	for {
		t, err := s.tryBeginRead(seq)
		if err == nil || !errors.Is(err, ErrRingEmpty) {
			return t, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, err
		}
		time.Sleep(sleep)
		if sleep < spinSleepCeiling {
			sleep *= 2
		}
	}
}

func (s *Segment) tryBeginRead(seq uint64) (*ReadTicket, error) {
	h := s.hdr
	n := uint64(s.geo.SlotCount)

	if seq < h.Tail() {
		return nil, fmt.Errorf("sequence %d behind tail %d: %w", seq, h.Tail(), ErrMissed)
	}
	if seq >= h.Head() {
		return nil, fmt.Errorf("sequence %d at head %d: %w", seq, h.Head(), ErrRingEmpty)
	}

	slot := uint32(seq % n)
	ctl := s.Control(slot)

	st := ctl.State()
	if st != layout.SlotCommitted && st != layout.SlotReading {
		if st == layout.SlotWriting {
			// Reserved but not yet committed.
			return nil, fmt.Errorf("sequence %d still being written: %w", seq, ErrRingEmpty)
		}
		return nil, fmt.Errorf("sequence %d in state %s: %w", seq, layout.SlotStateName(st), ErrMissed)
	}

	ctl.AddReader()

	// Re-validate after attaching: the ring may have advanced and
	// reclaimed the slot between the state load and the increment.
	if seq < h.Tail() || !readableState(ctl.State()) {
		s.dropReader(ctl)
		return nil, fmt.Errorf("sequence %d reclaimed during attach: %w", seq, ErrMissed)
	}

	ctl.CasState(layout.SlotCommitted, layout.SlotReading)

	if s.ChecksumPolicy() == checksum.Enforced {
		if err := checksum.Verify(s.Payload(slot), ctl.Checksum()); err != nil {
			s.dropReader(ctl)
			return nil, fmt.Errorf("slot %d seq %d: %w", slot, seq, err)
		}
	}

	return &ReadTicket{seg: s, seq: seq, slot: slot}, nil
}

func readableState(st uint32) bool {
	return st == layout.SlotCommitted || st == layout.SlotReading
}

// dropReader undoes a reader attachment, never driving the count below
// zero (a forced reclaim may have zeroed it already).
func (s *Segment) dropReader(ctl *layout.SlotControl) {
	for {
		r := ctl.Readers()
		if r == 0 {
			return
		}
		if ctl.CasReaders(r, r-1) {
			if r == 1 {
				ctl.CasState(layout.SlotReading, layout.SlotCommitted)
			}
			return
		}
	}
}

// Seq returns the sequence the ticket reads.
func (t *ReadTicket) Seq() uint64 { return t.seq }

// Slot returns the slot index the ticket reads.
func (t *ReadTicket) Slot() uint32 { return t.slot }

// Payload returns the read-only payload bytes. Valid only until End.
func (t *ReadTicket) Payload() []byte {
	return t.seg.Payload(t.slot)
}

// VerifyChecksum checks the payload against the stored checksum.
// Intended for the Manual policy.
func (t *ReadTicket) VerifyChecksum() error {
	ctl := t.seg.Control(t.slot)
	return checksum.Verify(t.seg.Payload(t.slot), ctl.Checksum())
}

// End detaches the reader reference.
func (t *ReadTicket) End() error {
	if t.done {
		return fmt.Errorf("read ticket already finished: %w", ErrBadState)
	}
	t.done = true
	t.seg.dropReader(t.seg.Control(t.slot))
	return nil
}

// Head returns the ring head (next sequence to be written).
func (s *Segment) Head() uint64 { return s.hdr.Head() }

// Tail returns the ring tail (oldest live sequence).
func (s *Segment) Tail() uint64 { return s.hdr.Tail() }

// LatestSeq returns the most recently committed sequence, or false if
// the ring holds no committed element.
func (s *Segment) LatestSeq() (uint64, bool) {
	head := s.hdr.Head()
	if head == s.hdr.Tail() || head == 0 {
		return 0, false
	}
	return head - 1, true
}
