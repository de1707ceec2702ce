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
	"fmt"
	"log/slog"
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub016/internal/layout"
)

// DefaultStuckThreshold is the inactivity window after which a held
// slot with a dead holder is reported stuck.
const DefaultStuckThreshold = 5 * time.Second

// Inspector is the recovery and diagnostics surface over a segment.
// Recovery actions seize slots without the normal spinlock protocol;
// they may do so only under the control lock and, except for
// ForceReset, only against a confirmed-dead holder.
type Inspector struct {
	seg            *Segment
	log            *slog.Logger
	StuckThreshold time.Duration
}

// Inspect returns an Inspector over the segment. A nil logger uses
// slog.Default.
func (s *Segment) Inspect(log *slog.Logger) *Inspector {
	if log == nil {
		log = slog.Default()
	}
	return &Inspector{seg: s, log: log, StuckThreshold: DefaultStuckThreshold}
}

// SlotDiagnostic reports one slot's observable state.
type SlotDiagnostic struct {
	Index        uint32    `msgpack:"index"`
	State        string    `msgpack:"state"`
	OwnerPID     uint32    `msgpack:"owner_pid"`
	OwnerGen     uint32    `msgpack:"owner_gen"`
	Task         uint32    `msgpack:"task"`
	Readers      uint32    `msgpack:"readers"`
	Checksum     uint32    `msgpack:"checksum"`
	LastActivity time.Time `msgpack:"last_activity"`
	HolderAlive  bool      `msgpack:"holder_alive"`
	Stuck        bool      `msgpack:"stuck"`
}

// Diagnose reports the state of one slot. A slot is stuck when its
// holder identity is non-zero, its last activity is older than the
// threshold, and the recorded holder process is no longer alive. The
// liveness probe is an OS-level check, not the heartbeat table: the
// heartbeat covers readers, not a crashed writer.
func (in *Inspector) Diagnose(slot uint32) (SlotDiagnostic, error) {
	s := in.seg
	if slot >= s.geo.SlotCount {
		return SlotDiagnostic{}, fmt.Errorf("slot %d out of range [0, %d)", slot, s.geo.SlotCount)
	}

	ctl := s.Control(slot)
	owner := layout.UnpackOwner(ctl.Owner())
	activity := time.Unix(0, int64(ctl.Activity()))

	d := SlotDiagnostic{
		Index:        slot,
		State:        layout.SlotStateName(ctl.State()),
		OwnerPID:     owner.PID,
		OwnerGen:     owner.Generation,
		Task:         ctl.Task(),
		Readers:      ctl.Readers(),
		Checksum:     ctl.Checksum(),
		LastActivity: activity,
	}

	if !owner.IsZero() {
		d.HolderAlive = s.alive(owner.PID)
		d.Stuck = !d.HolderAlive && time.Since(activity) > in.StuckThreshold
	}
	return d, nil
}

// DiagnoseAll reports every slot.
func (in *Inspector) DiagnoseAll() ([]SlotDiagnostic, error) {
	out := make([]SlotDiagnostic, 0, in.seg.geo.SlotCount)
	for i := uint32(0); i < in.seg.geo.SlotCount; i++ {
		d, err := in.Diagnose(i)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ForceReset unconditionally returns a slot to Free, discarding its
// contents. Destructive: requires the force flag, and is meant for
// slots whose dead holder left an unrecoverable payload.
func (in *Inspector) ForceReset(slot uint32, force bool) error {
	if !force {
		return fmt.Errorf("force_reset of slot %d: %w", slot, ErrForceRequired)
	}
	s := in.seg
	if slot >= s.geo.SlotCount {
		return fmt.Errorf("slot %d out of range [0, %d)", slot, s.geo.SlotCount)
	}

	return s.withControl(time.Time{}, func(bool) error {
		ctl := s.Control(slot)
		old := ctl.Owner()
		if old != layout.FreeOwner {
			ctl.StealOwner(old, layout.FreeOwner)
		}
		ctl.SetReaders(0)
		ctl.SetState(layout.SlotFree)
		ctl.Touch(nowNanos())

		in.rollbackHeadIfReserved(slot)

		in.log.Warn("slot force-reset",
			"segment", s.name, "slot", slot,
			"prev_owner", layout.UnpackOwner(old).PID)
		return nil
	})
}

// ReleaseZombieWriter reclaims a slot's write lock only if the
// recorded holder process is confirmed dead. A live holder is an
// error; an unowned slot is a no-op.
func (in *Inspector) ReleaseZombieWriter(slot uint32) error {
	s := in.seg
	if slot >= s.geo.SlotCount {
		return fmt.Errorf("slot %d out of range [0, %d)", slot, s.geo.SlotCount)
	}

	return s.withControl(time.Time{}, func(bool) error {
		ctl := s.Control(slot)
		old := ctl.Owner()
		if old == layout.FreeOwner {
			return nil
		}
		owner := layout.UnpackOwner(old)
		if s.alive(owner.PID) {
			return fmt.Errorf("slot %d held by pid %d: %w", slot, owner.PID, ErrHolderAlive)
		}
		if !ctl.StealOwner(old, layout.FreeOwner) {
			// Owner changed while we looked; nothing to reclaim.
			return nil
		}
		if ctl.State() == layout.SlotWriting {
			ctl.SetState(layout.SlotFree)
			in.rollbackHeadIfReserved(slot)
		}
		ctl.Touch(nowNanos())

		in.log.Warn("zombie writer released",
			"segment", s.name, "slot", slot,
			"dead_pid", owner.PID, "generation", owner.Generation)
		return nil
	})
}

// rollbackHeadIfReserved undoes a head reservation left by a writer
// that died between BeginWrite and Commit, so the ring does not carry
// a permanently uncommitted sequence. Control lock required.
func (in *Inspector) rollbackHeadIfReserved(slot uint32) {
	h := in.seg.hdr
	n := uint64(in.seg.geo.SlotCount)
	head := h.Head()
	if head > h.Tail() && uint32((head-1)%n) == slot {
		ctl := in.seg.Control(slot)
		if ctl.State() == layout.SlotFree {
			h.SetHead(head - 1)
		}
	}
}

// ReleaseZombieReaders drops reader references held by consumers whose
// heartbeat has expired, without touching a live writer. The reader
// count is clamped to the number of live registered consumers; it
// never goes below zero and a live reader's reference survives.
func (in *Inspector) ReleaseZombieReaders(slot uint32, threshold time.Duration) (released uint32, err error) {
	s := in.seg
	if slot >= s.geo.SlotCount {
		return 0, fmt.Errorf("slot %d out of range [0, %d)", slot, s.geo.SlotCount)
	}

	err = s.withControl(time.Time{}, func(bool) error {
		liveConsumers := uint32(0)
		cutoff := nowNanos() - uint64(threshold.Nanoseconds())
		for i := uint32(0); i < s.geo.ConsumerCapacity; i++ {
			e := s.heartbeatEntry(i)
			if e.Used() && e.LastPulse() >= cutoff {
				liveConsumers++
			}
		}

		ctl := s.Control(slot)
		for {
			r := ctl.Readers()
			if r <= liveConsumers {
				return nil
			}
			if ctl.CasReaders(r, liveConsumers) {
				released = r - liveConsumers
				if liveConsumers == 0 {
					ctl.CasState(layout.SlotReading, layout.SlotCommitted)
				}
				in.log.Warn("zombie readers released",
					"segment", s.name, "slot", slot, "released", released)
				return nil
			}
		}
	})
	return released, err
}

// CleanupDeadConsumers sweeps the heartbeat table, removing entries
// whose last pulse is older than threshold. A consumer mid-read pulses
// implicitly on every successful read, so a live reader is never
// removed. Returns the removed entries.
func (in *Inspector) CleanupDeadConsumers(threshold time.Duration) ([]ConsumerInfo, error) {
	s := in.seg
	var removed []ConsumerInfo

	err := s.withControl(time.Time{}, func(bool) error {
		cutoff := nowNanos() - uint64(threshold.Nanoseconds())
		for i := uint32(0); i < s.geo.ConsumerCapacity; i++ {
			e := s.heartbeatEntry(i)
			if !e.Used() || e.LastPulse() >= cutoff {
				continue
			}
			info := ConsumerInfo{
				Index:      i,
				Identity:   e.Name(),
				PID:        e.PID(),
				LastPulse:  time.Unix(0, int64(e.LastPulse())),
				Registered: time.Unix(0, int64(e.Registered())),
			}
			e.SetPID(0)
			e.SetIDHash(0)
			e.Release()
			removed = append(removed, info)

			in.log.Info("dead consumer removed",
				"segment", s.name, "identity", info.Identity, "pid", info.PID)
		}
		return nil
	})
	return removed, err
}

// ValidationIssue is one problem found by Validate.
type ValidationIssue struct {
	Slot     int32  `msgpack:"slot"` // -1 for header-level issues
	Problem  string `msgpack:"problem"`
	Repaired bool   `msgpack:"repaired"`
}

// ValidationReport summarizes an integrity walk.
type ValidationReport struct {
	SlotsChecked uint32            `msgpack:"slots_checked"`
	Issues       []ValidationIssue `msgpack:"issues"`
	OK           bool              `msgpack:"ok"`
}

// Validate walks the header and every slot, checking layout, checksum
// policy and state-machine consistency. With repair set it clamps
// corrupt counters and resets unrecoverable slots; otherwise it only
// reports. Results are meaningful on a quiesced segment; on a live one
// transient states may be reported.
func (in *Inspector) Validate(repair bool) (ValidationReport, error) {
	s := in.seg
	report := ValidationReport{}

	err := s.withControl(time.Time{}, func(bool) error {
		if err := layout.ValidateHeader(s.hdr, uint64(len(s.mem))); err != nil {
			report.Issues = append(report.Issues, ValidationIssue{
				Slot: -1, Problem: fmt.Sprintf("header: %v", err),
			})
		}

		enforced := s.ChecksumPolicy() == checksum.Enforced

		for i := uint32(0); i < s.geo.SlotCount; i++ {
			report.SlotsChecked++
			ctl := s.Control(i)
			st := ctl.State()
			owner := layout.UnpackOwner(ctl.Owner())
			readers := ctl.Readers()

			flag := func(problem string, fix func()) {
				issue := ValidationIssue{Slot: int32(i), Problem: problem}
				if repair && fix != nil {
					fix()
					issue.Repaired = true
				}
				report.Issues = append(report.Issues, issue)
			}

			switch st {
			case layout.SlotFree, layout.SlotWriting, layout.SlotCommitted, layout.SlotReading:
			default:
				flag(fmt.Sprintf("invalid state %d", st), func() {
					in.resetSlot(ctl, i)
				})
				continue
			}

			if st == layout.SlotWriting && owner.IsZero() {
				flag("Writing with no recorded owner", func() {
					in.resetSlot(ctl, i)
				})
			}
			if st != layout.SlotWriting && !owner.IsZero() {
				flag(fmt.Sprintf("state %s with owner pid %d",
					layout.SlotStateName(st), owner.PID), func() {
					ctl.StealOwner(owner.Pack(), layout.FreeOwner)
				})
			}
			if st == layout.SlotReading && readers == 0 {
				flag("Reading with zero readers", func() {
					ctl.CasState(layout.SlotReading, layout.SlotCommitted)
				})
			}
			if readers > 0 && st != layout.SlotReading && st != layout.SlotCommitted {
				flag(fmt.Sprintf("%d readers on %s slot", readers,
					layout.SlotStateName(st)), func() {
					ctl.SetReaders(0)
				})
			}
			if readers > s.geo.ConsumerCapacity {
				flag(fmt.Sprintf("reader count %d exceeds roster capacity %d",
					readers, s.geo.ConsumerCapacity), func() {
					ctl.SetReaders(s.geo.ConsumerCapacity)
				})
			}
			if enforced && st == layout.SlotCommitted && readers == 0 {
				if err := checksum.Verify(s.Payload(i), ctl.Checksum()); err != nil {
					flag(fmt.Sprintf("checksum: %v", err), func() {
						in.resetSlot(ctl, i)
					})
				}
			}
		}
		return nil
	})

	report.OK = len(report.Issues) == 0
	if !report.OK {
		in.log.Warn("segment validation found issues",
			"segment", s.name, "issues", len(report.Issues), "repair", repair)
	}
	return report, err
}

// resetSlot returns a slot to Free during repair. Control lock held by
// the caller.
func (in *Inspector) resetSlot(ctl *layout.SlotControl, slot uint32) {
	old := ctl.Owner()
	if old != layout.FreeOwner {
		ctl.StealOwner(old, layout.FreeOwner)
	}
	ctl.SetReaders(0)
	ctl.SetState(layout.SlotFree)
	ctl.Touch(nowNanos())
	in.rollbackHeadIfReserved(slot)
}
