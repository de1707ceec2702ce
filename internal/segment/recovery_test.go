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

package segment

import (
	"errors"
	"testing"
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub016/internal/layout"
)

// abandonWrite simulates a writer that died between BeginWrite and
// Commit: the ticket is leaked and the recorded holder is declared
// dead through the injected liveness probe.
func abandonWrite(t *testing.T, seg *Segment) *WriteTicket {
	t.Helper()
	w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	seg.SetLiveness(func(uint32) bool { return false })
	return w
}

func TestDiagnoseStuckSlot(t *testing.T) {
	seg := createTestSegment(t, testOptions())
	w := abandonWrite(t, seg)

	in := seg.Inspect(nil)
	in.StuckThreshold = time.Nanosecond
	time.Sleep(time.Millisecond)

	d, err := in.Diagnose(w.Slot())
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if d.State != "writing" {
		t.Errorf("state = %s, want writing", d.State)
	}
	if d.OwnerPID == 0 || d.OwnerGen == 0 {
		t.Errorf("owner identity empty: %+v", d)
	}
	if d.HolderAlive {
		t.Error("dead holder reported alive")
	}
	if !d.Stuck {
		t.Error("abandoned slot not reported stuck")
	}
}

func TestDiagnoseHealthySlotNotStuck(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	defer w.Commit()

	in := seg.Inspect(nil)
	d, err := in.Diagnose(w.Slot())
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if d.Stuck {
		t.Error("live in-progress write reported stuck")
	}
	if !d.HolderAlive {
		t.Error("live holder reported dead")
	}
}

func TestReleaseZombieWriter(t *testing.T) {
	seg := createTestSegment(t, testOptions())
	w := abandonWrite(t, seg)

	in := seg.Inspect(nil)
	if err := in.ReleaseZombieWriter(w.Slot()); err != nil {
		t.Fatalf("ReleaseZombieWriter failed: %v", err)
	}

	ctl := seg.Control(w.Slot())
	if ctl.State() != layout.SlotFree {
		t.Fatalf("slot state = %s, want free", layout.SlotStateName(ctl.State()))
	}
	if ctl.Owner() != layout.FreeOwner {
		t.Fatal("owner word not cleared")
	}
	if seg.Head() != 0 {
		t.Fatalf("head = %d, want rollback to 0", seg.Head())
	}

	// A fresh writer can take the slot again.
	seg.SetLiveness(nil)
	w2, err := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("BeginWrite after recovery failed: %v", err)
	}
	if w2.Slot() != w.Slot() {
		t.Fatalf("recovered write got slot %d, want %d", w2.Slot(), w.Slot())
	}
	if err := w2.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestReleaseZombieWriterRefusesLiveHolder(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}

	in := seg.Inspect(nil)
	if err := in.ReleaseZombieWriter(w.Slot()); !errors.Is(err, ErrHolderAlive) {
		t.Fatalf("ReleaseZombieWriter on live holder = %v, want ErrHolderAlive", err)
	}

	// The live writer is untouched and can commit.
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit after refused recovery failed: %v", err)
	}
}

func TestReleaseZombieWriterNoopOnFreeSlot(t *testing.T) {
	seg := createTestSegment(t, testOptions())
	in := seg.Inspect(nil)
	if err := in.ReleaseZombieWriter(1); err != nil {
		t.Fatalf("ReleaseZombieWriter on free slot = %v, want nil", err)
	}
}

func TestForceResetRequiresForce(t *testing.T) {
	seg := createTestSegment(t, testOptions())
	in := seg.Inspect(nil)

	if err := in.ForceReset(0, false); !errors.Is(err, ErrForceRequired) {
		t.Fatalf("ForceReset without force = %v, want ErrForceRequired", err)
	}
}

func TestForceResetClearsSlot(t *testing.T) {
	seg := createTestSegment(t, testOptions())
	w := abandonWrite(t, seg)

	in := seg.Inspect(nil)
	if err := in.ForceReset(w.Slot(), true); err != nil {
		t.Fatalf("ForceReset failed: %v", err)
	}

	ctl := seg.Control(w.Slot())
	if ctl.State() != layout.SlotFree || ctl.Owner() != layout.FreeOwner || ctl.Readers() != 0 {
		t.Fatalf("slot not fully reset: state=%s owner=%d readers=%d",
			layout.SlotStateName(ctl.State()), ctl.Owner(), ctl.Readers())
	}
}

func TestReleaseZombieReaders(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	w, _ := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Two registered consumers attach; one stops pulsing.
	live, err := seg.Register("live", 1)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer live.Unregister()
	dead, err := seg.Register("dead", 2)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r1, err := seg.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	r2, err := seg.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	_ = r2 // leaked by the dead consumer

	time.Sleep(20 * time.Millisecond)
	live.Pulse()
	dead.Unregister() // dead consumer disappears from the roster

	in := seg.Inspect(nil)
	released, err := in.ReleaseZombieReaders(0, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ReleaseZombieReaders failed: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	ctl := seg.Control(0)
	if ctl.Readers() != 1 {
		t.Fatalf("readers = %d after release, want 1 (live reader kept)", ctl.Readers())
	}
	if ctl.State() != layout.SlotReading {
		t.Fatalf("state = %s, want reading while live reader attached",
			layout.SlotStateName(ctl.State()))
	}

	if err := r1.End(); err != nil {
		t.Fatalf("live reader End failed: %v", err)
	}
	if ctl.Readers() != 0 {
		t.Fatalf("readers = %d after live End, want 0", ctl.Readers())
	}
}

func TestCleanupDeadConsumers(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	stale, err := seg.Register("stale", 100)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_ = stale // never pulses again

	fresh, err := seg.Register("fresh", 200)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer fresh.Unregister()

	time.Sleep(20 * time.Millisecond)
	fresh.Pulse()

	in := seg.Inspect(nil)
	removed, err := in.CleanupDeadConsumers(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("CleanupDeadConsumers failed: %v", err)
	}
	if len(removed) != 1 || removed[0].Identity != "stale" {
		t.Fatalf("removed = %+v, want the stale consumer only", removed)
	}

	if seg.AliveAsOf("stale", time.Hour) {
		t.Error("stale consumer still on roster")
	}
	if !seg.AliveAsOf("fresh", time.Hour) {
		t.Error("fresh consumer swept away")
	}
}

func TestValidateCleanSegment(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	w, _ := seg.BeginWrite(deadlineIn(time.Second), 0)
	copy(w.Payload(), []byte("frame"))
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	report, err := seg.Inspect(nil).Validate(false)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("clean segment reported issues: %+v", report.Issues)
	}
	if report.SlotsChecked != 4 {
		t.Fatalf("slots checked = %d, want 4", report.SlotsChecked)
	}
}

func TestValidateReportsAndRepairs(t *testing.T) {
	opts := testOptions()
	opts.ChecksumPolicy = checksum.None
	seg := createTestSegment(t, opts)

	// Manufacture inconsistencies directly in the control words.
	seg.Control(1).SetState(layout.SlotReading) // Reading with zero readers
	seg.Control(2).SetReaders(3)                // readers on a Free slot

	report, err := seg.Inspect(nil).Validate(false)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if report.OK || len(report.Issues) != 2 {
		t.Fatalf("report = %+v, want 2 issues", report)
	}
	for _, issue := range report.Issues {
		if issue.Repaired {
			t.Fatalf("issue repaired without repair flag: %+v", issue)
		}
	}

	report, err = seg.Inspect(nil).Validate(true)
	if err != nil {
		t.Fatalf("Validate with repair failed: %v", err)
	}
	for _, issue := range report.Issues {
		if !issue.Repaired {
			t.Fatalf("issue not repaired under repair flag: %+v", issue)
		}
	}

	report, err = seg.Inspect(nil).Validate(false)
	if err != nil {
		t.Fatalf("Validate after repair failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("issues remain after repair: %+v", report.Issues)
	}
}

func TestValidateChecksumCorruption(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	w, _ := seg.BeginWrite(deadlineIn(time.Second), 0)
	copy(w.Payload(), []byte("to be corrupted"))
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	seg.Payload(0)[2] ^= 0xFF

	report, err := seg.Inspect(nil).Validate(false)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if report.OK {
		t.Fatal("checksum corruption not reported")
	}

	// Repair resets the corrupt slot to Free.
	if _, err := seg.Inspect(nil).Validate(true); err != nil {
		t.Fatalf("Validate with repair failed: %v", err)
	}
	if seg.Control(0).State() != layout.SlotFree {
		t.Fatal("corrupt slot not reset by repair")
	}
}

func TestDiagnoseAll(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	all, err := seg.Inspect(nil).DiagnoseAll()
	if err != nil {
		t.Fatalf("DiagnoseAll failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("diagnostics = %d entries, want 4", len(all))
	}
	for i, d := range all {
		if d.Index != uint32(i) || d.State != "free" {
			t.Fatalf("entry %d = %+v, want free slot", i, d)
		}
	}
}

func TestDiagnoseOutOfRange(t *testing.T) {
	seg := createTestSegment(t, testOptions())
	in := seg.Inspect(nil)
	if _, err := in.Diagnose(99); err == nil {
		t.Fatal("Diagnose of out-of-range slot should fail")
	}
	if err := in.ForceReset(99, true); err == nil {
		t.Fatal("ForceReset of out-of-range slot should fail")
	}
}
