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
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub016/internal/layout"
)

func deadlineIn(d time.Duration) time.Time {
	return time.Now().Add(d)
}

func TestWriteReadRoundTrip(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	payload := []byte("instrument frame: value=42 seq=1")

	w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	copy(w.Payload(), payload)
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	r, err := seg.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	if !bytes.Equal(r.Payload()[:len(payload)], payload) {
		t.Fatalf("payload mismatch: got %q", r.Payload()[:len(payload)])
	}
	if err := r.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	seg := createTestSegment(t, testOptions())
	ctl := seg.Control(0)

	if ctl.State() != layout.SlotFree {
		t.Fatal("fresh slot not Free")
	}

	w, err := seg.BeginWrite(deadlineIn(time.Second), 3)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	if ctl.State() != layout.SlotWriting {
		t.Fatalf("state after BeginWrite = %s, want writing", layout.SlotStateName(ctl.State()))
	}
	if layout.UnpackOwner(ctl.Owner()).PID == 0 {
		t.Fatal("owner word empty during Writing")
	}
	if ctl.Task() != 3 {
		t.Fatalf("task = %d, want 3", ctl.Task())
	}

	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if ctl.State() != layout.SlotCommitted {
		t.Fatalf("state after Commit = %s, want committed", layout.SlotStateName(ctl.State()))
	}
	if ctl.Owner() != layout.FreeOwner {
		t.Fatal("owner word not released after Commit")
	}

	r, err := seg.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	if ctl.State() != layout.SlotReading {
		t.Fatalf("state during read = %s, want reading", layout.SlotStateName(ctl.State()))
	}
	if ctl.Readers() != 1 {
		t.Fatalf("readers = %d, want 1", ctl.Readers())
	}

	if err := r.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if ctl.State() != layout.SlotCommitted {
		t.Fatalf("state after End = %s, want committed", layout.SlotStateName(ctl.State()))
	}
	if ctl.Readers() != 0 {
		t.Fatalf("readers = %d after End, want 0", ctl.Readers())
	}
}

func TestAbortWrite(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	copy(w.Payload(), []byte("partial"))
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	if seg.Control(0).State() != layout.SlotFree {
		t.Fatal("slot not Free after Abort")
	}
	if seg.Head() != 0 {
		t.Fatalf("head = %d after Abort, want 0 (sequence rolled back)", seg.Head())
	}

	// The sequence is reusable.
	w, err = seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("BeginWrite after Abort failed: %v", err)
	}
	if w.Seq() != 0 {
		t.Fatalf("seq after Abort = %d, want 0", w.Seq())
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func TestDoubleFinishRejected(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	w, _ := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := w.Commit(); !errors.Is(err, ErrBadState) {
		t.Fatalf("second Commit = %v, want ErrBadState", err)
	}

	r, _ := seg.BeginRead(0, deadlineIn(time.Second))
	if err := r.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := r.End(); !errors.Is(err, ErrBadState) {
		t.Fatalf("second End = %v, want ErrBadState", err)
	}
}

func TestReadEmptyRing(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	_, err := seg.BeginRead(0, deadlineIn(20*time.Millisecond))
	if !errors.Is(err, ErrRingEmpty) {
		t.Fatalf("read on empty ring = %v, want ErrRingEmpty", err)
	}
}

func TestEnforcedChecksumDetectsCorruption(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	w, _ := seg.BeginWrite(deadlineIn(time.Second), 0)
	copy(w.Payload(), []byte("pristine data"))
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Flip one byte behind the engine's back.
	seg.Payload(0)[3] ^= 0x40

	_, err := seg.BeginRead(0, deadlineIn(time.Second))
	if !errors.Is(err, checksum.ErrMismatch) {
		t.Fatalf("read of corrupted slot = %v, want checksum mismatch", err)
	}

	// The failed attach must not leak a reader reference.
	if seg.Control(0).Readers() != 0 {
		t.Fatalf("readers = %d after rejected read, want 0", seg.Control(0).Readers())
	}
}

func TestNoneChecksumIgnoresCorruption(t *testing.T) {
	opts := testOptions()
	opts.ChecksumPolicy = checksum.None
	seg := createTestSegment(t, opts)

	w, _ := seg.BeginWrite(deadlineIn(time.Second), 0)
	copy(w.Payload(), []byte("pristine data"))
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	seg.Payload(0)[3] ^= 0x40

	r, err := seg.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("read under None policy = %v, want success", err)
	}
	r.End()
}

func TestManualChecksum(t *testing.T) {
	opts := testOptions()
	opts.ChecksumPolicy = checksum.Manual
	seg := createTestSegment(t, opts)

	w, _ := seg.BeginWrite(deadlineIn(time.Second), 0)
	copy(w.Payload(), []byte("manual mode"))
	w.UpdateChecksum()
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	r, err := seg.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	if err := r.VerifyChecksum(); err != nil {
		t.Fatalf("VerifyChecksum on intact payload failed: %v", err)
	}

	seg.Payload(0)[0] ^= 0x01
	if err := r.VerifyChecksum(); !errors.Is(err, checksum.ErrMismatch) {
		t.Fatalf("VerifyChecksum on corrupted payload = %v, want mismatch", err)
	}
	r.End()
}

func TestLosslessFullRing(t *testing.T) {
	// 4-slot ring, one slow consumer pinning sequence 0. Writes 1..4
	// fill the ring; the 5th must fail retryable, never corrupt slot 0.
	seg := createTestSegment(t, testOptions())

	marker := []byte("seq-0 payload, held by slow consumer")

	for i := 0; i < 4; i++ {
		w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
		if err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		if i == 0 {
			copy(w.Payload(), marker)
		}
		if err := w.Commit(); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	r, err := seg.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("slow consumer attach failed: %v", err)
	}

	_, err = seg.BeginWrite(deadlineIn(50*time.Millisecond), 0)
	if !errors.Is(err, ErrRingFull) {
		t.Fatalf("5th write on full ring = %v, want ErrRingFull", err)
	}

	// Slot 0 is intact for the attached reader.
	if !bytes.Equal(r.Payload()[:len(marker)], marker) {
		t.Fatal("slot 0 corrupted by rejected 5th write")
	}
	r.End()

	// With the reader gone the 5th write proceeds and reuses slot 0.
	w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("write after reader release failed: %v", err)
	}
	if w.Slot() != 0 || w.Seq() != 4 {
		t.Fatalf("5th write got slot %d seq %d, want slot 0 seq 4", w.Slot(), w.Seq())
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
}

func TestLatestDeliveryReclaimsOldest(t *testing.T) {
	opts := testOptions()
	opts.DeliveryLatest = true
	seg := createTestSegment(t, opts)

	for i := 0; i < 4; i++ {
		w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
		if err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		if err := w.Commit(); err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	r, err := seg.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("reader attach failed: %v", err)
	}

	// The 5th write seizes sequence 0's slot despite the reader.
	w, err := seg.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("5th write under latest policy = %v, want success", err)
	}
	if w.Seq() != 4 {
		t.Fatalf("5th write seq = %d, want 4", w.Seq())
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// The displaced reader's release is harmless.
	if err := r.End(); err != nil {
		t.Fatalf("End after forced reclaim failed: %v", err)
	}

	// Sequence 0 is gone for new readers.
	if _, err := seg.BeginRead(0, deadlineIn(time.Second)); !errors.Is(err, ErrMissed) {
		t.Fatalf("read of reclaimed seq = %v, want ErrMissed", err)
	}
}

func TestConcurrentWritersMutualExclusion(t *testing.T) {
	// Many goroutines write through the same mapping while a drainer
	// retires sequences. Every committed sequence must be unique.
	opts := testOptions()
	opts.SlotCount = 8
	seg := createTestSegment(t, opts)

	const writers = 4
	const perWriter = 50

	var mu sync.Mutex
	seen := make(map[uint64]int)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Drainer: consume committed sequences so the ring never stays full.
	wg.Add(1)
	go func() {
		defer wg.Done()
		next := uint64(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			r, err := seg.BeginRead(next, deadlineIn(10*time.Millisecond))
			if err != nil {
				continue
			}
			r.End()
			next++
		}
	}()

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				wt, err := seg.BeginWrite(deadlineIn(5*time.Second), uint32(id))
				if err != nil {
					t.Errorf("writer %d: BeginWrite failed: %v", id, err)
					return
				}
				mu.Lock()
				seen[wt.Seq()]++
				mu.Unlock()
				if err := wt.Commit(); err != nil {
					t.Errorf("writer %d: Commit failed: %v", id, err)
					return
				}
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Writers finish first; then release the drainer.
	deadline := time.After(30 * time.Second)
	for {
		mu.Lock()
		total := len(seen)
		mu.Unlock()
		if total >= writers*perWriter {
			break
		}
		select {
		case <-deadline:
			t.Fatal("writers did not finish in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(stop)
	<-done

	if len(seen) != writers*perWriter {
		t.Fatalf("distinct sequences = %d, want %d", len(seen), writers*perWriter)
	}
	for seq, n := range seen {
		if n != 1 {
			t.Fatalf("sequence %d reserved %d times", seq, n)
		}
	}
}

func TestCrossMappingRoundTrip(t *testing.T) {
	// Producer and consumer on separate mappings of the same segment.
	name := uniqueName(t)
	prod, err := Create(name, testOptions())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		prod.Close()
		Remove(name)
	}()

	cons, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cons.Close()

	payload := []byte("cross-process frame")
	w, err := prod.BeginWrite(deadlineIn(time.Second), 0)
	if err != nil {
		t.Fatalf("BeginWrite failed: %v", err)
	}
	copy(w.Payload(), payload)
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	r, err := cons.BeginRead(0, deadlineIn(time.Second))
	if err != nil {
		t.Fatalf("BeginRead through second mapping failed: %v", err)
	}
	if !bytes.Equal(r.Payload()[:len(payload)], payload) {
		t.Fatal("payload mismatch across mappings")
	}
	r.End()
}
