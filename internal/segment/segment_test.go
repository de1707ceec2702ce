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
	"fmt"
	"testing"
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub016/internal/layout"
)

func testOptions() Options {
	return Options{
		SlotCount:        4,
		SlotSize:         128,
		ConsumerCapacity: 8,
		ChecksumPolicy:   checksum.Enforced,
	}
}

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

func createTestSegment(t *testing.T, opts Options) *Segment {
	t.Helper()
	name := uniqueName(t)
	seg, err := Create(name, opts)
	if err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
		Remove(name)
	})
	return seg
}

func TestCreateOpenClose(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, testOptions())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		seg.Close()
		Remove(name)
	}()

	if !seg.Owner() {
		t.Error("creator should own the segment")
	}
	if !Exists(name) {
		t.Error("Exists should report the segment")
	}

	h := seg.Header()
	if h.Magic() != layout.MagicBytes() {
		t.Error("header magic not initialized")
	}
	if h.SlotCount() != 4 || h.SlotSize() != 128 {
		t.Errorf("geometry = %d slots x %d bytes, want 4 x 128", h.SlotCount(), h.SlotSize())
	}
	if h.ProducerPID() == 0 {
		t.Error("producer PID not recorded")
	}

	// A second attachment sees the same header.
	att, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer att.Close()

	if att.Owner() {
		t.Error("attacher must not own the segment")
	}
	if att.Header().SlotCount() != 4 {
		t.Error("attacher sees different slot count")
	}
	if att.ChecksumPolicy() != checksum.Enforced {
		t.Errorf("attacher policy = %v, want enforced", att.ChecksumPolicy())
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, testOptions())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		seg.Close()
		Remove(name)
	}()

	if _, err := Create(name, testOptions()); err == nil {
		t.Fatal("second Create with same name should fail")
	}
}

func TestOpenMissingSegment(t *testing.T) {
	if _, err := Open(uniqueName(t)); err == nil {
		t.Fatal("Open of missing segment should fail")
	}
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, testOptions())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer Remove(name)

	// Corrupt the magic in place, then try to attach.
	seg.mem[0] = 'X'
	seg.Close()

	if _, err := Open(name); err == nil {
		t.Fatal("Open should reject corrupted magic")
	}
}

func TestRemoveMissing(t *testing.T) {
	if err := Remove(uniqueName(t)); err == nil {
		t.Fatal("Remove of missing segment should report an error")
	}
}

func TestSharedStateAcrossMappings(t *testing.T) {
	name := uniqueName(t)
	a, err := Create(name, testOptions())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer func() {
		a.Close()
		Remove(name)
	}()

	b, err := Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()

	// A write through one mapping is visible through the other.
	a.Header().SetHead(7)
	if got := b.Header().Head(); got != 7 {
		t.Fatalf("head through second mapping = %d, want 7", got)
	}

	copy(a.Payload(2), []byte("shared payload"))
	if string(b.Payload(2)[:14]) != "shared payload" {
		t.Fatal("payload bytes not shared across mappings")
	}
}

func TestFlexRoundTrip(t *testing.T) {
	opts := testOptions()
	opts.FlexSize = 1024
	seg := createTestSegment(t, opts)

	type calib struct {
		Gain   float64
		Labels []string
	}

	var out calib
	found, err := seg.GetFlex(time.Time{}, &out)
	if err != nil {
		t.Fatalf("GetFlex on empty zone failed: %v", err)
	}
	if found {
		t.Fatal("empty flex zone reported a snapshot")
	}

	in := calib{Gain: 2.5, Labels: []string{"ch0", "ch1"}}
	if err := seg.PutFlex(time.Time{}, in); err != nil {
		t.Fatalf("PutFlex failed: %v", err)
	}

	found, err = seg.GetFlex(time.Time{}, &out)
	if err != nil {
		t.Fatalf("GetFlex failed: %v", err)
	}
	if !found {
		t.Fatal("snapshot not found after PutFlex")
	}
	if out.Gain != 2.5 || len(out.Labels) != 2 {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestFlexAbsent(t *testing.T) {
	seg := createTestSegment(t, testOptions())

	if err := seg.PutFlex(time.Time{}, 1); err == nil {
		t.Error("PutFlex without flex zone should fail")
	}
	var v int
	if _, err := seg.GetFlex(time.Time{}, &v); err == nil {
		t.Error("GetFlex without flex zone should fail")
	}
}
