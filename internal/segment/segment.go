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

// Package segment implements the shared-memory data-exchange engine:
// mapped segment lifecycle, the two-tier synchronization scheme
// (control lock plus per-slot spinlocks), the slot state machine, the
// consumer heartbeat roster, and the recovery and diagnostics surface.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/Qing-LAB/pylabhub-sub016/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub016/internal/layout"
)

// segmentPrefix namespaces segment files on the host.
const segmentPrefix = "plhb_shm_"

// Options configures segment creation. Open ignores it; geometry and
// policies are read back from the header.
type Options struct {
	SlotCount        uint32
	SlotSize         uint32
	ConsumerCapacity uint32
	FlexSize         uint64
	ChecksumPolicy   checksum.Policy
	DeliveryLatest   bool
}

// Liveness decides whether a recorded process ID is still running.
// Injectable so recovery tests can simulate dead holders.
type Liveness func(pid uint32) bool

// Segment is one mapped shared memory region. The creating process
// owns the backing file; attaching processes hold non-owning mappings.
type Segment struct {
	file  *os.File
	mem   mmap.MMap
	hdr   *layout.Header
	geo   layout.Geometry
	name  string
	path  string
	owner bool

	// ctlMu serializes control-lock use between goroutines of this
	// process; the futex word only disambiguates processes.
	ctlMu sync.Mutex

	alive Liveness
}

// Create creates and maps a new segment under the given name. Fails if
// a segment with that name already exists.
func Create(name string, opts Options) (*Segment, error) {
	if !opts.ChecksumPolicy.Valid() {
		return nil, fmt.Errorf("invalid checksum policy %d", opts.ChecksumPolicy)
	}

	geo, err := layout.Compute(opts.SlotCount, opts.SlotSize, opts.ConsumerCapacity, opts.FlexSize)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	path := segmentPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(geo.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	s := &Segment{
		file:  file,
		mem:   mem,
		hdr:   layout.HeaderAt(unsafe.Pointer(&mem[0])),
		geo:   geo,
		name:  name,
		path:  path,
		owner: true,
		alive: OSLiveness,
	}

	flags := uint32(opts.ChecksumPolicy)
	if opts.DeliveryLatest {
		flags |= layout.FlagDeliveryLatest
	}

	h := s.hdr
	h.SetMagic(layout.MagicBytes())
	h.SetVersion(layout.SegmentVersion)
	h.SetFlags(flags)
	h.SetTotalSize(geo.TotalSize)
	h.SetSlotCount(geo.SlotCount)
	h.SetSlotSize(geo.SlotSize)
	h.SetConsumerCapacity(geo.ConsumerCapacity)
	h.SetHeartbeatOffset(geo.HeartbeatOffset)
	h.SetFlexOffset(geo.FlexOffset)
	h.SetFlexSize(geo.FlexSize)
	h.SetSlotsOffset(geo.SlotsOffset)
	h.SetHead(0)
	h.SetTail(0)
	h.SetProducerPID(uint32(os.Getpid()))
	h.SetCreatedAt(uint64(time.Now().UnixNano()))

	return s, nil
}

// Open maps an existing segment by name and validates its header.
// Magic, version or layout mismatch is fatal, not retryable.
func Open(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	if info.Size() < layout.SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", info.Size())
	}

	mem, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	hdr := layout.HeaderAt(unsafe.Pointer(&mem[0]))
	if err := layout.ValidateHeader(hdr, uint64(len(mem))); err != nil {
		mem.Unmap()
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}

	geo, err := hdr.Geometry()
	if err != nil {
		mem.Unmap()
		file.Close()
		return nil, fmt.Errorf("invalid segment geometry: %w", err)
	}

	return &Segment{
		file:  file,
		mem:   mem,
		hdr:   hdr,
		geo:   geo,
		name:  name,
		path:  path,
		alive: OSLiveness,
	}, nil
}

// SetLiveness overrides the process-existence probe. Tests and
// recovery tooling only; nil restores the OS probe.
func (s *Segment) SetLiveness(fn Liveness) {
	if fn == nil {
		fn = OSLiveness
	}
	s.alive = fn
}

// Close unmaps the memory and closes the file. The segment file stays
// on disk; Unlink removes it.
func (s *Segment) Close() error {
	var firstErr error

	if s.mem != nil {
		if err := s.mem.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
		s.hdr = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// Unlink removes the segment's backing file. Mappings held by other
// processes survive until they unmap.
func (s *Segment) Unlink() error {
	return os.Remove(s.path)
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Owner reports whether this process created the segment.
func (s *Segment) Owner() bool { return s.owner }

// Header returns the mapped control zone.
func (s *Segment) Header() *layout.Header { return s.hdr }

// Geometry returns the computed byte layout.
func (s *Segment) Geometry() layout.Geometry { return s.geo }

// ChecksumPolicy returns the channel's fixed checksum policy.
func (s *Segment) ChecksumPolicy() checksum.Policy {
	return checksum.Policy(s.hdr.ChecksumPolicy())
}

// DeliveryLatest reports whether the segment reclaims the oldest slot
// regardless of readers.
func (s *Segment) DeliveryLatest() bool {
	return s.hdr.DeliveryLatest()
}

// SlotCount returns the number of slots in the ring.
func (s *Segment) SlotCount() uint32 { return s.geo.SlotCount }

// Control returns slot i's control word.
func (s *Segment) Control(i uint32) *layout.SlotControl {
	off := s.geo.SlotControlOffset(i)
	return layout.SlotControlAt(unsafe.Pointer(&s.mem[off]))
}

// Payload returns slot i's payload bytes.
func (s *Segment) Payload(i uint32) []byte {
	off := s.geo.SlotPayloadOffset(i)
	return s.mem[off : off+uint64(s.geo.SlotSize) : off+uint64(s.geo.SlotSize)]
}

// FlexRegion returns the flex zone bytes, or nil if the segment was
// created without one.
func (s *Segment) FlexRegion() []byte {
	if s.geo.FlexSize == 0 {
		return nil
	}
	return s.mem[s.geo.FlexOffset : s.geo.FlexOffset+s.geo.FlexSize]
}

// heartbeatEntry returns roster entry i.
func (s *Segment) heartbeatEntry(i uint32) *layout.HeartbeatEntry {
	off := s.geo.HeartbeatEntryOffset(i)
	return layout.HeartbeatEntryAt(unsafe.Pointer(&s.mem[off]))
}

// segmentPath generates the backing file path for a segment name.
func segmentPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", segmentPrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentPrefix+name)
}

// isDevShmAvailable checks whether /dev/shm exists.
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// Remove removes a named segment's backing file.
func Remove(name string) error {
	paths := []string{
		filepath.Join("/dev/shm", segmentPrefix+name),
		filepath.Join(os.TempDir(), segmentPrefix+name),
	}

	var lastErr error
	for _, path := range paths {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// Exists checks whether a named segment's backing file exists.
func Exists(name string) bool {
	paths := []string{
		filepath.Join("/dev/shm", segmentPrefix+name),
		filepath.Join(os.TempDir(), segmentPrefix+name),
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
