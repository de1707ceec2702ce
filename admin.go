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

package shmhub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Qing-LAB/pylabhub-sub016/internal/hostlock"
	"github.com/Qing-LAB/pylabhub-sub016/internal/segment"
)

// SlotDiagnostic is one slot's observable state.
type SlotDiagnostic = segment.SlotDiagnostic

// ValidationReport summarizes an integrity walk over a segment.
type ValidationReport = segment.ValidationReport

// ConsumerInfo is a snapshot of one heartbeat roster entry.
type ConsumerInfo = segment.ConsumerInfo

// RecoverAction selects which recovery pass Recover runs.
type RecoverAction int

const (
	// RecoverWriter releases a write lock held by a dead process.
	RecoverWriter RecoverAction = iota

	// RecoverReaders drops reader references of expired consumers.
	RecoverReaders

	// RecoverReset unconditionally returns the slot to Free. Requires
	// the force flag.
	RecoverReset
)

func (a RecoverAction) String() string {
	switch a {
	case RecoverWriter:
		return "writer"
	case RecoverReaders:
		return "readers"
	case RecoverReset:
		return "reset"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Admin is the operator surface over existing channels: diagnostics,
// recovery, roster cleanup and integrity validation. It attaches to
// segments by name without schema knowledge; payload bytes are never
// interpreted.
//
// Mutating operations serialize across processes on an advisory file
// lock next to the segment, so two operators cannot run destructive
// recovery against the same channel at once.
type Admin struct {
	log      *slog.Logger
	liveness ProcessLiveness

	// StuckThreshold is the inactivity window for stuck-slot detection.
	StuckThreshold time.Duration

	// HeartbeatThreshold is the pulse age past which a consumer is
	// considered dead.
	HeartbeatThreshold time.Duration
}

// NewAdmin returns an Admin. A nil logger uses slog.Default.
func NewAdmin(log *slog.Logger) *Admin {
	if log == nil {
		log = slog.Default()
	}
	return &Admin{
		log:                log,
		liveness:           OSProcessLiveness(),
		StuckThreshold:     segment.DefaultStuckThreshold,
		HeartbeatThreshold: 10 * time.Second,
	}
}

// SetLiveness overrides the process liveness probe. Tests and drills.
func (a *Admin) SetLiveness(pl ProcessLiveness) {
	if pl == nil {
		pl = OSProcessLiveness()
	}
	a.liveness = pl
}

// open attaches to the named segment with the admin's liveness probe.
func (a *Admin) open(name string) (*segment.Segment, error) {
	seg, err := segment.Open(name)
	if err != nil {
		return nil, fmt.Errorf("admin open %q: %w", name, err)
	}
	seg.SetLiveness(a.liveness.Alive)
	return seg, nil
}

// lockFor takes the cross-process admin lock for a segment.
func (a *Admin) lockFor(seg *segment.Segment) (*hostlock.FileLock, error) {
	l := hostlock.New(seg.Path() + ".lock")
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("admin lock %q: %w", seg.Name(), err)
	}
	return l, nil
}

// Info returns the channel identity recorded in the segment header.
func (a *Admin) Info(name string) (ChannelInfo, error) {
	seg, err := a.open(name)
	if err != nil {
		return ChannelInfo{}, err
	}
	defer seg.Close()
	return infoFrom(name, seg), nil
}

// Diagnose reports slot state for the named channel. A negative slot
// reports every slot.
func (a *Admin) Diagnose(name string, slot int) ([]SlotDiagnostic, error) {
	seg, err := a.open(name)
	if err != nil {
		return nil, err
	}
	defer seg.Close()

	in := seg.Inspect(a.log)
	in.StuckThreshold = a.StuckThreshold
	if slot < 0 {
		return in.DiagnoseAll()
	}
	d, err := in.Diagnose(uint32(slot))
	if err != nil {
		return nil, err
	}
	return []SlotDiagnostic{d}, nil
}

// Consumers snapshots the named channel's heartbeat roster.
func (a *Admin) Consumers(name string) ([]ConsumerInfo, error) {
	seg, err := a.open(name)
	if err != nil {
		return nil, err
	}
	defer seg.Close()
	return seg.Consumers(), nil
}

// Recover runs one recovery pass against a slot. RecoverWriter and
// RecoverReaders act only against confirmed-dead holders; RecoverReset
// is unconditional and requires force.
func (a *Admin) Recover(name string, slot uint32, action RecoverAction, force bool) error {
	seg, err := a.open(name)
	if err != nil {
		return err
	}
	defer seg.Close()

	lock, err := a.lockFor(seg)
	if err != nil {
		return err
	}
	defer lock.Close()

	in := seg.Inspect(a.log)
	in.StuckThreshold = a.StuckThreshold

	switch action {
	case RecoverWriter:
		return in.ReleaseZombieWriter(slot)
	case RecoverReaders:
		released, err := in.ReleaseZombieReaders(slot, a.HeartbeatThreshold)
		if err != nil {
			return err
		}
		if released > 0 {
			a.log.Info("recovery released readers",
				"channel", name, "slot", slot, "released", released)
		}
		return nil
	case RecoverReset:
		return in.ForceReset(slot, force)
	default:
		return fmt.Errorf("unknown recovery action %d", int(action))
	}
}

// CleanupDeadConsumers removes roster entries whose pulse is older than
// the admin's heartbeat threshold. Returns the removed entries.
func (a *Admin) CleanupDeadConsumers(name string) ([]ConsumerInfo, error) {
	seg, err := a.open(name)
	if err != nil {
		return nil, err
	}
	defer seg.Close()

	lock, err := a.lockFor(seg)
	if err != nil {
		return nil, err
	}
	defer lock.Close()

	return seg.Inspect(a.log).CleanupDeadConsumers(a.HeartbeatThreshold)
}

// Validate walks the named channel's header and slots. With repair set
// it also clamps corrupt counters and resets unrecoverable slots.
func (a *Admin) Validate(name string, repair bool) (ValidationReport, error) {
	seg, err := a.open(name)
	if err != nil {
		return ValidationReport{}, err
	}
	defer seg.Close()

	if repair {
		lock, err := a.lockFor(seg)
		if err != nil {
			return ValidationReport{}, err
		}
		defer lock.Close()
	}

	return seg.Inspect(a.log).Validate(repair)
}

// MarshalReport serializes a diagnostic result (SlotDiagnostic slices,
// ValidationReport, ConsumerInfo slices) for external tooling.
func MarshalReport(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// UnmarshalReport decodes a serialized diagnostic result.
func UnmarshalReport(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
