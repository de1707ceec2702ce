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
	"hash/fnv"
	"time"
)

// The heartbeat roster tracks consumer liveness pulses. Entries are
// claimed and released with a CAS on the used flag and updated with
// per-field atomics; no lock is taken and a reader is never blocked on
// this bookkeeping.

// Registration is one consumer's claimed roster entry.
type Registration struct {
	seg    *Segment
	index  uint32
	idHash uint64
	name   string
}

// identityHash derives the roster key for a consumer identity.
func identityHash(identity string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(identity))
	v := h.Sum64()
	if v == 0 {
		v = 1 // zero is the empty-entry marker
	}
	return v
}

// Register claims a roster entry for the consumer identity. Fails with
// ErrRosterFull when every entry is in use.
func (s *Segment) Register(identity string, pid uint32) (*Registration, error) {
	idh := identityHash(identity)
	now := nowNanos()

	for i := uint32(0); i < s.geo.ConsumerCapacity; i++ {
		e := s.heartbeatEntry(i)
		if !e.TryClaim() {
			continue
		}
		e.SetPID(pid)
		e.SetIDHash(idh)
		e.SetName(identity)
		e.SetRegistered(now)
		e.SetLastPulse(now)
		return &Registration{seg: s, index: i, idHash: idh, name: identity}, nil
	}
	return nil, fmt.Errorf("identity %q: %w", identity, ErrRosterFull)
}

// Index returns the claimed roster index.
func (r *Registration) Index() uint32 { return r.index }

// Identity returns the registered consumer identity.
func (r *Registration) Identity() string { return r.name }

// Pulse records a liveness pulse. Called explicitly or implicitly on
// each successful read.
func (r *Registration) Pulse() {
	e := r.seg.heartbeatEntry(r.index)
	if e.Used() && e.IDHash() == r.idHash {
		e.SetLastPulse(nowNanos())
	}
}

// Unregister releases the roster entry. Tied to consumer destruction.
func (r *Registration) Unregister() {
	e := r.seg.heartbeatEntry(r.index)
	if e.Used() && e.IDHash() == r.idHash {
		e.SetPID(0)
		e.SetIDHash(0)
		e.SetLastPulse(0)
		e.Release()
	}
}

// AliveAsOf reports whether the identity has pulsed within threshold.
// An unregistered identity is not alive.
func (s *Segment) AliveAsOf(identity string, threshold time.Duration) bool {
	idh := identityHash(identity)
	cutoff := nowNanos() - uint64(threshold.Nanoseconds())

	for i := uint32(0); i < s.geo.ConsumerCapacity; i++ {
		e := s.heartbeatEntry(i)
		if e.Used() && e.IDHash() == idh {
			return e.LastPulse() >= cutoff
		}
	}
	return false
}

// ConsumerInfo is a diagnostic snapshot of one roster entry.
type ConsumerInfo struct {
	Index      uint32
	Identity   string
	PID        uint32
	LastPulse  time.Time
	Registered time.Time
}

// Consumers snapshots the in-use roster entries.
func (s *Segment) Consumers() []ConsumerInfo {
	var out []ConsumerInfo
	for i := uint32(0); i < s.geo.ConsumerCapacity; i++ {
		e := s.heartbeatEntry(i)
		if !e.Used() {
			continue
		}
		out = append(out, ConsumerInfo{
			Index:      i,
			Identity:   e.Name(),
			PID:        e.PID(),
			LastPulse:  time.Unix(0, int64(e.LastPulse())),
			Registered: time.Unix(0, int64(e.Registered())),
		})
	}
	return out
}
