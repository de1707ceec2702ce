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

// Package shmhub moves fixed-layout records between processes on one
// host through a shared-memory slot ring, built for instrumentation
// pipelines where a producer publishes at acquisition rate and
// consumers attach and detach freely.
//
// A channel is one mapped segment: a 256-byte control header, a
// consumer heartbeat roster, an optional serialized flex zone and a
// ring of fixed-size slots. Each slot moves through Free, Writing,
// Committed and Reading under a per-slot owner word; ring head and
// tail move only under a futex-backed control lock. Readers never
// copy: a read transaction pins the slot's reference count while fn
// looks at the payload in place.
//
// The record type is the contract. CreateProducer hashes the compiled
// type's canonical layout into the segment header, and AttachConsumer
// refuses to attach unless its own type hashes identically and its
// semantic version is compatible. Payload integrity is governed by a
// per-channel checksum policy: enforced, manual or none.
//
// The usual path is the transaction layer:
//
//	p, err := shmhub.CreateProducer("scope", shmhub.ChannelConfig{
//		Sample:   Frame{},
//		Checksum: shmhub.ChecksumEnforced,
//	})
//	...
//	seq, err := p.Write(ctx, func(buf []byte) error {
//		// fill buf with one Frame
//		return nil
//	})
//
// Write commits on a nil return and aborts on error or panic;
// Consumer.Read releases its slot reference the same way. BeginWrite
// and BeginRead expose the primitive layer for callers that need to
// hold a transaction across function boundaries.
//
// Crashed participants never wedge a channel. Producer death is
// visible as a Writing slot with a dead owner PID; consumer death as a
// stale heartbeat. The Admin surface diagnoses both and reclaims slots
// under the control lock, destructive resets gated behind an explicit
// force flag.
package shmhub
