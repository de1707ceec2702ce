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
	"context"
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/segment"
)

// Collaborator seams. The engine depends on these behind interfaces so
// deployments can substitute a discovery service, a fake clock or a
// scripted liveness probe; the OS-backed defaults below serve the
// common case. Broker stays interface-only: name resolution policy
// belongs to the deployment, not the engine.

// Broker resolves channel names to host segment names and carries
// channel announcements. A deployment without discovery can pass
// channel names directly and skip the broker entirely.
type Broker interface {
	// Resolve maps a logical channel name to the host segment name.
	Resolve(ctx context.Context, channel string) (string, error)

	// Announce publishes a newly created channel's identity.
	Announce(ctx context.Context, info ChannelInfo) error

	// Withdraw retracts a channel announcement.
	Withdraw(ctx context.Context, channel string) error
}

// Clock supplies timestamps. Heartbeat thresholds and stuck-slot
// detection compare against it.
type Clock interface {
	Now() time.Time
}

// ProcessLiveness decides whether a recorded process ID is still
// running. Recovery consults it before seizing any held slot.
type ProcessLiveness interface {
	Alive(pid uint32) bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type osLiveness struct{}

func (osLiveness) Alive(pid uint32) bool { return segment.OSLiveness(pid) }

// OSProcessLiveness returns the kernel-backed liveness probe: a signal
// 0 probe where permission denied still counts as alive.
func OSProcessLiveness() ProcessLiveness { return osLiveness{} }
