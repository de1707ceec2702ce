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
	"sync/atomic"
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/futex"
)

// The control lock is a futex-backed cross-process mutex over the
// header's lock word. The word holds the owner's PID (0 = free), so a
// waiter that keeps timing out can probe the recorded owner and steal
// the lock if the owner died while holding it. Stealing is reported as
// ErrLockInherited: the caller owns the lock but header state may be
// mid-mutation.

// probeInterval bounds how long a waiter sleeps before re-checking the
// recorded owner's liveness.
const probeInterval = 50 * time.Millisecond

// LockControl acquires the control lock. A zero deadline blocks until
// acquisition (or until a dead owner is detected and inherited).
// Returns nil, ErrLockInherited (lock held either way), or ErrTimeout.
func (s *Segment) LockControl(deadline time.Time) error {
	s.ctlMu.Lock()

	word := s.hdr.LockWord()
	me := uint32(os.Getpid())

	for {
		if atomic.CompareAndSwapUint32(word, 0, me) {
			return nil
		}

		owner := atomic.LoadUint32(word)
		if owner == 0 {
			continue // released between CAS and load
		}

		if !s.alive(owner) {
			// Confirmed-dead holder: inherit the lock by swapping our
			// PID for theirs. A failed swap means the word moved on;
			// retry from the top.
			if atomic.CompareAndSwapUint32(word, owner, me) {
				return ErrLockInherited
			}
			continue
		}

		wait := probeInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				s.ctlMu.Unlock()
				return fmt.Errorf("control lock: %w", ErrTimeout)
			}
			if remaining < wait {
				wait = remaining
			}
		}

		err := futex.WaitTimeout(word, owner, wait.Nanoseconds())
		if err != nil && !errors.Is(err, futex.ErrTimeout) {
			s.ctlMu.Unlock()
			return fmt.Errorf("control lock wait: %w", err)
		}
		// Timeout expiry falls through to the liveness probe above.
	}
}

// UnlockControl releases the control lock and wakes one waiter.
func (s *Segment) UnlockControl() error {
	word := s.hdr.LockWord()
	me := uint32(os.Getpid())

	swapped := atomic.CompareAndSwapUint32(word, me, 0)
	s.ctlMu.Unlock()
	if !swapped {
		return fmt.Errorf("control unlock: %w", ErrNotOwner)
	}
	if _, err := futex.Wake(word, 1); err != nil && !errors.Is(err, futex.ErrUnsupported) {
		return fmt.Errorf("control unlock wake: %w", err)
	}
	return nil
}

// withControl runs fn while holding the control lock. An inherited
// lock is surfaced to fn so it can re-validate header state first.
func (s *Segment) withControl(deadline time.Time, fn func(inherited bool) error) error {
	inherited := false
	switch err := s.LockControl(deadline); {
	case err == nil:
	case errors.Is(err, ErrLockInherited):
		inherited = true
	default:
		return err
	}
	defer s.UnlockControl()
	return fn(inherited)
}
