//go:build linux

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

package futex

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Cross-process futex operations. The words live in shared memory, so
// the private flag must NOT be set.

// Futex op constants from the Linux uapi <linux/futex.h>;
// golang.org/x/sys/unix does not export them.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// Wait blocks until the value at addr changes from val, a wake arrives,
// or the call is interrupted. Always re-check the logical condition
// after return; spurious wakeups are possible.
func Wait(addr *uint32, val uint32) error {
	// Re-check atomically before entering the syscall; this closes the
	// lost-wake window between the caller's snapshot and futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		0, // timeout - infinite (NULL)
		0,
		0,
	)

	if errno != 0 {
		// EAGAIN: value no longer matched. EINTR: signal. Neither is
		// an error for a wait that will be re-checked.
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// WaitTimeout waits on addr until the value changes from val or the
// timeout elapses. timeoutNs <= 0 means wait without a timeout.
func WaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	if timeoutNs <= 0 {
		return Wait(addr, val)
	}

	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.NsecToTimespec(timeoutNs)

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil
		}
		if errno == unix.ETIMEDOUT {
			return ErrTimeout
		}
		return fmt.Errorf("futex wait failed: %w", errno)
	}
	return nil
}

// Wake wakes up to n waiters on addr. Returns the number woken.
func Wake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)

	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
