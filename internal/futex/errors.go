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

// Package futex wraps the Linux futex syscall for words placed in
// shared memory, so attached processes can block on each other without
// polling.
package futex

import "errors"

// ErrTimeout is returned by WaitTimeout when the wait times out.
var ErrTimeout = errors.New("futex timeout")

// ErrUnsupported is returned on platforms without futex support.
var ErrUnsupported = errors.New("futex operations not supported on this platform")
