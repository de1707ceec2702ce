//go:build !linux

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

// Wait is not supported on this platform.
func Wait(addr *uint32, val uint32) error {
	return ErrUnsupported
}

// WaitTimeout is not supported on this platform.
func WaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	return ErrUnsupported
}

// Wake is not supported on this platform.
func Wake(addr *uint32, n int) (int, error) {
	return 0, ErrUnsupported
}
