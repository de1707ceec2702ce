//go:build windows

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

import "os"

// OSLiveness probes whether a process exists. On Windows FindProcess
// always succeeds, so this errs on the side of reporting alive; zombie
// reclamation is a no-op rather than a false positive.
func OSLiveness(pid uint32) bool {
	if pid == 0 {
		return false
	}
	_, err := os.FindProcess(int(pid))
	return err == nil
}
