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
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/flexcodec"
)

// Flex-zone snapshots travel msgpack-framed in the segment's flex
// region. Snapshot writes and reads are rare control-plane operations;
// both sides serialize on the control lock so a reader never observes
// a torn frame.

// PutFlex replaces the flex-zone snapshot with v.
func (s *Segment) PutFlex(deadline time.Time, v any) error {
	region := s.FlexRegion()
	if region == nil {
		return fmt.Errorf("put flex on %q: %w", s.name, ErrNoFlexZone)
	}
	return s.withControl(deadline, func(bool) error {
		n, err := flexcodec.EncodeInto(region, v)
		if err != nil {
			return fmt.Errorf("put flex on %q: %w", s.name, err)
		}
		s.hdr.SetFlexLen(uint64(n))
		return nil
	})
}

// GetFlex decodes the current flex-zone snapshot into v. Returns
// (false, nil) when no snapshot has been published yet.
func (s *Segment) GetFlex(deadline time.Time, v any) (bool, error) {
	region := s.FlexRegion()
	if region == nil {
		return false, fmt.Errorf("get flex on %q: %w", s.name, ErrNoFlexZone)
	}
	found := false
	err := s.withControl(deadline, func(bool) error {
		n := s.hdr.FlexLen()
		if n == 0 {
			return nil
		}
		if err := flexcodec.DecodeFrom(region, int(n), v); err != nil {
			return fmt.Errorf("get flex on %q: %w", s.name, err)
		}
		found = true
		return nil
	})
	return found, err
}
