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
	"reflect"

	"github.com/Qing-LAB/pylabhub-sub016/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub016/internal/layout"
	"github.com/Qing-LAB/pylabhub-sub016/internal/schema"
)

// ChecksumPolicy selects how payload checksums are maintained. Fixed
// per channel at creation and encoded in the segment header.
type ChecksumPolicy = checksum.Policy

// Checksum policy values.
const (
	ChecksumNone     = checksum.None
	ChecksumEnforced = checksum.Enforced
	ChecksumManual   = checksum.Manual
)

// Version is a packed semantic schema version.
type Version = schema.Version

// NewVersion packs a semantic version.
func NewVersion(major, minor uint8, patch uint16) Version {
	return schema.PackVersion(major, minor, patch)
}

// Default channel geometry.
const (
	DefaultSlotCount    = 16
	DefaultFlexCapacity = 4096
)

// ChannelConfig configures channel creation and attachment.
//
// Sample is a value of the fixed-layout record type the channel
// carries; its structural hash is the channel's schema identity and
// must match on both sides. Geometry fields apply to creation only;
// an attaching consumer reads geometry back from the segment header.
type ChannelConfig struct {
	// Sample is a prototype of the record type. Required.
	Sample any

	// Version is the record type's semantic version.
	Version Version

	// SlotCount is the ring length. Zero selects DefaultSlotCount.
	SlotCount uint32

	// SlotSize is the payload capacity per slot. Zero derives it from
	// Sample's in-memory size.
	SlotSize uint32

	// ConsumerCapacity bounds the heartbeat roster. Zero selects the
	// engine default.
	ConsumerCapacity uint32

	// Checksum selects the checksum policy. The zero value is
	// ChecksumNone.
	Checksum ChecksumPolicy

	// DeliveryLatest switches from lossless delivery to latest-value
	// delivery, where a full ring reclaims its oldest element even
	// with attached readers.
	DeliveryLatest bool

	// FlexSample is a prototype of the flex-zone snapshot type, or nil
	// for a channel without a flex zone. Unlike Sample it may contain
	// strings, slices and string-keyed maps; snapshots travel
	// serialized.
	FlexSample any

	// FlexCapacity is the flex zone size in bytes. Zero with a
	// FlexSample selects DefaultFlexCapacity.
	FlexCapacity uint64

	// Logger receives structured diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

// channelSchema is the resolved schema identity of a config.
type channelSchema struct {
	recordType reflect.Type
	hash       schema.Hash
	flexType   reflect.Type
	flexHash   schema.Hash
	hasFlex    bool
}

// normalize validates the config, fills defaults in place and resolves
// the schema identity.
func (c *ChannelConfig) normalize() (channelSchema, error) {
	var cs channelSchema

	if c.Sample == nil {
		return cs, fmt.Errorf("channel config: Sample record type is required")
	}
	rt := reflect.TypeOf(c.Sample)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return cs, fmt.Errorf("channel config: Sample must be a struct, got %s", rt.Kind())
	}
	hash, err := schema.HashFixed(rt)
	if err != nil {
		return cs, fmt.Errorf("channel config: record type %s: %w", rt, err)
	}
	cs.recordType = rt
	cs.hash = hash

	if !c.Checksum.Valid() {
		return cs, fmt.Errorf("channel config: invalid checksum policy %d", c.Checksum)
	}

	if c.SlotCount == 0 {
		c.SlotCount = DefaultSlotCount
	}
	if c.SlotSize == 0 {
		size := uint64(rt.Size())
		if size < layout.MinSlotSize {
			size = layout.MinSlotSize
		}
		c.SlotSize = uint32(size)
	}
	if uint64(c.SlotSize) < uint64(rt.Size()) {
		return cs, fmt.Errorf("channel config: slot size %d smaller than record size %d",
			c.SlotSize, rt.Size())
	}
	if c.ConsumerCapacity == 0 {
		c.ConsumerCapacity = layout.DefaultConsumerCapacity
	}

	if c.FlexSample != nil {
		ft := reflect.TypeOf(c.FlexSample)
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		fh, err := schema.HashFlex(ft)
		if err != nil {
			return cs, fmt.Errorf("channel config: flex type %s: %w", ft, err)
		}
		cs.flexType = ft
		cs.flexHash = fh
		cs.hasFlex = true
		if c.FlexCapacity == 0 {
			c.FlexCapacity = DefaultFlexCapacity
		}
	} else if c.FlexCapacity != 0 {
		return cs, fmt.Errorf("channel config: FlexCapacity set without FlexSample")
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return cs, nil
}
