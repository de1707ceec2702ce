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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Qing-LAB/pylabhub-sub016/internal/layout"
	"github.com/Qing-LAB/pylabhub-sub016/internal/schema"
	"github.com/Qing-LAB/pylabhub-sub016/internal/segment"
)

// ChannelInfo is the channel identity recorded at creation and
// re-checked on every attach.
type ChannelInfo struct {
	Name           string
	SchemaHash     string
	SchemaVersion  Version
	ProducerPID    uint32
	SlotCount      uint32
	SlotSize       uint32
	Checksum       ChecksumPolicy
	DeliveryLatest bool
	CreatedAt      time.Time
}

func infoFrom(name string, seg *segment.Segment) ChannelInfo {
	h := seg.Header()
	hash, _ := h.SchemaHash()
	return ChannelInfo{
		Name:           name,
		SchemaHash:     fmt.Sprintf("%x", hash[:]),
		SchemaVersion:  Version(h.SchemaVersion()),
		ProducerPID:    h.ProducerPID(),
		SlotCount:      h.SlotCount(),
		SlotSize:       h.SlotSize(),
		Checksum:       seg.ChecksumPolicy(),
		DeliveryLatest: seg.DeliveryLatest(),
		CreatedAt:      time.Unix(0, int64(h.CreatedAt())),
	}
}

// deadlineFrom maps a context deadline onto the engine's deadline
// convention, where the zero time means wait indefinitely.
func deadlineFrom(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Time{}
}

// Producer is the writing endpoint of a channel. One producer per
// channel; its PID is recorded in the segment header.
type Producer struct {
	seg    *segment.Segment
	log    *slog.Logger
	closed bool
}

// CreateProducer creates a named channel and returns its producer. The
// record type's schema hash and version are published in the segment
// header before any consumer can attach.
func CreateProducer(name string, cfg ChannelConfig) (*Producer, error) {
	sch, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	seg, err := segment.Create(name, segment.Options{
		SlotCount:        cfg.SlotCount,
		SlotSize:         cfg.SlotSize,
		ConsumerCapacity: cfg.ConsumerCapacity,
		FlexSize:         cfg.FlexCapacity,
		ChecksumPolicy:   cfg.Checksum,
		DeliveryLatest:   cfg.DeliveryLatest,
	})
	if err != nil {
		return nil, fmt.Errorf("create channel %q: %w", name, err)
	}

	h := seg.Header()
	h.SetSchemaVersion(uint32(cfg.Version))
	h.SetSchemaHash([layout.SchemaHashSize]byte(sch.hash))
	if sch.hasFlex {
		h.SetFlexSchemaVersion(uint32(cfg.Version))
		h.SetFlexSchemaHash([layout.SchemaHashSize]byte(sch.flexHash))
	}

	cfg.Logger.Info("channel created",
		"channel", name,
		"schema", sch.hash.String(),
		"version", cfg.Version.String(),
		"slots", cfg.SlotCount,
		"slot_size", cfg.SlotSize,
		"checksum", cfg.Checksum.String())

	return &Producer{seg: seg, log: cfg.Logger}, nil
}

// Info returns the channel identity.
func (p *Producer) Info() ChannelInfo {
	return infoFrom(p.seg.Name(), p.seg)
}

// WriteTx is an open write transaction on one slot.
type WriteTx struct {
	t *segment.WriteTicket
}

// Seq returns the ring sequence this transaction will publish.
func (tx *WriteTx) Seq() uint64 { return tx.t.Seq() }

// Bytes returns the writable payload. Valid only until Commit or Abort.
func (tx *WriteTx) Bytes() []byte { return tx.t.Payload() }

// UpdateChecksum recomputes the payload checksum. Manual policy only;
// Enforced commits do this automatically.
func (tx *WriteTx) UpdateChecksum() { tx.t.UpdateChecksum() }

// Commit publishes the payload.
func (tx *WriteTx) Commit() error { return tx.t.Commit() }

// Abort discards the payload and returns the slot to the ring.
func (tx *WriteTx) Abort() error { return tx.t.Abort() }

// BeginWrite opens a write transaction on the next ring position. The
// primitive layer: the caller must finish the transaction with exactly
// one Commit or Abort.
func (p *Producer) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if p.closed {
		return nil, fmt.Errorf("channel %q: %w", p.seg.Name(), ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := p.seg.BeginWrite(deadlineFrom(ctx), 0)
	if err != nil {
		return nil, err
	}
	return &WriteTx{t: t}, nil
}

// Write runs fn inside a write transaction and publishes the result.
// The slot is committed when fn returns nil and aborted on error or
// panic; no path leaks a held slot. Returns the published sequence.
func (p *Producer) Write(ctx context.Context, fn func(buf []byte) error) (seq uint64, err error) {
	tx, err := p.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}

	finished := false
	defer func() {
		if !finished {
			if aerr := tx.Abort(); aerr != nil {
				p.log.Warn("write abort failed",
					"channel", p.seg.Name(), "seq", tx.Seq(), "error", aerr)
			}
		}
	}()

	if err := fn(tx.Bytes()); err != nil {
		return 0, err
	}

	finished = true
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return tx.Seq(), nil
}

// PutFlex replaces the channel's flex-zone snapshot.
func (p *Producer) PutFlex(ctx context.Context, v any) error {
	if p.closed {
		return fmt.Errorf("channel %q: %w", p.seg.Name(), ErrClosed)
	}
	return p.seg.PutFlex(deadlineFrom(ctx), v)
}

// Head returns the next sequence to be published.
func (p *Producer) Head() uint64 { return p.seg.Head() }

// Close unmaps the producer's view. The segment stays on the host for
// attached consumers; Destroy removes it.
func (p *Producer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.seg.Close()
}

// Destroy closes the producer and removes the segment's backing file.
func (p *Producer) Destroy() error {
	name := p.seg.Name()
	if err := p.Close(); err != nil {
		return err
	}
	return segment.Remove(name)
}

// Consumer is a reading endpoint. Each consumer registers a heartbeat
// identity; a successful read pulses it implicitly.
type Consumer struct {
	seg    *segment.Segment
	reg    *segment.Registration
	log    *slog.Logger
	next   uint64
	closed bool
}

// AttachConsumer attaches to an existing channel under a consumer
// identity. The compiled record type is re-hashed and compared against
// the channel's recorded schema; any mismatch of magic, layout, hash
// or version is fatal.
func AttachConsumer(name, identity string, cfg ChannelConfig) (*Consumer, error) {
	sch, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	seg, err := segment.Open(name)
	if err != nil {
		return nil, fmt.Errorf("attach to channel %q: %w", name, err)
	}

	if err := checkSchema(seg, sch, cfg.Version); err != nil {
		seg.Close()
		return nil, fmt.Errorf("attach to channel %q: %w", name, err)
	}

	reg, err := seg.Register(identity, uint32(os.Getpid()))
	if err != nil {
		seg.Close()
		return nil, fmt.Errorf("attach to channel %q: %w", name, err)
	}

	cfg.Logger.Info("consumer attached",
		"channel", name,
		"identity", identity,
		"schema", sch.hash.String())

	c := &Consumer{seg: seg, reg: reg, log: cfg.Logger}
	c.next = seg.Tail()
	return c, nil
}

// checkSchema compares the attaching process's resolved schema against
// the channel's recorded identity.
func checkSchema(seg *segment.Segment, sch channelSchema, v Version) error {
	h := seg.Header()

	recorded, ok := h.SchemaHash()
	if !ok {
		return fmt.Errorf("channel has no published schema: %w", ErrSchemaMismatch)
	}
	if recorded != [layout.SchemaHashSize]byte(sch.hash) {
		return fmt.Errorf("channel schema %x, compiled type %s: %w",
			recorded[:8], sch.hash.String()[:16], ErrSchemaMismatch)
	}

	pv := schema.Version(h.SchemaVersion())
	if !schema.Compatible(pv, v) {
		return fmt.Errorf("channel serves %s, consumer compiled against %s: %w",
			pv, v, ErrVersionIncompatible)
	}

	if sch.hasFlex {
		flexRecorded, ok := h.FlexSchemaHash()
		if !ok {
			return fmt.Errorf("channel has no flex zone schema: %w", ErrSchemaMismatch)
		}
		if flexRecorded != [layout.SchemaHashSize]byte(sch.flexHash) {
			return fmt.Errorf("flex zone schema differs: %w", ErrSchemaMismatch)
		}
	}
	return nil
}

// Info returns the channel identity.
func (c *Consumer) Info() ChannelInfo {
	return infoFrom(c.seg.Name(), c.seg)
}

// Identity returns the registered heartbeat identity.
func (c *Consumer) Identity() string { return c.reg.Identity() }

// ReadTx is an open read transaction: an attached reader reference on
// one committed element.
type ReadTx struct {
	t *segment.ReadTicket
}

// Seq returns the sequence being read.
func (tx *ReadTx) Seq() uint64 { return tx.t.Seq() }

// Bytes returns the payload. Treat as read-only; valid until End.
func (tx *ReadTx) Bytes() []byte { return tx.t.Payload() }

// VerifyChecksum checks the payload against the stored checksum.
// Manual policy only; Enforced attaches verify automatically.
func (tx *ReadTx) VerifyChecksum() error { return tx.t.VerifyChecksum() }

// End releases the reader reference.
func (tx *ReadTx) End() error { return tx.t.End() }

// BeginRead opens a read transaction on the element at seq. The
// primitive layer: the caller must release it with exactly one End.
func (c *Consumer) BeginRead(ctx context.Context, seq uint64) (*ReadTx, error) {
	if c.closed {
		return nil, fmt.Errorf("channel %q: %w", c.seg.Name(), ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := c.seg.BeginRead(seq, deadlineFrom(ctx))
	if err != nil {
		return nil, err
	}
	return &ReadTx{t: t}, nil
}

// Read runs fn over the element at seq inside a read transaction. The
// reader reference is released on every path including panics; a nil
// return from fn pulses the consumer's heartbeat.
func (c *Consumer) Read(ctx context.Context, seq uint64, fn func(buf []byte) error) error {
	tx, err := c.BeginRead(ctx, seq)
	if err != nil {
		return err
	}
	defer func() {
		if eerr := tx.End(); eerr != nil {
			c.log.Warn("read release failed",
				"channel", c.seg.Name(), "seq", seq, "error", eerr)
		}
	}()

	if err := fn(tx.Bytes()); err != nil {
		return err
	}
	c.reg.Pulse()
	return nil
}

// ReadNext reads the consumer's next unseen element and advances its
// cursor. A sequence the ring advanced past is skipped to the current
// tail and reported as ErrMissed so the caller can account for loss.
func (c *Consumer) ReadNext(ctx context.Context, fn func(buf []byte) error) (uint64, error) {
	seq := c.next
	err := c.Read(ctx, seq, fn)
	if err == nil {
		c.next = seq + 1
		return seq, nil
	}
	if tail := c.seg.Tail(); seq < tail {
		// Fell behind the ring; resume from the oldest live element.
		c.next = tail
	}
	return seq, err
}

// Latest returns the most recently published sequence, or false when
// the ring holds no committed element.
func (c *Consumer) Latest() (uint64, bool) {
	return c.seg.LatestSeq()
}

// Pulse records an explicit heartbeat pulse.
func (c *Consumer) Pulse() { c.reg.Pulse() }

// GetFlex decodes the current flex-zone snapshot into v. Returns
// (false, nil) when no snapshot has been published.
func (c *Consumer) GetFlex(ctx context.Context, v any) (bool, error) {
	if c.closed {
		return false, fmt.Errorf("channel %q: %w", c.seg.Name(), ErrClosed)
	}
	return c.seg.GetFlex(deadlineFrom(ctx), v)
}

// Close unregisters the heartbeat identity and unmaps the consumer's
// view.
func (c *Consumer) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.reg.Unregister()
	return c.seg.Close()
}

// ChannelExists checks whether a named channel's segment exists on
// this host.
func ChannelExists(name string) bool {
	return segment.Exists(name)
}

// RemoveChannel removes a named channel's backing segment. Mappings
// held by running processes survive until they detach.
func RemoveChannel(name string) error {
	return segment.Remove(name)
}
