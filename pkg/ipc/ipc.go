// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ipc pairs the two rings of a region into a host endpoint and a
// guest endpoint that exchange wire messages.
package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/ring"
	"github.com/walteh/uwpdump/pkg/shm"
	"github.com/walteh/uwpdump/pkg/wire"
	"gitlab.com/tozd/go/errors"
)

// DefaultStaleAfter is how long a silent heartbeat word is tolerated.
const DefaultStaleAfter = 5 * time.Second

// ⚙️ Options tune an endpoint
type Options struct {
	// Capacity of each ring in bytes. Only the host uses it.
	Capacity int
	// Backoff bounds a Send into a full ring.
	Backoff ring.Backoff
	// StaleAfter is the heartbeat age after which the peer counts as gone.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = ring.DefaultCapacity
	}
	if o.Backoff == (ring.Backoff{}) {
		o.Backoff = ring.DefaultBackoff()
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	return o
}

// RegionSize returns the region size a host with these options needs.
func (o Options) RegionSize() int {
	return ring.RegionSize(o.withDefaults().Capacity)
}

type endpoint struct {
	layout     *ring.Layout
	out        *ring.Producer
	in         *ring.Consumer
	self, peer ring.Side
	wantIn     func(wire.Tag) bool
	opts       Options
}

// 🖥️ Host is the launcher side: it sends commands and receives events
type Host struct {
	endpoint
}

// 🧩 Guest is the payload side: it sends events and receives commands
type Guest struct {
	endpoint
}

// NewHost formats region and returns the host endpoint.
func NewHost(region *shm.Region, opts Options) (*Host, error) {
	opts = opts.withDefaults()
	layout, err := ring.Format(region, opts.Capacity)
	if err != nil {
		return nil, errors.Errorf("creating host endpoint: %w", err)
	}
	return &Host{endpoint: endpoint{
		layout: layout,
		out:    layout.Ring(ring.Commands).Producer(),
		in:     layout.Ring(ring.Events).Consumer(),
		self:   ring.Host,
		peer:   ring.Guest,
		wantIn: func(t wire.Tag) bool { return !t.IsCommand() },
		opts:   opts,
	}}, nil
}

// NewGuest attaches to a region the host formatted. On a version difference
// it returns the endpoint together with an ErrProtocolMismatch error, so the
// caller can still report the mismatch.
func NewGuest(region *shm.Region, opts Options) (*Guest, error) {
	opts = opts.withDefaults()
	layout, attachErr := ring.Attach(region)
	if layout == nil {
		return nil, errors.Errorf("creating guest endpoint: %w", attachErr)
	}
	g := &Guest{endpoint: endpoint{
		layout: layout,
		out:    layout.Ring(ring.Events).Producer(),
		in:     layout.Ring(ring.Commands).Consumer(),
		self:   ring.Guest,
		peer:   ring.Host,
		wantIn: wire.Tag.IsCommand,
		opts:   opts,
	}}
	if attachErr != nil {
		return g, errors.Errorf("creating guest endpoint: %w", attachErr)
	}
	return g, nil
}

// Send encodes m and pushes it, waiting out a full ring within the
// configured backoff.
func (e *endpoint) Send(ctx context.Context, m wire.Message) error {
	tag, body, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := e.out.PushWait(ctx, byte(tag), body, e.opts.Backoff); err != nil {
		return errors.Errorf("sending %s: %w", tag, err)
	}
	return nil
}

// TrySend pushes m once, returning ErrWouldBlock when the ring is full.
func (e *endpoint) TrySend(m wire.Message) error {
	tag, body, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return e.out.Push(byte(tag), body)
}

// Receive returns the next pending message, or ErrEmpty. A message that
// belongs to the other direction is a protocol violation.
func (e *endpoint) Receive() (wire.Message, error) {
	f, err := e.in.Pop()
	if err != nil {
		return nil, err
	}
	tag := wire.Tag(f.Tag)
	if !e.wantIn(tag) {
		return nil, dumperr.New(dumperr.ErrProtocolViolation, "receive", errors.Errorf("%s on the %s side", tag, e.self))
	}
	return wire.Decode(tag, f.Payload)
}

// Beat records a heartbeat for this side.
func (e *endpoint) Beat(now time.Time) { e.layout.Beat(e.self, now) }

// PeerAlive reports whether the peer beat within StaleAfter of now. A peer
// that never beat is not alive.
func (e *endpoint) PeerAlive(now time.Time) bool {
	return !e.layout.Stale(e.peer, now, e.opts.StaleAfter)
}

// PeerLastBeat returns the peer's last heartbeat.
func (e *endpoint) PeerLastBeat() time.Time { return e.layout.LastBeat(e.peer) }

// Layout exposes the formatted region.
func (e *endpoint) Layout() *ring.Layout { return e.layout }

// StartHeartbeat beats at once and then every interval until ctx ends or
// the returned stop func runs. It touches only the heartbeat word, so it
// never competes with the producer.
func (e *endpoint) StartHeartbeat(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	e.Beat(time.Now())
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				e.Beat(now)
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
