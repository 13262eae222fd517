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

/*
Package ring implements the framed single-producer/single-consumer queues
that carry commands and events across the process boundary.

Region layout (little-endian, stable; any change bumps Version):

	offset  size  field
	0       4     magic       0x55575044 ("UWPD")
	4       2     version
	6       1     ringCount   always 2
	7       1     reserved
	8       8     hostBeat    unix nanos (atomic)
	16      8     guestBeat   unix nanos (atomic)
	24      40    reserved
	64      64*n  ring descriptors
	...           ring arenas

Ring descriptor (64 bytes):

	+0   4  dataOffset
	+4   4  capacity
	+8   8  head  bytes ever consumed (atomic, written by the consumer)
	+16  8  tail  bytes ever produced (atomic, written by the producer)

Frame:

	[length u32][tag u8][reserved 3][crc32c u32][payload]

No lock spans the boundary. The producer copies a frame into free space and
then publishes the new tail; the consumer reads up to the published tail and
then publishes the new head. A dead peer therefore never wedges the other
side, which instead watches the peer's heartbeat word.
*/
package ring

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/shm"
	"gitlab.com/tozd/go/errors"
)

// 📐 Wire constants
const (
	Magic          uint32 = 0x55575044
	Version        uint16 = 1
	RingCount             = 2
	HeaderSize            = 64
	DescriptorSize        = 64
	FrameOverhead         = 12

	DefaultCapacity = 1 << 20
	MinCapacity     = 256
	// MaxCapacity keeps every offset and capacity in a descriptor within 32 bits.
	MaxCapacity = ((1<<32 - 1 - HeaderSize - RingCount*DescriptorSize) / RingCount) &^ 7
)

const (
	offHostBeat  = 8
	offGuestBeat = 16
	offHead      = 8
	offTail      = 16
)

// RingID selects one of the two queues.
type RingID int

const (
	// Commands flow host to guest.
	Commands RingID = 0
	// Events flow guest to host.
	Events RingID = 1
)

func (id RingID) String() string {
	if id == Commands {
		return "commands"
	}
	return "events"
}

// Side identifies whose heartbeat word is meant.
type Side int

const (
	Host Side = iota
	Guest
)

func (s Side) String() string {
	if s == Host {
		return "host"
	}
	return "guest"
}

// RegionSize returns the region size needed for two rings of capacity bytes.
func RegionSize(capacity int) int {
	return HeaderSize + RingCount*DescriptorSize + RingCount*alignUp(capacity)
}

func alignUp(n int) int {
	return (n + 7) &^ 7
}

// 🧱 Layout is a formatted or attached region
type Layout struct {
	region  *shm.Region
	version uint16
	rings   [RingCount]*Ring
}

// Format writes a fresh header and two empty rings of capacity bytes into
// region. The header word carrying the magic is published last so an
// attaching peer never observes a half-written header.
func Format(region *shm.Region, capacity int) (*Layout, error) {
	return format(region, capacity, Version)
}

func format(region *shm.Region, capacity int, version uint16) (*Layout, error) {
	if capacity < MinCapacity {
		return nil, errors.Errorf("formatting region: capacity %d below minimum %d", capacity, MinCapacity)
	}
	if capacity > MaxCapacity {
		return nil, errors.Errorf("formatting region: capacity %d above maximum %d", capacity, MaxCapacity)
	}
	capacity = alignUp(capacity)
	if region.Size() < RegionSize(capacity) {
		return nil, errors.Errorf("formatting region: size %d too small for capacity %d", region.Size(), capacity)
	}

	buf := region.Bytes()
	clear(buf[:RegionSize(capacity)])

	for i := 0; i < RingCount; i++ {
		desc := buf[HeaderSize+i*DescriptorSize:]
		dataOffset := HeaderSize + RingCount*DescriptorSize + i*capacity
		binary.LittleEndian.PutUint32(desc[0:4], uint32(dataOffset))
		binary.LittleEndian.PutUint32(desc[4:8], uint32(capacity))
	}

	var word [8]byte
	binary.LittleEndian.PutUint32(word[0:4], Magic)
	binary.LittleEndian.PutUint16(word[4:6], version)
	word[6] = RingCount
	atomic.StoreUint64(region.Uint64(0), binary.LittleEndian.Uint64(word[:]))

	return newLayout(region, version)
}

// Attach validates the header of a region formatted by the host. A bad
// magic, ring count or descriptor is a protocol violation. A version other
// than Version returns the layout together with an ErrProtocolMismatch error
// so the caller can still report the mismatch before leaving.
func Attach(region *shm.Region) (*Layout, error) {
	if region.Size() < HeaderSize+RingCount*DescriptorSize {
		return nil, dumperr.New(dumperr.ErrProtocolViolation, "attach", errors.Errorf("region size %d below header size", region.Size()))
	}

	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], atomic.LoadUint64(region.Uint64(0)))
	magic := binary.LittleEndian.Uint32(word[0:4])
	version := binary.LittleEndian.Uint16(word[4:6])
	count := word[6]

	if magic != Magic {
		return nil, dumperr.New(dumperr.ErrProtocolViolation, "attach", errors.Errorf("bad magic 0x%08x", magic))
	}
	if count != RingCount {
		return nil, dumperr.New(dumperr.ErrProtocolViolation, "attach", errors.Errorf("ring count %d", count))
	}

	l, err := newLayout(region, version)
	if err != nil {
		return nil, err
	}
	if version != Version {
		return l, dumperr.New(dumperr.ErrProtocolMismatch, "attach", errors.Errorf("region version %d, payload version %d", version, Version))
	}
	return l, nil
}

func newLayout(region *shm.Region, version uint16) (*Layout, error) {
	l := &Layout{region: region, version: version}
	buf := region.Bytes()
	for i := 0; i < RingCount; i++ {
		descOff := HeaderSize + i*DescriptorSize
		desc := buf[descOff:]
		dataOffset := int(binary.LittleEndian.Uint32(desc[0:4]))
		capacity := int(binary.LittleEndian.Uint32(desc[4:8]))
		if capacity < MinCapacity || dataOffset%8 != 0 || dataOffset < HeaderSize+RingCount*DescriptorSize || dataOffset+capacity > len(buf) {
			return nil, dumperr.New(dumperr.ErrProtocolViolation, "attach", errors.Errorf("ring %d descriptor out of bounds (offset %d, capacity %d)", i, dataOffset, capacity))
		}
		l.rings[i] = &Ring{
			id:       RingID(i),
			data:     buf[dataOffset : dataOffset+capacity],
			capacity: uint64(capacity),
			head:     region.Uint64(descOff + offHead),
			tail:     region.Uint64(descOff + offTail),
		}
	}
	return l, nil
}

// Version returns the protocol version found in the header.
func (l *Layout) Version() uint16 { return l.version }

// Region returns the underlying region.
func (l *Layout) Region() *shm.Region { return l.region }

// Ring returns one of the two queues.
func (l *Layout) Ring(id RingID) *Ring { return l.rings[id] }

func (l *Layout) beatWord(side Side) *uint64 {
	if side == Host {
		return l.region.Uint64(offHostBeat)
	}
	return l.region.Uint64(offGuestBeat)
}

// Beat records a heartbeat for side.
func (l *Layout) Beat(side Side, now time.Time) {
	atomic.StoreUint64(l.beatWord(side), uint64(now.UnixNano()))
}

// LastBeat returns the last heartbeat of side, or the zero time if it never beat.
func (l *Layout) LastBeat(side Side) time.Time {
	v := atomic.LoadUint64(l.beatWord(side))
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}

// Stale reports whether side has not beaten within after of now. A side
// that never beat counts as stale.
func (l *Layout) Stale(side Side, now time.Time, after time.Duration) bool {
	last := l.LastBeat(side)
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > after
}
