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

package ring

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
)

// ErrFrameTooLarge means the frame can never fit in the ring, even empty.
var ErrFrameTooLarge = errors.Base("frame too large")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Frame is one decoded ring entry.
type Frame struct {
	Tag     byte
	Payload []byte
}

// 🔁 Ring is one direction of the channel
type Ring struct {
	id       RingID
	data     []byte
	capacity uint64
	head     *uint64
	tail     *uint64
}

// ID returns which queue this is.
func (r *Ring) ID() RingID { return r.id }

// Capacity returns the arena size in bytes.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Used returns the bytes published and not yet consumed.
func (r *Ring) Used() int {
	return int(atomic.LoadUint64(r.tail) - atomic.LoadUint64(r.head))
}

// Free returns the bytes a producer could write right now.
func (r *Ring) Free() int {
	return r.Capacity() - r.Used()
}

// Producer returns the writing end. Exactly one goroutine may use it.
func (r *Ring) Producer() *Producer { return &Producer{r: r} }

// Consumer returns the reading end. Exactly one goroutine may use it.
func (r *Ring) Consumer() *Consumer { return &Consumer{r: r} }

func (r *Ring) write(pos uint64, b []byte) {
	off := pos % r.capacity
	n := copy(r.data[off:], b)
	if n < len(b) {
		copy(r.data, b[n:])
	}
}

func (r *Ring) read(pos uint64, b []byte) {
	off := pos % r.capacity
	n := copy(b, r.data[off:])
	if n < len(b) {
		copy(b[n:], r.data)
	}
}

func checksum(tag byte, payload []byte) uint32 {
	sum := crc32.Update(0, castagnoli, []byte{tag})
	return crc32.Update(sum, castagnoli, payload)
}

// ✍️ Producer appends frames
type Producer struct {
	r *Ring
}

// Push appends one frame. When the free space is short it returns
// ErrWouldBlock and leaves every unread frame untouched.
func (p *Producer) Push(tag byte, payload []byte) error {
	r := p.r
	need := uint64(FrameOverhead + len(payload))
	if need > r.capacity {
		return errors.Errorf("pushing %d byte frame to %s ring (capacity %d): %w", need, r.id, r.capacity, ErrFrameTooLarge)
	}

	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)
	used := tail - head
	if used > r.capacity {
		return dumperr.New(dumperr.ErrProtocolViolation, "push "+r.id.String(), errors.Errorf("head %d tail %d exceed capacity %d", head, tail, r.capacity))
	}
	if r.capacity-used < need {
		return dumperr.ErrWouldBlock
	}

	var hdr [FrameOverhead]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = tag
	binary.LittleEndian.PutUint32(hdr[8:12], checksum(tag, payload))

	r.write(tail, hdr[:])
	r.write(tail+FrameOverhead, payload)

	atomic.StoreUint64(r.tail, tail+need)
	return nil
}

// 📖 Consumer removes frames
type Consumer struct {
	r *Ring
}

// Pop removes the oldest frame. It returns ErrEmpty when nothing is
// published. A frame whose length or checksum does not hold is a protocol
// violation; the head is not advanced past it.
func (c *Consumer) Pop() (Frame, error) {
	r := c.r
	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)
	if head == tail {
		return Frame{}, dumperr.ErrEmpty
	}

	op := "pop " + r.id.String()
	avail := tail - head
	if avail > r.capacity {
		return Frame{}, dumperr.New(dumperr.ErrProtocolViolation, op, errors.Errorf("head %d tail %d exceed capacity %d", head, tail, r.capacity))
	}
	if avail < FrameOverhead {
		return Frame{}, dumperr.New(dumperr.ErrProtocolViolation, op, errors.Errorf("%d published bytes shorter than a frame header", avail))
	}

	var hdr [FrameOverhead]byte
	r.read(head, hdr[:])
	length := uint64(binary.LittleEndian.Uint32(hdr[0:4]))
	if length+FrameOverhead > avail {
		return Frame{}, dumperr.New(dumperr.ErrProtocolViolation, op, errors.Errorf("frame length %d exceeds %d published bytes", length, avail-FrameOverhead))
	}

	f := Frame{Tag: hdr[4], Payload: make([]byte, length)}
	r.read(head+FrameOverhead, f.Payload)

	if want, got := binary.LittleEndian.Uint32(hdr[8:12]), checksum(f.Tag, f.Payload); want != got {
		return Frame{}, dumperr.New(dumperr.ErrProtocolViolation, op, errors.Errorf("checksum 0x%08x, computed 0x%08x", want, got))
	}

	atomic.StoreUint64(r.head, head+FrameOverhead+length)
	return f, nil
}
