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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/shm"
	"gitlab.com/tozd/go/errors"
)

const testCapacity = 256

func formatted(t *testing.T, capacity int) *Layout {
	t.Helper()
	region := shm.NewMemory("ring-test", RegionSize(capacity))
	t.Cleanup(func() { _ = region.Close() })
	l, err := Format(region, capacity)
	require.NoError(t, err, "formatting region")
	return l
}

// arenaStart is where ring 0's data begins in a freshly formatted region.
const arenaStart = HeaderSize + RingCount*DescriptorSize

func TestPushPopOrder(t *testing.T) {
	l := formatted(t, 4096)
	r := l.Ring(Commands)
	p, c := r.Producer(), r.Consumer()

	var want []Frame
	for i := 0; i < 20; i++ {
		f := Frame{Tag: byte(i), Payload: bytes.Repeat([]byte{byte(i)}, i*7)}
		want = append(want, f)
		require.NoError(t, p.Push(f.Tag, f.Payload), "push %d", i)
	}

	for i, w := range want {
		got, err := c.Pop()
		require.NoError(t, err, "pop %d", i)
		assert.Equal(t, w.Tag, got.Tag, "tag of frame %d", i)
		assert.Equal(t, len(w.Payload), len(got.Payload), "length of frame %d", i)
		assert.True(t, bytes.Equal(w.Payload, got.Payload), "payload of frame %d", i)
	}

	_, err := c.Pop()
	assert.ErrorIs(t, err, dumperr.ErrEmpty, "drained ring should be empty")
	assert.Equal(t, 0, r.Used())
}

func TestPushWouldBlockKeepsFrames(t *testing.T) {
	l := formatted(t, testCapacity)
	r := l.Ring(Events)
	p, c := r.Producer(), r.Consumer()

	first := bytes.Repeat([]byte{0xaa}, 200)
	require.NoError(t, p.Push(1, first))

	err := p.Push(2, bytes.Repeat([]byte{0xbb}, 50))
	require.ErrorIs(t, err, dumperr.ErrWouldBlock, "second frame should not fit")
	assert.Equal(t, 200+FrameOverhead, r.Used(), "failed push should not change the ring")

	got, err := c.Pop()
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.Tag)
	assert.Equal(t, first, got.Payload, "unread frame should survive a blocked push")

	require.NoError(t, p.Push(2, bytes.Repeat([]byte{0xbb}, 50)), "push should succeed after a pop")
}

func TestFrameTooLarge(t *testing.T) {
	l := formatted(t, testCapacity)
	p := l.Ring(Commands).Producer()

	err := p.Push(1, make([]byte, testCapacity-FrameOverhead+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	require.NoError(t, p.Push(1, make([]byte, testCapacity-FrameOverhead)), "frame of exactly capacity bytes should fit an empty ring")
	assert.Equal(t, 0, l.Ring(Commands).Free())
}

func TestWrapAround(t *testing.T) {
	l := formatted(t, testCapacity)
	r := l.Ring(Commands)
	p, c := r.Producer(), r.Consumer()

	for i := 0; i < 50; i++ {
		payload := make([]byte, 100+i%13)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		require.NoError(t, p.Push(byte(i), payload), "push %d", i)

		got, err := c.Pop()
		require.NoError(t, err, "pop %d", i)
		assert.Equal(t, byte(i), got.Tag)
		assert.Equal(t, payload, got.Payload, "frame %d should survive wrapping", i)
	}
}

func TestPopChecksumViolation(t *testing.T) {
	l := formatted(t, testCapacity)
	r := l.Ring(Commands)
	require.NoError(t, r.Producer().Push(3, []byte("hello")))

	l.Region().Bytes()[arenaStart+FrameOverhead] ^= 0xff

	_, err := r.Consumer().Pop()
	require.ErrorIs(t, err, dumperr.ErrProtocolViolation)
	assert.Equal(t, 5+FrameOverhead, r.Used(), "a bad frame should not be consumed")
}

func TestPopLengthViolation(t *testing.T) {
	l := formatted(t, testCapacity)
	r := l.Ring(Commands)
	require.NoError(t, r.Producer().Push(3, []byte("hello")))

	binary.LittleEndian.PutUint32(l.Region().Bytes()[arenaStart:], 1000)

	_, err := r.Consumer().Pop()
	require.ErrorIs(t, err, dumperr.ErrProtocolViolation)
}

func TestAttach(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(region *shm.Region)
		wantErr error
		layout  bool
	}{
		{
			name:    "formatted",
			prepare: func(region *shm.Region) { _, _ = Format(region, testCapacity) },
			layout:  true,
		},
		{
			name:    "zeroed region",
			prepare: func(region *shm.Region) {},
			wantErr: dumperr.ErrProtocolViolation,
		},
		{
			name:    "other version",
			prepare: func(region *shm.Region) { _, _ = format(region, testCapacity, Version+1) },
			wantErr: dumperr.ErrProtocolMismatch,
			layout:  true,
		},
		{
			name: "bad ring count",
			prepare: func(region *shm.Region) {
				_, _ = Format(region, testCapacity)
				region.Bytes()[6] = 3
			},
			wantErr: dumperr.ErrProtocolViolation,
		},
		{
			name: "descriptor out of bounds",
			prepare: func(region *shm.Region) {
				_, _ = Format(region, testCapacity)
				binary.LittleEndian.PutUint32(region.Bytes()[HeaderSize+4:], 1<<30)
			},
			wantErr: dumperr.ErrProtocolViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			region := shm.NewMemory("attach", RegionSize(testCapacity))
			tt.prepare(region)

			l, err := Attach(region)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.layout, l != nil, "layout presence")
		})
	}
}

func TestFormatCapacityBounds(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantErr  string
	}{
		{name: "below minimum", capacity: MinCapacity - 8, wantErr: "below minimum"},
		{name: "above maximum", capacity: MaxCapacity + 8, wantErr: "above maximum"},
		{name: "region too small", capacity: 2 * testCapacity, wantErr: "too small"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			region := shm.NewMemory("bounds", RegionSize(testCapacity))
			_, err := Format(region, tt.capacity)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.LessOrEqual(t, uint64(RegionSize(MaxCapacity)), uint64(1<<32-1), "largest region fits descriptor fields")
}

func TestAttachSharesRings(t *testing.T) {
	host := formatted(t, testCapacity)
	guest, err := Attach(host.Region())
	require.NoError(t, err)
	assert.Equal(t, Version, guest.Version())

	require.NoError(t, host.Ring(Commands).Producer().Push(9, []byte("start")))
	f, err := guest.Ring(Commands).Consumer().Pop()
	require.NoError(t, err)
	assert.Equal(t, "start", string(f.Payload))
}

func TestHeartbeat(t *testing.T) {
	l := formatted(t, testCapacity)
	now := time.Unix(1700000000, 0)

	assert.True(t, l.LastBeat(Guest).IsZero(), "no beat yet")
	assert.True(t, l.Stale(Guest, now, time.Second), "never beaten counts as stale")

	l.Beat(Guest, now)
	assert.True(t, l.LastBeat(Guest).Equal(now))
	assert.False(t, l.Stale(Guest, now.Add(500*time.Millisecond), time.Second))
	assert.True(t, l.Stale(Guest, now.Add(2*time.Second), time.Second))
	assert.True(t, l.LastBeat(Host).IsZero(), "sides should be independent")
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: 8 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Millisecond},
		{attempt: 2, want: 2 * time.Millisecond},
		{attempt: 3, want: 4 * time.Millisecond},
		{attempt: 4, want: 8 * time.Millisecond},
		{attempt: 10, want: 8 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, b.Delay(tt.attempt, nil))
		})
	}

	b.Jitter = true
	assert.Equal(t, 4*time.Millisecond, b.Delay(4, nil), "jitter without a source halves the delay")
}

func TestPushWaitTimeout(t *testing.T) {
	l := formatted(t, testCapacity)
	p := l.Ring(Events).Producer()
	require.NoError(t, p.Push(1, make([]byte, 200)))

	b := Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2, MaxWait: 30 * time.Millisecond}
	start := time.Now()
	err := p.PushWait(context.Background(), 2, make([]byte, 100), b)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, dumperr.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "should keep retrying until MaxWait")
	assert.Less(t, elapsed, time.Second, "should stop soon after MaxWait")
}

func TestPushWaitCancelled(t *testing.T) {
	l := formatted(t, testCapacity)
	p := l.Ring(Events).Producer()
	require.NoError(t, p.Push(1, make([]byte, 200)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.PushWait(ctx, 2, make([]byte, 100), DefaultBackoff())
	require.ErrorIs(t, err, dumperr.ErrCancelled)
}

func TestPushWaitPassesThroughErrors(t *testing.T) {
	l := formatted(t, testCapacity)
	err := l.Ring(Events).Producer().PushWait(context.Background(), 1, make([]byte, testCapacity), DefaultBackoff())
	require.True(t, errors.Is(err, ErrFrameTooLarge), "oversized frames should fail at once")
}

func TestConcurrentProducerConsumer(t *testing.T) {
	l := formatted(t, 1024)
	r := l.Ring(Events)
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	var pushErr error
	go func() {
		defer wg.Done()
		p := r.Producer()
		b := DefaultBackoff()
		for i := 0; i < n; i++ {
			var payload [8]byte
			binary.LittleEndian.PutUint64(payload[:], uint64(i))
			if err := p.PushWait(context.Background(), byte(i), payload[:i%9], b); err != nil {
				pushErr = err
				return
			}
		}
	}()

	c := r.Consumer()
	deadline := time.Now().Add(10 * time.Second)
	for i := 0; i < n; {
		f, err := c.Pop()
		if errors.Is(err, dumperr.ErrEmpty) {
			require.True(t, time.Now().Before(deadline), "consumer starved at frame %d", i)
			time.Sleep(10 * time.Microsecond)
			continue
		}
		require.NoError(t, err, "pop %d", i)
		require.Equal(t, byte(i), f.Tag, "frames should arrive in order")
		require.Len(t, f.Payload, i%9)
		i++
	}

	wg.Wait()
	require.NoError(t, pushErr)
}
