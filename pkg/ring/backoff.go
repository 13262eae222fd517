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
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
)

// ⏳ Backoff bounds how long a producer retries a full ring
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxWait    time.Duration
	Jitter     bool
}

// DefaultBackoff returns the retry policy used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    200 * time.Microsecond,
		Max:        10 * time.Millisecond,
		Multiplier: 2,
		MaxWait:    5 * time.Second,
		Jitter:     true,
	}
}

// Delay returns the wait before attempt n (1-based).
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return b.Initial
	}
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// PushWait pushes a frame, sleeping between attempts while the ring is
// full. It gives up with ErrTimeout after MaxWait and with ErrCancelled when
// ctx ends first. Any other push error is returned as is.
func (p *Producer) PushWait(ctx context.Context, tag byte, payload []byte, b Backoff) error {
	start := time.Now()
	rng := rand.New(rand.NewSource(start.UnixNano()))

	for attempt := 1; ; attempt++ {
		err := p.Push(tag, payload)
		if !errors.Is(err, dumperr.ErrWouldBlock) {
			return err
		}

		waited := time.Since(start)
		if waited >= b.MaxWait {
			return dumperr.New(dumperr.ErrTimeout, "push "+p.r.id.String(), errors.Errorf("ring still full after %s", waited.Round(time.Millisecond)))
		}

		delay := b.Delay(attempt, rng)
		if delay <= 0 {
			delay = time.Microsecond
		}
		if remaining := b.MaxWait - waited; delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return dumperr.New(dumperr.ErrCancelled, "push "+p.r.id.String(), ctx.Err())
		case <-timer.C:
		}
	}
}
