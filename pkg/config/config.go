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

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/walteh/uwpdump/pkg/ipc"
	"github.com/walteh/uwpdump/pkg/payload"
	"github.com/walteh/uwpdump/pkg/ring"
	"github.com/walteh/uwpdump/pkg/session"
	"gitlab.com/tozd/go/errors"
)

// 🔌 Parser is the interface for config parsers
type Parser interface {
	// 📝 Parse parses the config from bytes
	Parse(ctx context.Context, data []byte) (*Config, error)

	// 🔍 CanParse checks if this parser can handle the given file
	CanParse(filename string) bool
}

var (
	// 🗺️ parsers is a list of available parsers
	parsers []Parser
)

// 📝 Register registers a parser
func Register(p Parser) {
	parsers = append(parsers, p)
}

// 🎯 GetParser returns a parser that can handle the given file
func GetParser(filename string) Parser {
	for _, p := range parsers {
		if p.CanParse(filename) {
			return p
		}
	}
	return nil
}

func hasExt(filename string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// ⏱️ Backoff tunes the wait for room in a full ring
type Backoff struct {
	Initial    Duration `json:"initial,omitempty" yaml:"initial,omitempty" toml:"initial,omitempty"`
	Max        Duration `json:"max,omitempty" yaml:"max,omitempty" toml:"max,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty" toml:"multiplier,omitempty"`
	MaxWait    Duration `json:"max_wait,omitempty" yaml:"max_wait,omitempty" toml:"max_wait,omitempty"`
	Jitter     *bool    `json:"jitter,omitempty" yaml:"jitter,omitempty" toml:"jitter,omitempty"`
}

// 📚 Config represents the complete configuration
type Config struct {
	RingCapacity        int      `json:"ring_capacity,omitempty" yaml:"ring_capacity,omitempty" toml:"ring_capacity,omitempty"`
	HandshakeTimeout    Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"`
	HeartbeatInterval   Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty" toml:"heartbeat_interval,omitempty"`
	HeartbeatStaleAfter Duration `json:"heartbeat_stale_after,omitempty" yaml:"heartbeat_stale_after,omitempty" toml:"heartbeat_stale_after,omitempty"`
	ShutdownGrace       Duration `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty" toml:"shutdown_grace,omitempty"`
	PollInterval        Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	AckWait             Duration `json:"ack_wait,omitempty" yaml:"ack_wait,omitempty" toml:"ack_wait,omitempty"`
	Backoff             Backoff  `json:"backoff,omitempty" yaml:"backoff,omitempty" toml:"backoff,omitempty"`
	CopyWorkers         int      `json:"copy_workers,omitempty" yaml:"copy_workers,omitempty" toml:"copy_workers,omitempty"`
	Exclude             []string `json:"exclude,omitempty" yaml:"exclude,omitempty" toml:"exclude,omitempty"`
	Verify              bool     `json:"verify,omitempty" yaml:"verify,omitempty" toml:"verify,omitempty"`
	PayloadPath         string   `json:"payload_path,omitempty" yaml:"payload_path,omitempty" toml:"payload_path,omitempty"`
	Output              string   `json:"output,omitempty" yaml:"output,omitempty" toml:"output,omitempty"`

	location string
}

// Default returns a validated configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// 🎯 Load loads the configuration from a file
func Load(ctx context.Context, path string) (*Config, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("path", path).Msg("loading configuration")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading config file: %w", err)
	}

	p := GetParser(path)
	if p == nil {
		return nil, errors.Errorf("no parser found for file: %s", path)
	}

	cfg, err := p.Parse(ctx, data)
	if err != nil {
		return nil, errors.Errorf("parsing config: %w", err)
	}
	cfg.location = path

	if err := cfg.Validate(); err != nil {
		return nil, errors.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Location returns the file the config was loaded from, if any.
func (cfg *Config) Location() string { return cfg.location }

func defaultDuration(d *Duration, def time.Duration, name string) error {
	switch {
	case d.Std() < 0:
		return errors.Errorf("%s must be positive, got %s", name, d)
	case d.Std() == 0:
		*d = Duration(def)
	}
	return nil
}

// 🔍 Validate fills defaults and rejects values that cannot work
func (cfg *Config) Validate() error {
	switch {
	case cfg.RingCapacity < 0:
		return errors.Errorf("ring_capacity must be positive, got %d", cfg.RingCapacity)
	case cfg.RingCapacity == 0:
		cfg.RingCapacity = ring.DefaultCapacity
	case cfg.RingCapacity < ring.MinCapacity:
		return errors.Errorf("ring_capacity must be at least %d, got %d", ring.MinCapacity, cfg.RingCapacity)
	case cfg.RingCapacity > ring.MaxCapacity:
		return errors.Errorf("ring_capacity must be at most %d, got %d", ring.MaxCapacity, cfg.RingCapacity)
	}

	def := ring.DefaultBackoff()
	for _, d := range []struct {
		v    *Duration
		def  time.Duration
		name string
	}{
		{&cfg.HandshakeTimeout, session.DefaultHandshakeTimeout, "handshake_timeout"},
		{&cfg.HeartbeatInterval, session.DefaultHeartbeatInterval, "heartbeat_interval"},
		{&cfg.HeartbeatStaleAfter, ipc.DefaultStaleAfter, "heartbeat_stale_after"},
		{&cfg.ShutdownGrace, session.DefaultShutdownGrace, "shutdown_grace"},
		{&cfg.PollInterval, session.DefaultPollInterval, "poll_interval"},
		{&cfg.AckWait, payload.DefaultAckWait, "ack_wait"},
		{&cfg.Backoff.Initial, def.Initial, "backoff.initial"},
		{&cfg.Backoff.Max, def.Max, "backoff.max"},
		{&cfg.Backoff.MaxWait, def.MaxWait, "backoff.max_wait"},
	} {
		if err := defaultDuration(d.v, d.def, d.name); err != nil {
			return err
		}
	}

	if cfg.HeartbeatStaleAfter.Std() <= cfg.HeartbeatInterval.Std() {
		return errors.Errorf("heartbeat_stale_after (%s) must exceed heartbeat_interval (%s)", cfg.HeartbeatStaleAfter, cfg.HeartbeatInterval)
	}
	if cfg.Backoff.Max.Std() < cfg.Backoff.Initial.Std() {
		return errors.Errorf("backoff.max (%s) must not be below backoff.initial (%s)", cfg.Backoff.Max, cfg.Backoff.Initial)
	}
	switch {
	case cfg.Backoff.Multiplier == 0:
		cfg.Backoff.Multiplier = def.Multiplier
	case cfg.Backoff.Multiplier < 1:
		return errors.Errorf("backoff.multiplier must be at least 1, got %g", cfg.Backoff.Multiplier)
	}
	if cfg.Backoff.Jitter == nil {
		jitter := def.Jitter
		cfg.Backoff.Jitter = &jitter
	}

	if cfg.CopyWorkers < 0 {
		return errors.Errorf("copy_workers must not be negative, got %d", cfg.CopyWorkers)
	}
	for _, pattern := range cfg.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return errors.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	if cfg.Output != "" {
		cfg.Output = filepath.Clean(cfg.Output)
	}
	if cfg.PayloadPath != "" {
		cfg.PayloadPath = filepath.Clean(cfg.PayloadPath)
	}

	return nil
}

// IPC returns the endpoint options the config describes.
func (cfg *Config) IPC() ipc.Options {
	jitter := true
	if cfg.Backoff.Jitter != nil {
		jitter = *cfg.Backoff.Jitter
	}
	return ipc.Options{
		Capacity: cfg.RingCapacity,
		Backoff: ring.Backoff{
			Initial:    cfg.Backoff.Initial.Std(),
			Max:        cfg.Backoff.Max.Std(),
			Multiplier: cfg.Backoff.Multiplier,
			MaxWait:    cfg.Backoff.MaxWait.Std(),
			Jitter:     jitter,
		},
		StaleAfter: cfg.HeartbeatStaleAfter.Std(),
	}
}

// Session returns the session settings the config describes. Roots are
// left for the caller.
func (cfg *Config) Session() session.Config {
	return session.Config{
		PayloadPath:       cfg.PayloadPath,
		Destination:       cfg.Output,
		Exclude:           cfg.Exclude,
		Workers:           cfg.CopyWorkers,
		Verify:            cfg.Verify,
		IPC:               cfg.IPC(),
		HandshakeTimeout:  cfg.HandshakeTimeout.Std(),
		PollInterval:      cfg.PollInterval.Std(),
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		ShutdownGrace:     cfg.ShutdownGrace.Std(),
	}
}

// Payload returns the guest runtime settings the config describes.
func (cfg *Config) Payload() payload.Options {
	return payload.Options{
		IPC:               cfg.IPC(),
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		PollInterval:      cfg.PollInterval.Std(),
		AckWait:           cfg.AckWait.Std(),
	}
}

// 📝 String returns a string representation of the config
func (cfg *Config) String() string {
	out := cfg.Output
	if out == "" {
		out = "<staging>"
	}
	return fmt.Sprintf("ring=%d handshake=%s workers=%d verify=%t -> %s", cfg.RingCapacity, cfg.HandshakeTimeout, cfg.CopyWorkers, cfg.Verify, out)
}
