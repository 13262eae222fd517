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

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gitlab.com/tozd/go/errors"
)

func init() {
	Register(&HCLParser{})
}

// 🔧 HCLParser implements the Parser interface for HCL files
type HCLParser struct{}

// 🔍 CanParse checks if this parser can handle the given file
func (p *HCLParser) CanParse(filename string) bool {
	return hasExt(filename, ".hcl")
}

type hclBackoff struct {
	Initial    *string  `hcl:"initial,optional"`
	Max        *string  `hcl:"max,optional"`
	Multiplier *float64 `hcl:"multiplier,optional"`
	MaxWait    *string  `hcl:"max_wait,optional"`
	Jitter     *bool    `hcl:"jitter,optional"`
}

type hclConfig struct {
	RingCapacity        *int        `hcl:"ring_capacity,optional"`
	HandshakeTimeout    *string     `hcl:"handshake_timeout,optional"`
	HeartbeatInterval   *string     `hcl:"heartbeat_interval,optional"`
	HeartbeatStaleAfter *string     `hcl:"heartbeat_stale_after,optional"`
	ShutdownGrace       *string     `hcl:"shutdown_grace,optional"`
	PollInterval        *string     `hcl:"poll_interval,optional"`
	AckWait             *string     `hcl:"ack_wait,optional"`
	Backoff             *hclBackoff `hcl:"backoff,block"`
	CopyWorkers         *int        `hcl:"copy_workers,optional"`
	Exclude             []string    `hcl:"exclude,optional"`
	Verify              *bool       `hcl:"verify,optional"`
	PayloadPath         *string     `hcl:"payload_path,optional"`
	Output              *string     `hcl:"output,optional"`
}

func setDuration(dst *Duration, src *string) error {
	if src == nil {
		return nil
	}
	return dst.UnmarshalText([]byte(*src))
}

// 📝 Parse parses the config from HCL
func (p *HCLParser) Parse(ctx context.Context, data []byte) (*Config, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(data, "config.hcl")
	if diags.HasErrors() {
		return nil, errors.Errorf("parsing HCL: %s", diags.Error())
	}

	// Create evaluation context
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{},
	}

	var raw hclConfig
	diags = gohcl.DecodeBody(hclFile.Body, evalCtx, &raw)
	if diags.HasErrors() {
		return nil, errors.Errorf("decoding HCL: %s", diags.Error())
	}

	cfg := &Config{Exclude: raw.Exclude}
	if raw.RingCapacity != nil {
		cfg.RingCapacity = *raw.RingCapacity
	}
	if raw.CopyWorkers != nil {
		cfg.CopyWorkers = *raw.CopyWorkers
	}
	if raw.Verify != nil {
		cfg.Verify = *raw.Verify
	}
	if raw.PayloadPath != nil {
		cfg.PayloadPath = *raw.PayloadPath
	}
	if raw.Output != nil {
		cfg.Output = *raw.Output
	}

	durations := []struct {
		dst *Duration
		src *string
	}{
		{&cfg.HandshakeTimeout, raw.HandshakeTimeout},
		{&cfg.HeartbeatInterval, raw.HeartbeatInterval},
		{&cfg.HeartbeatStaleAfter, raw.HeartbeatStaleAfter},
		{&cfg.ShutdownGrace, raw.ShutdownGrace},
		{&cfg.PollInterval, raw.PollInterval},
		{&cfg.AckWait, raw.AckWait},
	}
	if b := raw.Backoff; b != nil {
		durations = append(durations, []struct {
			dst *Duration
			src *string
		}{
			{&cfg.Backoff.Initial, b.Initial},
			{&cfg.Backoff.Max, b.Max},
			{&cfg.Backoff.MaxWait, b.MaxWait},
		}...)
		if b.Multiplier != nil {
			cfg.Backoff.Multiplier = *b.Multiplier
		}
		cfg.Backoff.Jitter = b.Jitter
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.src); err != nil {
			return nil, errors.Errorf("decoding HCL: %w", err)
		}
	}

	return cfg, nil
}
