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

package commands

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/walteh/uwpdump/cmd/uwpdump/opts"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"github.com/walteh/uwpdump/pkg/payload"
	"gitlab.com/tozd/go/errors"
)

// NewGuestCmd creates the hidden guest command the loopback injector starts
func NewGuestCmd(o *opts.RootOpts) *cobra.Command {
	var (
		region string
		pid    uint32
	)
	cmd := &cobra.Command{
		Use:    "guest",
		Short:  "Run the payload runtime against an existing region",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := zerolog.Ctx(cmd.Context()).With().Str("command", "guest").Logger().WithContext(cmd.Context())

			po := o.Config.Payload()
			po.RegionName = region
			po.PID = pid
			if err := payload.Run(ctx, po); err != nil && !errors.Is(err, dumperr.ErrCancelled) {
				return errors.Errorf("running payload: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "region name to map")
	cmd.Flags().Uint32Var(&pid, "pid", 0, "pid reported in the handshake")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}
