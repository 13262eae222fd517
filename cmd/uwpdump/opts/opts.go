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

package opts

import (
	"github.com/walteh/uwpdump/pkg/config"
)

// 🎛️ RootOpts carries what every command shares
type RootOpts struct {
	// ConfigFile is the path given with --config, if any.
	ConfigFile string
	Config     *config.Config
	Debug      bool
	// ExitCode is set by a command that finished with a status other
	// than success without failing to run.
	ExitCode int
}
