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
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/uwpdump/cmd/uwpdump/opts"
	"github.com/walteh/uwpdump/pkg/manifest"
	"github.com/walteh/uwpdump/pkg/session"
	"github.com/zeebo/blake3"
)

func TestVerifyCmd(t *testing.T) {
	sum := blake3.Sum256([]byte("hello"))
	m := &manifest.Manifest{
		Version:   manifest.Version,
		SessionID: "test",
		Files:     []manifest.Entry{{Path: "a.txt", Bytes: 5, Digest: hex.EncodeToString(sum[:])}},
	}

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "matching", content: "hello", want: session.ExitCompleted},
		{name: "modified", content: "HELLO", want: session.ExitCompletedWithErrors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte(tt.content), 0o644), "writing file")
			ctx := zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
			_, err := manifest.Write(ctx, dir, m)
			require.NoError(t, err, "writing manifest")

			o := &opts.RootOpts{}
			cmd := NewVerifyCmd(o)
			cmd.SetArgs([]string{dir})
			require.NoError(t, cmd.ExecuteContext(ctx), "running verify")
			assert.Equal(t, tt.want, o.ExitCode, "exit code")
		})
	}

	t.Run("no manifest", func(t *testing.T) {
		ctx := zerolog.New(zerolog.NewTestWriter(t)).WithContext(context.Background())
		cmd := NewVerifyCmd(&opts.RootOpts{})
		cmd.SetArgs([]string{t.TempDir()})
		cmd.SilenceUsage = true
		assert.Error(t, cmd.ExecuteContext(ctx), "missing manifest should fail")
	})
}
