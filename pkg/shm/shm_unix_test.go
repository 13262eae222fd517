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

//go:build !windows

package shm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReclaimsStaleRegion(t *testing.T) {
	name := uniqueName(t)
	path := regionPath(name)
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600), "writing leftover region file")
	t.Cleanup(func() { os.Remove(path) })

	r, err := Create(name, 8192, ACLOwnerOnly)
	require.NoError(t, err, "an unlocked leftover should be replaced")
	assert.Equal(t, 8192, r.Size(), "the new region should have the requested size")

	_, err = Create(name, 8192, ACLOwnerOnly)
	require.Error(t, err, "a region held by a live owner should not be replaced")
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, r.Close())
	assert.NoFileExists(t, path, "close should remove the backing file")
}
