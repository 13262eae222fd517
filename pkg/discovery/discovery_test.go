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

package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walteh/uwpdump/pkg/dumperr"
	"gitlab.com/tozd/go/errors"
)

var candidates = StaticEnumerator{
	{PID: 100, Name: "Calculator.exe", PackageFullName: "Microsoft.WindowsCalculator_11.2_x64__8wekyb3d8bbwe", PackageFamilyName: "Microsoft.WindowsCalculator_8wekyb3d8bbwe"},
	{PID: 200, Name: "Game.exe", PackageFullName: "Studio.Game_1.0.0.0_x64__abc", PackageFamilyName: "Studio.Game_abc"},
	{PID: 201, Name: "GameLauncher.exe", PackageFullName: "Studio.Game_1.0.0.0_x64__abc", PackageFamilyName: "Studio.Game_abc"},
	{PID: 300, Name: "OldGame.exe", PackageFullName: "Retro.OldGame_2.0.0.0_x86__xyz", PackageFamilyName: "Retro.OldGame_xyz"},
}

type failingEnumerator struct{}

func (failingEnumerator) List(ctx context.Context) ([]Target, error) {
	return nil, errors.New("enumeration unavailable")
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		sel     Selector
		wantPID uint32
		wantErr error
	}{
		{name: "by pid", sel: Selector{PID: 200}, wantPID: 200},
		{name: "by name substring", sel: Selector{Name: "calc"}, wantPID: 100},
		{name: "by family", sel: Selector{Package: "windowscalculator"}, wantPID: 100},
		{name: "exact name wins", sel: Selector{Name: "game.exe"}, wantPID: 200},
		{name: "pid and package", sel: Selector{PID: 201, Package: "Studio.Game"}, wantPID: 201},
		{name: "ambiguous package", sel: Selector{Package: "Studio"}, wantErr: ErrAmbiguousTarget},
		{name: "ambiguous name", sel: Selector{Name: "game"}, wantErr: ErrAmbiguousTarget},
		{name: "no match", sel: Selector{Name: "notepad"}, wantErr: dumperr.ErrProcessNotFound},
		{name: "pid conflicts with name", sel: Selector{PID: 100, Name: "game"}, wantErr: dumperr.ErrProcessNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(context.Background(), candidates, tt.sel)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPID, got.PID)
		})
	}
}

func TestResolveAmbiguousCandidates(t *testing.T) {
	_, err := Resolve(context.Background(), candidates, Selector{Package: "abc"})
	var amb *AmbiguousError
	require.True(t, errors.As(err, &amb))
	assert.Len(t, amb.Candidates, 2)
	assert.Contains(t, err.Error(), "package=abc")
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve(context.Background(), candidates, Selector{})
	require.Error(t, err, "an empty selector is rejected")

	_, err = Resolve(context.Background(), failingEnumerator{}, Selector{PID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enumeration unavailable")
}

func TestStagingRoot(t *testing.T) {
	got := StagingRoot(filepath.FromSlash("/users/u/AppData/Local"), "Studio.Game_abc")
	assert.Equal(t, filepath.FromSlash("/users/u/AppData/Local/Packages/Studio.Game_abc/AC/TempState/DUMP"), got)
}

func TestFamilyName(t *testing.T) {
	pfn, ok := FamilyName("Microsoft.WindowsCalculator_11.2_x64__8wekyb3d8bbwe")
	require.True(t, ok)
	assert.Equal(t, "Microsoft.WindowsCalculator_8wekyb3d8bbwe", pfn)

	_, ok = FamilyName("not-a-full-name")
	assert.False(t, ok)
}

func TestTargetString(t *testing.T) {
	assert.Equal(t, "Game.exe (pid 200, Studio.Game_1.0.0.0_x64__abc)", candidates[1].String())
	assert.Equal(t, "x (pid 1)", Target{PID: 1, Name: "x"}.String())
}
