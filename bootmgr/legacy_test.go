// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package bootmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit-os/brownfield-migrate/probe"
)

func TestLegacyCanInstallRejectsUEFIFirmware(t *testing.T) {
	mgr := NewLegacyMenuManager(t.TempDir())
	profile := &probe.DeviceProfile{FirmwareMode: probe.FirmwareUEFI}

	err := mgr.CanInstall(profile, PlanInputs{})
	assert.Error(t, err)
}

func TestLegacyGrubDirPrefersGrub2WhenPresent(t *testing.T) {
	bootMount := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(bootMount, "boot", "grub2"), 0755))

	mgr := NewLegacyMenuManager(bootMount)
	assert.Equal(t, filepath.Join(bootMount, "boot", "grub2"), mgr.grubDir())
}

func TestLegacyGrubDirFallsBackToGrubWhenNeitherExists(t *testing.T) {
	bootMount := t.TempDir()
	mgr := NewLegacyMenuManager(bootMount)
	assert.Equal(t, filepath.Join(bootMount, "boot", "grub"), mgr.grubDir())
}

func TestLegacyInstallStagesFilesAndRestoreUndoesThem(t *testing.T) {
	bootMount := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(bootMount, "boot", "grub"), 0755))

	kernelSrc := filepath.Join(t.TempDir(), "zImage")
	require.NoError(t, os.WriteFile(kernelSrc, []byte("kernel"), 0644))

	mgr := NewLegacyMenuManager(bootMount)
	plan, err := mgr.Install(&probe.DeviceProfile{}, PlanInputs{
		KernelPath:         kernelSrc,
		Stage2RootStableID: "abc-123",
		OSName:             "migrated",
	})
	require.NoError(t, err)
	require.Len(t, plan.StagedFiles, 1)

	entriesDir := filepath.Join(bootMount, "boot", "grub", "migrate.d")
	assert.FileExists(t, filepath.Join(entriesDir, "zImage"))
	assert.FileExists(t, filepath.Join(bootMount, "boot", "grub", "custom.cfg"))
	assert.Contains(t, plan.KernelCmdline, "root=PARTUUID=abc-123")

	require.NoError(t, mgr.Restore(plan))
	assert.NoDirExists(t, entriesDir)
	assert.NoFileExists(t, filepath.Join(bootMount, "boot", "grub", "custom.cfg"))
}

func TestAsGrubPath(t *testing.T) {
	path := "/mnt/esp/boot/grub/migrate.d/zImage"
	assert.Equal(t, "/grub/migrate.d/zImage", asGrubPath(path))
}
