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

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit-os/brownfield-migrate/asset"
	"github.com/fieldkit-os/brownfield-migrate/bootmgr"
	"github.com/fieldkit-os/brownfield-migrate/conf"
	"github.com/fieldkit-os/brownfield-migrate/handoff"
	"github.com/fieldkit-os/brownfield-migrate/probe"
	"github.com/fieldkit-os/brownfield-migrate/stage1"
)

func baseTestConfig() *conf.MigrateConfig {
	cfg := conf.NewMigrateConfig()
	cfg.Migrate.Kernel = conf.DigestedPath{Path: "/boot/vmlinuz"}
	cfg.Migrate.Initrd = conf.DigestedPath{Path: "/boot/initrd.img"}
	cfg.Migrate.WorkDir = "/var/lib/migrate/work"
	cfg.Migrate.NetworkConfigFiles = []string{"wifi.nwmgr"}
	cfg.Balena.Image = conf.ImageConfig{DD: &conf.DigestedPath{Path: "/data/appliance.img", Digest: "abc123"}}
	return cfg
}

func TestBuildMigrationPlanRawImage(t *testing.T) {
	cfg := baseTestConfig()

	declared, descriptor, err := buildMigrationPlan(cfg)
	require.NoError(t, err)

	var kernel, image bool
	for _, d := range declared {
		if d.Label == "kernel" {
			kernel = true
			assert.Equal(t, asset.KindBootArea, d.Kind)
		}
		if d.Label == "appliance image" {
			image = true
			assert.Equal(t, asset.KindWorkingSet, d.Kind)
		}
	}
	assert.True(t, kernel, "kernel should be declared")
	assert.True(t, image, "appliance image should be declared")

	assert.Equal(t, handoff.FlashModeRawImage, descriptor.FlashMode)
	require.NotNil(t, descriptor.Image.RawImage)
	assert.Equal(t, "/data/appliance.img", descriptor.Image.RawImage.Path)
}

func TestBuildMigrationPlanFilesystemRestore(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Balena.Image = conf.ImageConfig{
		FS: &conf.FilesystemImageConfig{
			DeviceSlug: "raspberrypi4-64",
			Boot:       &conf.PartitionArchiveConfig{Blocks: 1024, Archive: conf.DigestedPath{Path: "/data/boot.tar"}},
			RootA:      &conf.PartitionArchiveConfig{Blocks: 4096, Archive: conf.DigestedPath{Path: "/data/rootA.tar"}},
		},
	}

	declared, descriptor, err := buildMigrationPlan(cfg)
	require.NoError(t, err)

	assert.Equal(t, handoff.FlashModeFilesystemRestore, descriptor.FlashMode)
	require.NotNil(t, descriptor.Image.FilesystemRestore)
	assert.Equal(t, "raspberrypi4-64", descriptor.Image.FilesystemRestore.DeviceSlug)
	assert.Contains(t, descriptor.Image.FilesystemRestore.Partitions, "boot")
	assert.Contains(t, descriptor.Image.FilesystemRestore.Partitions, "root_a")

	var foundArchive bool
	for _, d := range declared {
		if d.Label == "partition archive boot" {
			foundArchive = true
			assert.Equal(t, asset.KindWorkingSet, d.Kind)
		}
	}
	assert.True(t, foundArchive)
}

func TestBuildMigrationPlanRejectsNeitherImageKind(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Balena.Image = conf.ImageConfig{}

	_, _, err := buildMigrationPlan(cfg)
	assert.Error(t, err)
}

func TestClassifyStage1ErrorPreconditions(t *testing.T) {
	cases := []error{
		stage1.ErrAlreadyRunning,
		probe.ErrInsufficientPrivilege,
		probe.ErrUnsupportedDevice,
		probe.ErrUnsupportedFirmware,
		bootmgr.ErrNoViableBootPath,
		asset.ErrNoNetworkConfig,
	}
	for _, base := range cases {
		wrapped := errors.Wrap(base, "wrapped")
		assert.Equal(t, 1, classifyStage1Error(wrapped), base.Error())
	}
}

func TestClassifyStage1ErrorOther(t *testing.T) {
	assert.Equal(t, 2, classifyStage1Error(errors.New("unexpected install failure")))
}

func TestCheckHostOSWhitelistAtAllowed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "os-release")
	require.NoError(t, os.WriteFile(path, []byte("ID=debian\nVERSION_ID=\"12\"\n"), 0644))

	assert.NoError(t, checkHostOSWhitelistAt(path))
}

func TestCheckHostOSWhitelistAtDisallowed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "os-release")
	require.NoError(t, os.WriteFile(path, []byte("ID=arch\n"), 0644))

	err := checkHostOSWhitelistAt(path)
	assert.Error(t, err)
}

func TestCheckHostOSWhitelistAtMissingFile(t *testing.T) {
	err := checkHostOSWhitelistAt(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestApplyMigrateOverrides(t *testing.T) {
	cfg := baseTestConfig()
	opts := &runOptionsType{
		workDir:          "/override/work",
		imagePath:        "/override/image.img",
		pretend:          true,
		rebootAfter:      30,
		skipFlash:        true,
		forceFlashDevice: "/dev/mmcblk0",
		wifis:            []string{"home", "office"},
		allWifis:         true,
	}

	applyMigrateOverrides(cfg, opts)

	assert.Equal(t, "/override/work", cfg.Migrate.WorkDir)
	require.NotNil(t, cfg.Balena.Image.DD)
	assert.Equal(t, "/override/image.img", cfg.Balena.Image.DD.Path)
	assert.Equal(t, conf.ModePretend, cfg.Migrate.Mode)
	assert.Equal(t, 30, cfg.Migrate.Reboot)
	assert.True(t, cfg.Debug.SkipFlash)
	assert.Equal(t, "/dev/mmcblk0", cfg.Migrate.ForceFlashDevice)
	assert.Equal(t, "/dev/mmcblk0", cfg.Debug.ForceFlashDevice)
	assert.Equal(t, []string{"home", "office"}, cfg.Migrate.Wifis)
	assert.True(t, cfg.Migrate.AllWifis)
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Equal(t, []string{"a", "b"}, splitCSV("a,b"))
}

func TestApplyMigrateOverridesLeavesDefaultsAlone(t *testing.T) {
	cfg := baseTestConfig()
	orig := cfg.Migrate.WorkDir

	applyMigrateOverrides(cfg, &runOptionsType{})

	assert.Equal(t, orig, cfg.Migrate.WorkDir)
	assert.False(t, cfg.Debug.SkipFlash)
}
