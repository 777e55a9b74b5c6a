// Copyright 2024 Northern.tech AS
//
//	Licensed under the Apache License, Version 2.0 (the "License");
//	you may not use this file except in compliance with the License.
//	You may obtain a copy of the License at
//
//	    http://www.apache.org/licenses/LICENSE-2.0
//
//	Unless required by applicable law or agreed to in writing, software
//	distributed under the License is distributed on an "AS IS" BASIS,
//	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//	See the License for the specific language governing permissions and
//	limitations under the License.
package conf

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = `{
  "migrate": {
    "mode": "immediate",
    "work_dir": "/data/work",
    "wifis": ["home-network"],
    "reboot": 5,
    "log": {"drive": "log-id", "level": "debug"},
    "kernel": {"path": "/data/kernel.img"},
    "initrd": {"path": "/data/initrd.img"},
    "nwmgr_files": ["/data/wifi.conf"],
    "require_nwmgr_config": true
  },
  "balena": {
    "image": {"dd": {"path": "/data/appliance.img"}},
    "app_name": "test-app"
  },
  "debug": {
    "no_flash": true
  }
}`

var testBrokenConfig = `{
  "migrate": {
    "mode": "immediate"
    "work_dir": "/data/work"
  }
}`

func writeTempConfig(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	main := writeTempConfig(t, dir, "migrate.conf", testConfig)

	cfg, err := LoadConfig(main, "")
	require.NoError(t, err)

	assert.Equal(t, ModeImmediate, cfg.Migrate.Mode)
	assert.Equal(t, "/data/work", cfg.Migrate.WorkDir)
	assert.Equal(t, []string{"home-network"}, cfg.Migrate.Wifis)
	assert.Equal(t, 5, cfg.Migrate.Reboot)
	assert.Equal(t, "debug", cfg.Migrate.Log.Level)
	assert.Equal(t, "/data/kernel.img", cfg.Migrate.Kernel.Path)
	assert.Equal(t, "/data/appliance.img", cfg.Balena.Image.DD.Path)
	assert.Equal(t, "test-app", cfg.Balena.AppName)
	assert.True(t, cfg.Debug.NoFlash)
}

func TestLoadConfigRejectsSyntaxError(t *testing.T) {
	dir := t.TempDir()
	main := writeTempConfig(t, dir, "migrate.conf", testBrokenConfig)

	_, err := LoadConfig(main, "")
	assert.Error(t, err)
}

func TestLoadConfigMergesFallbackThenMain(t *testing.T) {
	dir := t.TempDir()
	fallback := writeTempConfig(t, dir, "fallback.conf", `{"migrate": {"work_dir": "/fallback"}}`)
	main := writeTempConfig(t, dir, "main.conf", `{"migrate": {"mode": "immediate"}}`)

	cfg, err := LoadConfig(main, fallback)
	require.NoError(t, err)

	assert.Equal(t, "/fallback", cfg.Migrate.WorkDir)
	assert.Equal(t, ModeImmediate, cfg.Migrate.Mode)
}

func TestLoadConfigMainOverridesFallback(t *testing.T) {
	dir := t.TempDir()
	fallback := writeTempConfig(t, dir, "fallback.conf", `{"migrate": {"work_dir": "/fallback"}}`)
	main := writeTempConfig(t, dir, "main.conf", `{"migrate": {"work_dir": "/main"}}`)

	cfg, err := LoadConfig(main, fallback)
	require.NoError(t, err)
	assert.Equal(t, "/main", cfg.Migrate.WorkDir)
}

func TestLoadConfigNoFilesReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "missing.conf"), filepath.Join(dir, "also-missing.conf"))
	require.NoError(t, err)
	assert.Equal(t, ModePretend, cfg.Migrate.Mode)
	assert.Equal(t, DefaultWorkDir, cfg.Migrate.WorkDir)
}

func TestSaveConfigFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	main := writeTempConfig(t, dir, "migrate.conf", testConfig)
	cfg, err := LoadConfig(main, "")
	require.NoError(t, err)

	savedPath := filepath.Join(dir, "saved.conf")
	require.NoError(t, SaveConfigFile(cfg, savedPath))

	reloaded, err := LoadConfig(savedPath, "")
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestValidateRequiresWorkDirKernelInitrd(t *testing.T) {
	cfg := NewMigrateConfig()
	cfg.Migrate.RequireNwmgrConfig = false
	assert.Error(t, cfg.Validate())

	cfg.Migrate.Kernel.Path = "/data/kernel.img"
	cfg.Migrate.Initrd.Path = "/data/initrd.img"
	cfg.Balena.Image.DD = &DigestedPath{Path: "/data/appliance.img"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBothOrNeitherImageKind(t *testing.T) {
	cfg := NewMigrateConfig()
	cfg.Migrate.RequireNwmgrConfig = false
	cfg.Migrate.Kernel.Path = "/data/kernel.img"
	cfg.Migrate.Initrd.Path = "/data/initrd.img"

	assert.Error(t, cfg.Validate()) // neither dd nor fs set

	cfg.Balena.Image.DD = &DigestedPath{Path: "/data/appliance.img"}
	cfg.Balena.Image.FS = &FilesystemImageConfig{DeviceSlug: "raspberrypi4"}
	assert.Error(t, cfg.Validate()) // both set
}

func TestValidateRejectsMissingNetworkConfigWhenRequired(t *testing.T) {
	cfg := NewMigrateConfig()
	cfg.Migrate.Kernel.Path = "/data/kernel.img"
	cfg.Migrate.Initrd.Path = "/data/initrd.img"
	cfg.Balena.Image.DD = &DigestedPath{Path: "/data/appliance.img"}

	assert.Error(t, cfg.Validate())

	cfg.Migrate.NetworkConfigFiles = []string{"/data/wifi.conf"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateFilesystemRestoreRequiresBootAndRoot(t *testing.T) {
	cfg := NewMigrateConfig()
	cfg.Migrate.RequireNwmgrConfig = false
	cfg.Migrate.Kernel.Path = "/data/kernel.img"
	cfg.Migrate.Initrd.Path = "/data/initrd.img"
	cfg.Balena.Image.FS = &FilesystemImageConfig{DeviceSlug: "raspberrypi4"}

	assert.Error(t, cfg.Validate())

	cfg.Balena.Image.FS.Boot = &PartitionArchiveConfig{Blocks: 100, Archive: DigestedPath{Path: "boot.tar"}}
	assert.Error(t, cfg.Validate()) // still missing a root partition

	cfg.Balena.Image.FS.RootA = &PartitionArchiveConfig{Blocks: 1000, Archive: DigestedPath{Path: "root_a.tar"}}
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingMainWithFallbackPresentSucceeds(t *testing.T) {
	dir := t.TempDir()
	fallback := writeTempConfig(t, dir, "fallback.conf", testConfig)

	cfg, err := LoadConfig(filepath.Join(dir, "missing-main.conf"), fallback)
	require.NoError(t, err)
	assert.Equal(t, ModeImmediate, cfg.Migrate.Mode)
}
