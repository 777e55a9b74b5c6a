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

// Package conf parses the migration configuration document: a structured,
// human-editable JSON file with three top-level sections (migrate, balena,
// debug) that together describe what an engine run should do.
package conf

import (
	"encoding/json"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RunMode selects whether a run reports what it would do or actually
// commits the device.
type RunMode string

const (
	ModePretend   RunMode = "pretend"
	ModeImmediate RunMode = "immediate"
)

// DigestedPath is a file reference with an optional hex digest, the shape
// used throughout the migration configuration wherever a single asset is
// named.
type DigestedPath struct {
	Path   string `json:"path"`
	Digest string `json:"digest,omitempty"`
}

// LogConfig names where Stage-2 should persist its log.
type LogConfig struct {
	Drive string `json:"drive"` // stable id, or "" for default
	Level string `json:"level"`
}

// BackupItem is one file or directory to carry across into the migrated
// device's first-boot backup archive.
type BackupItem struct {
	Source string `json:"source"`
	Target string `json:"target,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// BackupVolume groups BackupItems under the volume they get restored into.
type BackupVolume struct {
	Volume string       `json:"volume"`
	Items  []BackupItem `json:"items"`
}

// WatchdogConfig names a watchdog device Stage-2 must take ownership of.
type WatchdogConfig struct {
	Path     string `json:"path"`
	Interval int    `json:"interval,omitempty"` // seconds, 0 = 10s default
	Close    bool   `json:"close,omitempty"`
}

// MigrateSection is the `migrate` top-level section of the configuration
// document: everything about how this run behaves, independent of which
// appliance image is being installed.
type MigrateSection struct {
	Mode               RunMode          `json:"mode"`
	WorkDir            string           `json:"work_dir"`
	AllWifis           bool             `json:"all_wifis,omitempty"`
	Wifis              []string         `json:"wifis,omitempty"`
	Reboot             int              `json:"reboot,omitempty"` // seconds, 0 = no scheduled reboot
	Log                LogConfig        `json:"log"`
	Kernel             DigestedPath     `json:"kernel"`
	Initrd             DigestedPath     `json:"initrd"`
	DeviceTree         []DigestedPath   `json:"device_tree,omitempty"`
	Backup             []BackupVolume   `json:"backup,omitempty"`
	NetworkConfigFiles []string         `json:"nwmgr_files,omitempty"`
	GzipInternal       bool             `json:"gzip_internal,omitempty"`
	KernelOpts         string           `json:"kernel_opts,omitempty"`
	ForceFlashDevice   string           `json:"force_flash_device,omitempty"`
	Delay              int              `json:"delay,omitempty"` // seconds before arming, 0 = immediate
	Watchdogs          []WatchdogConfig `json:"watchdogs,omitempty"`
	RequireNwmgrConfig bool             `json:"require_nwmgr_config"`
}

// PartitionArchiveConfig is one partition's archive entry inside a
// filesystem_restore image section.
type PartitionArchiveConfig struct {
	Blocks  uint64       `json:"blocks"`
	Archive DigestedPath `json:"archive"`
}

// FilesystemImageConfig describes a filesystem_restore-mode image: a
// partition layout plus one archive per named partition.
type FilesystemImageConfig struct {
	DeviceSlug     string                            `json:"device_slug"`
	Check          string                            `json:"check,omitempty"` // none|ro|rw
	MaxData        bool                               `json:"max_data,omitempty"`
	MkfsDirect     bool                               `json:"mkfs_direct,omitempty"`
	ExtendedBlocks bool                               `json:"extended_blocks,omitempty"`
	Boot           *PartitionArchiveConfig            `json:"boot,omitempty"`
	RootA          *PartitionArchiveConfig            `json:"root_a,omitempty"`
	RootB          *PartitionArchiveConfig            `json:"root_b,omitempty"`
	State          *PartitionArchiveConfig            `json:"state,omitempty"`
	Data           *PartitionArchiveConfig            `json:"data,omitempty"`
}

// ImageConfig is the discriminated image_descriptor equivalent at the
// configuration-document level: exactly one of DD or FS should be set.
type ImageConfig struct {
	DD *DigestedPath          `json:"dd,omitempty"`
	FS *FilesystemImageConfig `json:"fs,omitempty"`
}

// APIConfig describes the post-flash reachability check against the
// appliance's own management API.
type APIConfig struct {
	Host  string `json:"host,omitempty"`
	Port  int    `json:"port,omitempty"`
	Check bool   `json:"check,omitempty"`
}

// BalenaSection is the `balena` top-level section: everything specific to
// the appliance image being installed, named for the image format this
// engine was built to consume.
type BalenaSection struct {
	Image         ImageConfig  `json:"image"`
	Config        DigestedPath `json:"config,omitempty"`
	AppName       string       `json:"app_name,omitempty"`
	API           APIConfig    `json:"api,omitempty"`
	CheckVPN      bool         `json:"check_vpn,omitempty"`
	CheckTimeout  int          `json:"check_timeout,omitempty"` // seconds
}

// DebugSection is the `debug` top-level section: overrides that only make
// sense for development and testing runs.
type DebugSection struct {
	NoFlash          bool   `json:"no_flash,omitempty"`
	FakeAdmin        bool   `json:"fake_admin,omitempty"`
	ForceFlashDevice string `json:"force_flash_device,omitempty"`
	SkipFlash        bool   `json:"skip_flash,omitempty"`
}

// MigrateConfig is the full migration configuration document.
type MigrateConfig struct {
	Migrate MigrateSection `json:"migrate"`
	Balena  BalenaSection  `json:"balena"`
	Debug   DebugSection   `json:"debug"`
}

// NewMigrateConfig returns a MigrateConfig populated with this engine's
// defaults, ready to be overridden by LoadConfig.
func NewMigrateConfig() *MigrateConfig {
	return &MigrateConfig{
		Migrate: MigrateSection{
			Mode:               ModePretend,
			WorkDir:            DefaultWorkDir,
			Log:                LogConfig{Level: "info"},
			RequireNwmgrConfig: true,
		},
	}
}

// LoadConfig parses the migration configuration document from a main and a
// fallback path. It is OK if either file does not exist, so long as the
// other one does; the main configuration is loaded last, so its values
// override the fallback's for keys present in both.
func LoadConfig(mainConfigFile, fallbackConfigFile string) (*MigrateConfig, error) {
	log.Info("conf: loading migration configuration")

	var filesLoadedCount int
	config := NewMigrateConfig()

	if err := loadConfigFile(fallbackConfigFile, config, &filesLoadedCount); err != nil {
		return nil, err
	}
	if err := loadConfigFile(mainConfigFile, config, &filesLoadedCount); err != nil {
		return nil, err
	}

	if filesLoadedCount == 0 {
		log.Info("conf: no configuration files present, using defaults")
		return config, nil
	}

	log.Debugf("conf: merged configuration = %#v", config)
	return config, nil
}

func loadConfigFile(configFile string, config *MigrateConfig, filesLoadedCount *int) error {
	if configFile == "" {
		return nil
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Debug("conf: configuration file does not exist: ", configFile)
		return nil
	}

	if err := readConfigFile(config, configFile); err != nil {
		log.Errorf("conf: error loading configuration from %s: %v", configFile, err)
		return err
	}

	*filesLoadedCount++
	log.Info("conf: loaded configuration file: ", configFile)
	return nil
}

func readConfigFile(config *MigrateConfig, fileName string) error {
	log.Debug("conf: reading migration configuration from ", fileName)
	data, err := ioutil.ReadFile(fileName)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, config); err != nil {
		switch err.(type) {
		case *json.SyntaxError:
			return errors.Wrap(err, "conf: error parsing migration configuration file")
		}
		return errors.Wrap(err, "conf: error parsing config file")
	}
	return nil
}

// SaveConfigFile writes config as indented JSON to the file filename, for
// any operator tool that wants to seed a starting configuration document.
// The print-config command does not use it; it marshals to stdout itself.
func SaveConfigFile(config *MigrateConfig, filename string) error {
	configJSON, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return errors.Wrap(err, "conf: error encoding configuration to JSON")
	}
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "conf: error opening configuration file")
	}
	defer f.Close()

	if _, err := f.Write(configJSON); err != nil {
		return errors.Wrap(err, "conf: error writing to configuration file")
	}
	return nil
}

// Validate checks the configuration document for the constraints the
// Asset Planner and Stage-1 Orchestrator rely on being already satisfied:
// exactly one image kind chosen, a work directory named, and (unless
// waived) at least one network configuration file declared.
func (c *MigrateConfig) Validate() error {
	if c.Migrate.WorkDir == "" {
		return errors.New("conf: migrate.work_dir is required")
	}
	if c.Migrate.Kernel.Path == "" {
		return errors.New("conf: migrate.kernel.path is required")
	}
	if c.Migrate.Initrd.Path == "" {
		return errors.New("conf: migrate.initrd.path is required")
	}

	hasDD := c.Balena.Image.DD != nil
	hasFS := c.Balena.Image.FS != nil
	if hasDD == hasFS {
		return errors.New("conf: balena.image must set exactly one of dd or fs")
	}
	if hasFS {
		fs := c.Balena.Image.FS
		if fs.Boot == nil {
			return errors.New("conf: balena.image.fs missing boot partition")
		}
		if fs.RootA == nil && fs.RootB == nil {
			return errors.New("conf: balena.image.fs missing a root partition")
		}
	}

	if c.Migrate.RequireNwmgrConfig && len(c.Migrate.NetworkConfigFiles) == 0 {
		return errors.New("conf: no network configuration files declared and requirement not waived")
	}

	return nil
}
