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

// Package handoff defines the HandoffDescriptor, the single document that
// connects Stage-1 and Stage-2 across the intervening reboot. No in-memory
// state survives that reboot; everything Stage-2 needs is read back from
// this file.
package handoff

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// SchemaVersion is the only descriptor version this build understands.
// Stage-2 refuses to run against any other value (spec.md §6).
const SchemaVersion = 1

// FlashMode selects which shape Stage-2's Flasher will drive.
type FlashMode string

const (
	FlashModeRawImage          FlashMode = "raw_image"
	FlashModeFilesystemRestore FlashMode = "filesystem_restore"
)

// BadBlockCheck controls how aggressively Stage-2 validates destination
// media before writing to it.
type BadBlockCheck string

const (
	BadBlockCheckNone BadBlockCheck = "none"
	BadBlockCheckRO   BadBlockCheck = "ro"
	BadBlockCheckRW   BadBlockCheck = "rw"
)

// StableHandle addresses a partition using firmware-visible metadata only;
// it is never a linear device name like /dev/sda1 (I2 / Testable Property 2).
type StableHandle struct {
	StableID     string `json:"stable_id"`
	RelativePath string `json:"relative_path,omitempty"`
}

// ImageDescriptor is the discriminated description of what Stage-2 will
// write. Exactly one of RawImage or FilesystemRestore is populated,
// selected by Kind.
type ImageDescriptor struct {
	Kind             FlashMode                  `json:"kind"`
	RawImage         *RawImageSpec               `json:"raw_image,omitempty"`
	FilesystemRestore *FilesystemRestoreSpec     `json:"filesystem_restore,omitempty"`
}

// RawImageSpec is a single dd-style image written verbatim to the target
// block device.
type RawImageSpec struct {
	Path          string `json:"path"`
	OptionalDigest string `json:"optional_digest,omitempty"`
}

// PartitionArchive is one member of a filesystem_restore layout: a
// per-partition tar archive plus the partition's declared size in blocks.
type PartitionArchive struct {
	SizeBlocks     uint64 `json:"size_blocks"`
	ArchivePath    string `json:"archive_path"`
	OptionalDigest string `json:"optional_digest,omitempty"`
}

// FilesystemRestoreSpec describes a per-partition, archive-based restore:
// every named slot is optional except that at least boot and one root slot
// must be present for the layout to be consistent.
type FilesystemRestoreSpec struct {
	DeviceSlug    string                       `json:"device_slug,omitempty"`
	Partitions    map[string]PartitionArchive `json:"partitions"`
	BadBlockCheck BadBlockCheck                `json:"bad_block_check"`
	MaximiseData  bool                         `json:"maximise_data"`
	DirectIO      bool                         `json:"direct_io"`
}

// WatchdogHandle names one hardware watchdog device Stage-2 must take
// ownership of, carrying the operator's configured kick interval and
// close preference across the reboot (conf.WatchdogConfig), since none of
// Stage-1's in-memory state survives into Stage-2.
type WatchdogHandle struct {
	Path     string `json:"path"`
	Interval int    `json:"interval_seconds,omitempty"` // seconds, 0 = 10s default
	Close    bool   `json:"close,omitempty"`
}

// DebugFlags carries operator escape hatches that must never be set by
// default; they exist so a stuck migration can be diagnosed without
// rebuilding the binary.
type DebugFlags struct {
	NoFlash         bool              `json:"no_flash,omitempty"`
	DelaySeconds    int               `json:"delay_seconds,omitempty"`
	WatchdogHandles []WatchdogHandle  `json:"watchdog_handles,omitempty"`
}

// HandoffDescriptor is the document Stage-1 leaves behind for Stage-2. It
// must be self-contained: every path inside it resolves without consulting
// the live OS's mount table, because that mount table no longer exists by
// the time Stage-2 reads this file.
type HandoffDescriptor struct {
	SchemaVersion            int               `json:"schema_version"`
	RootPartitionHandle      StableHandle      `json:"root_partition_handle"`
	RestoreActionDescriptions []string         `json:"restore_actions"`
	WorkDirHandle            StableHandle      `json:"work_dir_handle"`
	Image                    ImageDescriptor   `json:"image_descriptor"`
	DeviceConfigBlobHandle   StableHandle      `json:"device_config_blob_handle"`
	NetworkConfigFileHandles []StableHandle    `json:"network_config_file_handles"`
	BackupArchiveHandle      *StableHandle     `json:"backup_archive_handle,omitempty"`
	LogSink                  string            `json:"log_sink"`
	FlashMode                FlashMode         `json:"flash_mode"`
	PostFlashCheckURL        string            `json:"post_flash_checks,omitempty"`
	PostFlashCheckTimeoutS   int               `json:"post_flash_checks_timeout_seconds,omitempty"`
	Debug                    DebugFlags        `json:"debug_flags,omitempty"`
}

// ErrUnsupportedSchema is returned by Read when the descriptor's
// schema_version does not match SchemaVersion.
var ErrUnsupportedSchema = errors.New("handoff: unsupported descriptor schema version")

// DescriptorFileName is the deterministic name Stage-1 writes the
// descriptor under, at the root of the partition selected as Stage-2 boot
// root.
const DescriptorFileName = ".migrate-handoff.json"

// Write serializes d to path as the last artifact Stage-1 produces. Once
// this call returns successfully, Stage-1 is committed: reverting requires
// Stage-2's restore path, not Stage-1's.
func Write(path string, d *HandoffDescriptor) error {
	if err := d.Validate(); err != nil {
		return errors.Wrap(err, "handoff: refusing to write invalid descriptor")
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Wrap(err, "handoff: encoding descriptor")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "handoff: writing descriptor")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "handoff: renaming descriptor into place")
	}
	return nil
}

// Read loads and validates a HandoffDescriptor from path. Any schema or
// structural problem is a hard failure that routes Stage-2 into
// FAIL_RECOVER.
func Read(path string) (*HandoffDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "handoff: reading descriptor")
	}
	var d HandoffDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "handoff: decoding descriptor")
	}
	if d.SchemaVersion != SchemaVersion {
		return nil, errors.Wrapf(ErrUnsupportedSchema, "got version %d, want %d", d.SchemaVersion, SchemaVersion)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks that the root partition and work directory handles carry
// stable ids, and that the raw image path (or every partition archive path)
// stays under WorkDirHandle. The device config, network config and backup
// archive handles are not checked.
func (d *HandoffDescriptor) Validate() error {
	if d.RootPartitionHandle.StableID == "" {
		return errors.New("handoff: root_partition_handle missing stable id")
	}
	if d.WorkDirHandle.StableID == "" {
		return errors.New("handoff: work_dir_handle missing stable id")
	}
	switch d.Image.Kind {
	case FlashModeRawImage:
		if d.Image.RawImage == nil || d.Image.RawImage.Path == "" {
			return errors.New("handoff: raw_image descriptor missing path")
		}
		if !underWorkDir(d.Image.RawImage.Path) {
			return errors.New("handoff: raw_image path escapes working directory")
		}
	case FlashModeFilesystemRestore:
		fs := d.Image.FilesystemRestore
		if fs == nil {
			return errors.New("handoff: filesystem_restore descriptor missing")
		}
		if _, ok := fs.Partitions["boot"]; !ok {
			return errors.New("handoff: filesystem_restore layout missing boot partition")
		}
		if _, hasA := fs.Partitions["root_a"]; !hasA {
			if _, hasB := fs.Partitions["root_b"]; !hasB {
				return errors.New("handoff: filesystem_restore layout missing a root partition")
			}
		}
		for name, part := range fs.Partitions {
			if !underWorkDir(part.ArchivePath) {
				return errors.Errorf("handoff: archive for %s escapes working directory", name)
			}
		}
	default:
		return errors.Errorf("handoff: unknown flash_mode %q", d.Image.Kind)
	}
	return nil
}

// underWorkDir reports whether p is a relative path with no parent-directory
// escape component, i.e. it can only ever resolve inside the working
// directory it is joined against.
func underWorkDir(p string) bool {
	if filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}
