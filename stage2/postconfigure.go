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

package stage2

import (
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldkit-os/brownfield-migrate/conf"
	"github.com/fieldkit-os/brownfield-migrate/handoff"
	"github.com/fieldkit-os/brownfield-migrate/migrationlog"
)

// postConfigureMounts locates the migrated boot and data partitions so
// POST_CONFIGURE can write into them. filesystem_restore mode already has
// them mounted from FLASH; raw_image mode has to mount them fresh off the
// disk the image was just written to, following the balenaOS convention its
// device_slug describes: partition 1 is boot, partition 6 is data. A mount
// failure here does not fail the migration -- the appliance image's own
// init still owns these partitions on its first boot -- so it only logs.
func (f *Flasher) postConfigureMounts() (bootMount, dataMount string) {
	if f.desc.FlashMode == handoff.FlashModeFilesystemRestore {
		return f.partitionMounts["boot"], f.partitionMounts["data"]
	}

	bootDev := partitionDevicePath(f.targetDisk, 1)
	bootMountPoint := filepath.Join(migrateMountRoot, "migrate-boot")
	if err := os.MkdirAll(bootMountPoint, 0755); err != nil {
		log.Warnf("stage2: post-configure could not create boot mount point: %v", err)
	} else if err := f.cfg.Resolver.Mount(bootDev, bootMountPoint, "vfat"); err != nil {
		log.Warnf("stage2: post-configure could not mount boot partition %s: %v", bootDev, err)
	} else {
		bootMount = bootMountPoint
	}

	dataDev := partitionDevicePath(f.targetDisk, 6)
	dataMountPoint := filepath.Join(migrateMountRoot, "migrate-data")
	if err := os.MkdirAll(dataMountPoint, 0755); err != nil {
		log.Warnf("stage2: post-configure could not create data mount point: %v", err)
	} else if err := f.cfg.Resolver.Mount(dataDev, dataMountPoint, "ext4"); err != nil {
		log.Warnf("stage2: post-configure could not mount data partition %s: %v", dataDev, err)
	} else {
		dataMount = dataMountPoint
	}
	return bootMount, dataMount
}

// postConfigure implements spec.md §4.5's POST_CONFIGURE state: inject the
// device config blob and network connection files the migrated OS expects
// on first boot, unpack any carried-over backup archive, and record that
// this attempt reached flashing in the persistent attempt history. None of
// these failing aborts the migration -- by this point FLASH has already
// committed -- so every step only warns.
func (f *Flasher) postConfigure() error {
	bootMount, dataMount := f.postConfigureMounts()

	if f.desc.DeviceConfigBlobHandle.RelativePath != "" && bootMount != "" {
		src := filepath.Join(f.stagedWorkDir, f.desc.DeviceConfigBlobHandle.RelativePath)
		dst := filepath.Join(bootMount, "config.json")
		if err := copyRegularFile(src, dst, 0644); err != nil {
			log.Warnf("stage2: post-configure could not write device config blob: %v", err)
		}
	}

	if dataMount != "" && len(f.desc.NetworkConfigFileHandles) > 0 {
		connDir := filepath.Join(dataMount, "system-connections")
		if err := os.MkdirAll(connDir, 0700); err != nil {
			log.Warnf("stage2: post-configure could not create system-connections directory: %v", err)
		} else {
			for _, h := range f.desc.NetworkConfigFileHandles {
				src := filepath.Join(f.stagedWorkDir, h.RelativePath)
				dst := filepath.Join(connDir, filepath.Base(h.RelativePath))
				if err := copyRegularFile(src, dst, 0600); err != nil {
					log.Warnf("stage2: post-configure could not copy network config %s: %v", h.RelativePath, err)
				}
			}
		}
	}

	if f.desc.BackupArchiveHandle != nil && dataMount != "" {
		archivePath := filepath.Join(f.stagedWorkDir, f.desc.BackupArchiveHandle.RelativePath)
		backupDir := filepath.Join(dataMount, "migrate-backup")
		if err := os.MkdirAll(backupDir, 0755); err != nil {
			log.Warnf("stage2: post-configure could not create backup restore directory: %v", err)
		} else if err := ExtractPartitionArchive(archivePath, backupDir, nil); err != nil {
			log.Warnf("stage2: post-configure could not unpack backup archive: %v", err)
		}
	}

	f.writeStage2Log()

	if f.desc.PostFlashCheckURL == "" {
		return nil
	}
	// The reachability probe itself runs after reboot, from the migrated
	// OS's own init system; Stage-2 only records that one was requested.
	log.Infof("stage2: post-flash reachability check requested: %s", f.desc.PostFlashCheckURL)
	return nil
}

// writeStage2Log records that this attempt reached flashing into the
// persistent migrationlog store, mounted from the descriptor's log sink
// stable id when one is named, falling back to conf.DefaultMigrationLogPath
// the way the CLI's own history lookups do. Like the rest of
// POST_CONFIGURE, failure here is only ever logged.
func (f *Flasher) writeStage2Log() {
	dir := conf.DefaultMigrationLogPath
	if f.desc.LogSink != "" {
		devPath, err := f.cfg.Resolver.ResolveStableID(f.desc.LogSink)
		if err != nil {
			log.Warnf("stage2: could not resolve log sink %s, falling back to %s: %v", f.desc.LogSink, dir, err)
		} else {
			mountPoint := filepath.Join(migrateMountRoot, "migrate-log")
			if err := os.MkdirAll(mountPoint, 0755); err != nil {
				log.Warnf("stage2: could not create log sink mount point: %v", err)
			} else if err := f.cfg.Resolver.Mount(devPath, mountPoint, ""); err != nil {
				log.Warnf("stage2: could not mount log sink %s, falling back to %s: %v", f.desc.LogSink, dir, err)
			} else {
				dir = mountPoint
			}
		}
	}

	store, err := migrationlog.Open(dir)
	if err != nil {
		log.Warnf("stage2: opening attempt history at %s: %v", dir, err)
		return
	}
	defer store.Close()

	if err := store.Record(migrationlog.Attempt{
		StartedUnix:  f.startedUnix,
		FinishedUnix: time.Now().Unix(),
		Stage:        migrationlog.StageFlashing,
	}); err != nil {
		log.Warnf("stage2: recording final attempt history: %v", err)
	}
}
