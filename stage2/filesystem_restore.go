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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/fieldkit-os/brownfield-migrate/handoff"
	"github.com/fieldkit-os/brownfield-migrate/system"
)

// partitionOrder is the balenaOS-style 5-slot device layout this engine's
// filesystem_restore mode assumes. Only the slots the descriptor actually
// carries an archive for are created, always in this order, so the table
// leaf a partition lands on never depends on map iteration order.
var partitionOrder = []string{"boot", "root_a", "root_b", "state", "data"}

// migrateMountRoot is the parent directory every migrate-* mount point in
// this package is created under; overridable in tests so they don't need
// to create directories under the real /mnt.
var migrateMountRoot = "/mnt"

// presentPartitions returns partitionOrder filtered down to the names spec
// carries an archive for.
func presentPartitions(spec *handoff.FilesystemRestoreSpec) []string {
	var names []string
	for _, name := range partitionOrder {
		if _, ok := spec.Partitions[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// cmdFor returns the Commander the Flasher was configured with, falling
// back to a real exec.Command the way finalReboot already does when none
// was supplied.
func (f *Flasher) cmdFor(name string, arg ...string) *system.Cmd {
	if f.cfg.Commander != nil {
		return f.cfg.Commander.Command(name, arg...)
	}
	return system.Command(name, arg...)
}

// diskOf strips a trailing partition number (and, for NVMe/MMC devices, the
// "p" separator) from a partition device path, returning the parent disk
// device. This mirrors probe.baseDiskOf, reimplemented here since that
// helper is unexported in its own package.
func diskOf(partitionDevice string) string {
	i := len(partitionDevice)
	for i > 0 && partitionDevice[i-1] >= '0' && partitionDevice[i-1] <= '9' {
		i--
	}
	if i > 0 && partitionDevice[i-1] == 'p' && i > 1 &&
		partitionDevice[i-2] >= '0' && partitionDevice[i-2] <= '9' {
		i--
	}
	return partitionDevice[:i]
}

// partitionDevicePath reconstructs a numbered partition's device path from
// its parent disk, the inverse of splitPartitionDevice in bootmgr/uefi.go.
func partitionDevicePath(disk string, number int) string {
	last := disk[len(disk)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", disk, number)
	}
	return fmt.Sprintf("%s%d", disk, number)
}

// partitionDisk writes a fresh GPT table to disk with one entry per name in
// order, through sfdisk's scripted stdin form. The boot slot is typed as an
// EFI System Partition ("U"); every other slot is a generic Linux
// filesystem ("L"). When maximiseData is set, the last entry's size field
// is left out so sfdisk grows it to the remainder of the disk instead of
// stopping at the archive's declared size.
func partitionDisk(f *Flasher, disk string, order []string, spec *handoff.FilesystemRestoreSpec) error {
	var script strings.Builder
	fmt.Fprintln(&script, "label: gpt")
	for i, name := range order {
		part := spec.Partitions[name]
		typeCode := "L"
		if name == "boot" {
			typeCode = "U"
		}
		last := i == len(order)-1
		if last && spec.MaximiseData {
			fmt.Fprintf(&script, "name=%q, type=%s\n", name, typeCode)
		} else {
			fmt.Fprintf(&script, "name=%q, size=%dKiB, type=%s\n", name, part.SizeBlocks/2, typeCode)
		}
	}

	c := f.cmdFor("sfdisk", disk)
	c.Stdin = strings.NewReader(script.String())
	if out, err := c.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "stage2: sfdisk on %s failed: %s", disk, out)
	}
	return nil
}

// formatPartition puts a fresh filesystem on devPath, mapping the
// descriptor's BadBlockCheck and DirectIO settings onto the mkfs flags that
// implement them: -c/-cc for a read-only/read-write bad block scan, -D to
// route writes through direct I/O instead of the page cache.
func formatPartition(f *Flasher, devPath, fsType string, spec *handoff.FilesystemRestoreSpec) error {
	switch fsType {
	case "vfat":
		args := []string{"-F", "32"}
		if spec.DirectIO {
			args = append(args, "-D")
		}
		args = append(args, devPath)
		if out, err := f.cmdFor("mkfs.vfat", args...).CombinedOutput(); err != nil {
			return errors.Wrapf(err, "stage2: mkfs.vfat on %s failed: %s", devPath, out)
		}
	default:
		args := []string{"-F"}
		switch spec.BadBlockCheck {
		case handoff.BadBlockCheckRO:
			args = append(args, "-c")
		case handoff.BadBlockCheckRW:
			args = append(args, "-c", "-c")
		}
		if spec.DirectIO {
			args = append(args, "-D")
		}
		args = append(args, devPath)
		if out, err := f.cmdFor("mkfs.ext4", args...).CombinedOutput(); err != nil {
			return errors.Wrapf(err, "stage2: mkfs.ext4 on %s failed: %s", devPath, out)
		}
	}
	return nil
}

// flashFilesystemRestore partitions the disk carrying the running root
// partition from scratch, formats and mounts each declared slot, and
// streams that slot's archive onto it. It implements spec.md §4.5's
// filesystem_restore flash mode: unlike raw_image, the destination here is
// always a fresh GPT table this call itself writes, not an existing layout
// being overwritten verbatim.
func (f *Flasher) flashFilesystemRestore(workDir string) error {
	spec := f.desc.Image.FilesystemRestore

	rootPartDevice, err := f.cfg.Resolver.ResolveStableID(f.desc.RootPartitionHandle.StableID)
	if err != nil {
		return errors.Wrap(err, "stage2: resolving flash target disk")
	}
	disk := diskOf(rootPartDevice)
	f.targetDisk = disk

	order := presentPartitions(spec)
	if err := partitionDisk(f, disk, order, spec); err != nil {
		return err
	}

	f.partitionMounts = make(map[string]string)
	for i, name := range order {
		part := spec.Partitions[name]
		devPath := partitionDevicePath(disk, i+1)

		fsType := "ext4"
		if name == "boot" {
			fsType = "vfat"
		}
		if err := formatPartition(f, devPath, fsType, spec); err != nil {
			return errors.Wrapf(err, "stage2: formatting %s for partition %s", devPath, name)
		}

		mountPoint := filepath.Join(migrateMountRoot, "migrate-"+name)
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			return errors.Wrapf(err, "stage2: creating mount point for %s", name)
		}
		if err := f.cfg.Resolver.Mount(devPath, mountPoint, fsType); err != nil {
			return errors.Wrapf(err, "stage2: mounting partition %s", name)
		}
		f.partitionMounts[name] = mountPoint

		archivePath := filepath.Join(workDir, part.ArchivePath)
		if err := ExtractPartitionArchive(archivePath, mountPoint, nil); err != nil {
			return errors.Wrapf(err, "stage2: restoring partition %s", name)
		}
	}
	return nil
}
