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

// Package probe implements the Device Probe: it produces a read-only
// DeviceProfile describing the firmware mode, architecture, RAM, device
// class and partition layout of the host the migration is running on.
package probe

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/ungerik/go-sysfs"

	"github.com/fieldkit-os/brownfield-migrate/system"
)

// FirmwareMode is the boot firmware family detected on the host.
type FirmwareMode string

const (
	FirmwareLegacy FirmwareMode = "legacy"
	FirmwareUEFI   FirmwareMode = "uefi"
)

var (
	// ErrUnsupportedDevice is returned when the device class cannot be
	// determined or is not one the migration engine recognizes.
	ErrUnsupportedDevice = errors.New("probe: unsupported device")
	// ErrInsufficientPrivilege is returned before any firmware or
	// block-device interface is touched, per the Device Probe ordering
	// rule.
	ErrInsufficientPrivilege = errors.New("probe: insufficient privilege, must run as root")
	// ErrUnsupportedFirmware is returned when the firmware is in a state
	// the migration engine refuses to operate on (secure boot enabled).
	ErrUnsupportedFirmware = errors.New("probe: unsupported firmware configuration")
)

// PartitionInfo identifies one partition of the host block device that
// carries the running root filesystem.
type PartitionInfo struct {
	BlockDevicePath string
	StableID        string // by-uuid or by-partuuid, firmware-visible
	FilesystemType  string
	MountPoint      string
	SizeBlocks      uint64
	BlockSize       uint64
	IsBoot          bool
	IsRoot          bool
}

// DeviceProfile is the immutable result of a single Device Probe run.
type DeviceProfile struct {
	Arch            string
	FirmwareMode    FirmwareMode
	SecureBoot      bool
	DeviceClass     string
	RAMTotal        uint64
	RAMAvailable    uint64
	BootBlockDevice string
	RootBlockDevice string
	Partitions      []PartitionInfo
}

// Prober collects everything Probe needs from the live system; it is an
// interface so tests can substitute a fake without touching real firmware
// or block devices.
type Prober interface {
	Euid() int
	Arch() string
	FirmwareMode() (FirmwareMode, error)
	SecureBootEnabled() (bool, error)
	MemInfo() (total, available uint64, err error)
	DeviceClass() string
	RootDevice() (string, error)
	Partitions(bootDevice string) ([]PartitionInfo, error)
}

// Probe runs the Device Probe against the live OS and returns an immutable
// DeviceProfile, or a typed precondition failure.
func Probe(p Prober) (*DeviceProfile, error) {
	// Ordering rule: fail fast on privilege before touching firmware or
	// block-device interfaces.
	if p.Euid() != 0 {
		return nil, ErrInsufficientPrivilege
	}

	firmwareMode, err := p.FirmwareMode()
	if err != nil {
		return nil, errors.Wrap(err, "probe: determining firmware mode")
	}

	secureBoot, err := p.SecureBootEnabled()
	if err != nil {
		return nil, errors.Wrap(err, "probe: determining secure boot state")
	}
	if secureBoot {
		log.Error("probe: secure boot is enabled, migration is not supported")
		return nil, ErrUnsupportedFirmware
	}

	deviceClass := p.DeviceClass()
	if deviceClass == "" {
		return nil, ErrUnsupportedDevice
	}

	ramTotal, ramAvailable, err := p.MemInfo()
	if err != nil {
		return nil, errors.Wrap(err, "probe: reading memory information")
	}

	rootDev, err := p.RootDevice()
	if err != nil {
		return nil, errors.Wrap(err, "probe: locating root block device")
	}

	parts, err := p.Partitions(rootDev)
	if err != nil {
		return nil, errors.Wrap(err, "probe: enumerating partitions")
	}

	var bootDev, rootPartDev string
	for _, part := range parts {
		if part.IsBoot {
			bootDev = part.BlockDevicePath
		}
		if part.IsRoot {
			rootPartDev = part.BlockDevicePath
		}
		if part.StableID == "" {
			return nil, errors.Errorf(
				"probe: partition %s has no firmware-visible stable id (UUID/PARTUUID)",
				part.BlockDevicePath)
		}
	}

	profile := &DeviceProfile{
		Arch:            p.Arch(),
		FirmwareMode:    firmwareMode,
		SecureBoot:      secureBoot,
		DeviceClass:     deviceClass,
		RAMTotal:        ramTotal,
		RAMAvailable:    ramAvailable,
		BootBlockDevice: bootDev,
		RootBlockDevice: rootPartDev,
		Partitions:      parts,
	}
	log.Infof("probe: device class=%s arch=%s firmware=%s ram=%d/%d",
		deviceClass, profile.Arch, firmwareMode, ramAvailable, ramTotal)
	return profile, nil
}

// LiveProber is the real Prober, backed by /proc, /sys and go-sysfs.
type LiveProber struct {
	system.StatCommander
	// DeviceClassOverride, when non-empty, is used instead of DMI
	// identifiers. Single-board computers frequently lack a DMI table;
	// this lets the migrate command's --device-class flag supply the class.
	DeviceClassOverride string
}

func (l *LiveProber) Euid() int {
	return os.Geteuid()
}

func (l *LiveProber) Arch() string {
	out, err := l.Command("uname", "-m").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (l *LiveProber) FirmwareMode() (FirmwareMode, error) {
	if _, err := os.Stat("/sys/firmware/efi"); err == nil {
		return FirmwareUEFI, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return FirmwareLegacy, nil
}

// secureBootVariable is the well-known EFI global-namespace GUID/name pair
// under which firmware exposes the SecureBoot state variable.
const secureBootVariable = "SecureBoot-8be4df61-93ca-11d2-aa0d-00e098032b8c"

func (l *LiveProber) SecureBootEnabled() (bool, error) {
	mode, err := l.FirmwareMode()
	if err != nil {
		return false, err
	}
	if mode != FirmwareUEFI {
		return false, nil
	}
	data, err := os.ReadFile("/sys/firmware/efi/efivars/" + secureBootVariable)
	if os.IsNotExist(err) {
		// No SecureBoot variable at all; treat as disabled rather
		// than refusing a perfectly ordinary UEFI box.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// The efivars file is {4-byte attributes}{variable data}; the
	// SecureBoot variable data is a single byte, 0 (disabled) or 1.
	if len(data) < 5 {
		return false, errors.New("probe: malformed SecureBoot efi variable")
	}
	return data[4] != 0, nil
}

func (l *LiveProber) MemInfo() (total, available uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		var key string
		var value uint64
		var unit string
		if _, err := fmt.Sscanf(line, "%s %d %s", &key, &value, &unit); err != nil {
			continue
		}
		switch key {
		case "MemTotal:":
			total = value * 1024
		case "MemAvailable:":
			available = value * 1024
		}
	}
	if total == 0 {
		return 0, 0, errors.New("probe: MemTotal not found in /proc/meminfo")
	}
	return total, available, scanner.Err()
}

func (l *LiveProber) DeviceClass() string {
	if l.DeviceClassOverride != "" {
		return l.DeviceClassOverride
	}
	productName := sysfs.Class.Object("dmi").SubObject("id").Attribute("product_name")
	if productName.Exists() {
		if v, err := productName.ReadString(); err == nil && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func (l *LiveProber) RootDevice() (string, error) {
	out, err := l.Command("findmnt", "-n", "-o", "SOURCE", "/").Output()
	if err != nil {
		return "", errors.Wrap(err, "probe: running findmnt for /")
	}
	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return "", errors.New("probe: could not resolve root device from mount table")
	}
	return dev, nil
}

func (l *LiveProber) Partitions(rootDev string) ([]PartitionInfo, error) {
	base := baseDiskOf(rootDev)
	entries, err := os.ReadDir("/sys/class/block")
	if err != nil {
		return nil, err
	}
	var parts []PartitionInfo
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base) || name == base {
			continue
		}
		devPath := "/dev/" + name
		stableID := resolveStableID(devPath)
		sizeSectors, _ := readSysfsUint("/sys/class/block/" + name + "/size")
		isRoot := devPath == rootDev
		parts = append(parts, PartitionInfo{
			BlockDevicePath: devPath,
			StableID:        stableID,
			SizeBlocks:      sizeSectors,
			BlockSize:       512,
			IsRoot:          isRoot,
			// IsBoot is determined by the boot manager variant,
			// not the probe; left false here.
		})
	}
	return parts, nil
}

func readSysfsUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// baseDiskOf strips a trailing partition number (and, for NVMe/MMC devices,
// the "p" separator) from a /dev/<disk><part> path, returning the bare disk
// name as it appears under /sys/class/block.
func baseDiskOf(devPath string) string {
	name := strings.TrimPrefix(devPath, "/dev/")
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i > 0 && name[i-1] == 'p' && i > 1 && (name[i-2] >= '0' && name[i-2] <= '9') {
		i--
	}
	return name[:i]
}

// resolveStableID returns the by-uuid or by-partuuid symlink name that
// resolves to devPath, or "" if none does. This is the only acceptable
// source of a partition's handoff identity (I2/Testable Property 2).
func resolveStableID(devPath string) string {
	for _, dir := range []string{"/dev/disk/by-partuuid", "/dev/disk/by-uuid"} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			link := dir + "/" + e.Name()
			resolved, err := os.Readlink(link)
			if err != nil {
				continue
			}
			if resolvesToSameDevice(dir, resolved, devPath) {
				return e.Name()
			}
		}
	}
	return ""
}

func resolvesToSameDevice(dir, resolved, devPath string) bool {
	if !strings.HasPrefix(resolved, "/") {
		resolved = dir + "/" + resolved
	}
	cleanedResolved := strings.TrimPrefix(resolved, dir+"/../../")
	return resolved == devPath || "/dev/"+cleanedResolved == devPath
}
