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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	efi "github.com/canonical/go-efilib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldkit-os/brownfield-migrate/probe"
)

// UEFIManager is the UEFI-firmware-variable-menu variant: it stages a
// chain-loadable EFI binary under the EFI System Partition and registers a
// one-shot BootNext entry, never touching BootOrder permanently.
//
// Arming is entirely in firmware NVRAM: the staged files are inert until
// BootNext is set, so Install's arming step is the SetVariable call, not
// the file copy.
type UEFIManager struct {
	ESPMountPoint string
	VarContext    efi.VarContext
}

func NewUEFIManager(espMountPoint string) *UEFIManager {
	return &UEFIManager{ESPMountPoint: espMountPoint, VarContext: efi.DefaultVarContext}
}

func (u *UEFIManager) Kind() Kind { return KindUEFIMenu }

func (u *UEFIManager) CanInstall(profile *probe.DeviceProfile, in PlanInputs) error {
	if profile.FirmwareMode != probe.FirmwareUEFI {
		return errors.New("uefi: firmware is not UEFI")
	}
	if profile.SecureBoot {
		return errors.New("uefi: secure boot is enabled")
	}
	if _, err := os.Stat(u.ESPMountPoint); err != nil {
		return errors.Wrap(err, "uefi: EFI system partition not mounted")
	}
	if _, _, err := efi.ReadVariable(u.VarContext, "BootOrder", efi.GlobalVariable); err != nil {
		return errors.Wrap(err, "uefi: firmware variable service unavailable")
	}
	return nil
}

const migrateLoaderRelDir = "EFI/migrate"

func (u *UEFIManager) Install(profile *probe.DeviceProfile, in PlanInputs) (*BootPlan, error) {
	destDir := filepath.Join(u.ESPMountPoint, migrateLoaderRelDir)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, errors.Wrap(err, "uefi: creating loader directory on ESP")
	}

	plan := &BootPlan{BootManagerKind: KindUEFIMenu, OneShot: true}
	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		"remove staged EFI migration loader directory",
		func() error { return os.RemoveAll(destDir) }))

	loaderDest := filepath.Join(destDir, filepath.Base(in.KernelPath))
	if err := copyFile(in.KernelPath, loaderDest); err != nil {
		return plan, errors.Wrap(err, "uefi: staging EFI loader binary")
	}
	plan.StagedFiles = append(plan.StagedFiles, StagedFile{SourcePath: in.KernelPath, DestinationPath: loaderDest})

	if in.InitrdPath != "" {
		initrdDest := filepath.Join(destDir, filepath.Base(in.InitrdPath))
		if err := copyFile(in.InitrdPath, initrdDest); err != nil {
			return plan, errors.Wrap(err, "uefi: staging initrd")
		}
		plan.StagedFiles = append(plan.StagedFiles, StagedFile{SourcePath: in.InitrdPath, DestinationPath: initrdDest})
	}

	loadOpt := &efi.LoadOption{
		Attributes:  efi.LoadOptionActive,
		Description: "migrate-" + in.OSName,
		FilePath:    efi.NewFilePathList(efi.NewHardDriveDevicePathNode(), efi.NewFilePathDevicePathNode(toEFIPath(migrateLoaderRelDir, filepath.Base(in.KernelPath)))),
	}
	bootNumber, err := efi.CreateLoadOption(u.VarContext, loadOpt)
	if err != nil {
		return plan, errors.Wrap(err, "uefi: registering firmware boot entry")
	}
	previousBootNext, hadBootNext, _ := readBootNext(u.VarContext)

	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		fmt.Sprintf("delete firmware boot entry Boot%04X", bootNumber),
		func() error { return deleteLoadOption(u.VarContext, bootNumber) }))
	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		"restore prior BootNext variable",
		func() error {
			if !hadBootNext {
				return efi.WriteVariable(u.VarContext, "BootNext", efi.GlobalVariable, 0, nil)
			}
			return writeBootNext(u.VarContext, previousBootNext)
		}))

	// Arming step: BootNext is the single write that changes what the
	// firmware does on the very next boot. Everything above this line
	// (the staged files and the new Boot#### entry, which is not in
	// BootOrder) is covered by the restore actions recorded so far.
	if err := writeBootNext(u.VarContext, bootNumber); err != nil {
		return plan, errors.Wrap(err, "uefi: arming BootNext")
	}
	log.Infof("uefi: armed BootNext=%04X for migration boot", bootNumber)

	return plan, nil
}

func (u *UEFIManager) Restore(plan *BootPlan) error {
	return RestoreAll(plan.RestoreActions)
}

func readBootNext(ctx efi.VarContext) (uint16, bool, error) {
	data, _, err := efi.ReadVariable(ctx, "BootNext", efi.GlobalVariable)
	if err != nil {
		return 0, false, nil
	}
	if len(data) < 2 {
		return 0, false, errors.New("uefi: malformed BootNext variable")
	}
	return uint16(data[0]) | uint16(data[1])<<8, true, nil
}

func writeBootNext(ctx efi.VarContext, number uint16) error {
	data := []byte{byte(number), byte(number >> 8)}
	attrs := efi.AttributeNonVolatile | efi.AttributeBootserviceAccess | efi.AttributeRuntimeAccess
	return efi.WriteVariable(ctx, "BootNext", efi.GlobalVariable, attrs, data)
}

func deleteLoadOption(ctx efi.VarContext, number uint16) error {
	name := fmt.Sprintf("Boot%04X", number)
	return efi.WriteVariable(ctx, name, efi.GlobalVariable, 0, nil)
}

// toEFIPath converts a POSIX-style ESP-relative path into the
// backslash-separated form the EFI device path protocol expects.
func toEFIPath(dir, file string) string {
	return "\\" + strings.ReplaceAll(filepath.Join(dir, file), "/", "\\")
}

var nvmePartitionRE = regexp.MustCompile(`^(/dev/(?:nvme\d+n\d+|mmcblk\d+))p(\d+)$`)
var traditionalPartitionRE = regexp.MustCompile(`^(/dev/[a-z]+)(\d+)$`)

// splitPartitionDevice parses a partition device path into its parent disk
// and 1-based partition number, handling both traditional (/dev/sda1) and
// NVMe/MMC (/dev/nvme0n1p1, /dev/mmcblk0p1) naming.
func splitPartitionDevice(partition string) (disk string, number int, err error) {
	if m := nvmePartitionRE.FindStringSubmatch(partition); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1], n, nil
	}
	if m := traditionalPartitionRE.FindStringSubmatch(partition); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1], n, nil
	}
	return "", 0, errors.Errorf("uefi: cannot parse partition device %q", partition)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
