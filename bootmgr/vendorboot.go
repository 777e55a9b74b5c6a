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
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldkit-os/brownfield-migrate/probe"
)

// VendorBootManager is the vendor-boot-partition variant found on
// single-board computers whose SoC boot ROM reads a small, vendor-specific
// FAT partition directly (config.txt/cmdline.txt style), with no
// standards-based bootloader involved at all. The vendor partition is
// mounted directly; there is no menu and no firmware variable, so both
// the kernel and its command line live in plain files the boot ROM reads
// verbatim.
type VendorBootManager struct {
	VendorBootMountPoint string
	ConfigFileName        string // e.g. "config.txt"
	CmdlineFileName       string // e.g. "cmdline.txt"
}

func NewVendorBootManager(mountPoint string) *VendorBootManager {
	return &VendorBootManager{
		VendorBootMountPoint: mountPoint,
		ConfigFileName:       "config.txt",
		CmdlineFileName:      "cmdline.txt",
	}
}

func (v *VendorBootManager) Kind() Kind { return KindVendorBoot }

func (v *VendorBootManager) CanInstall(profile *probe.DeviceProfile, in PlanInputs) error {
	if profile.FirmwareMode != probe.FirmwareLegacy {
		return errors.New("vendorboot: not applicable to UEFI firmware")
	}
	cfgPath := filepath.Join(v.VendorBootMountPoint, v.ConfigFileName)
	if _, err := os.Stat(cfgPath); err != nil {
		return errors.Wrapf(err, "vendorboot: no %s found on vendor boot partition", v.ConfigFileName)
	}
	return nil
}

func (v *VendorBootManager) Install(profile *probe.DeviceProfile, in PlanInputs) (*BootPlan, error) {
	plan := &BootPlan{BootManagerKind: KindVendorBoot, OneShot: false}

	kernelDest := filepath.Join(v.VendorBootMountPoint, "migrate-"+filepath.Base(in.KernelPath))
	if err := copyFile(in.KernelPath, kernelDest); err != nil {
		return nil, errors.Wrap(err, "vendorboot: staging kernel image")
	}
	plan.StagedFiles = append(plan.StagedFiles, StagedFile{SourcePath: in.KernelPath, DestinationPath: kernelDest})
	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		"remove staged vendor-boot kernel image",
		func() error { return os.Remove(kernelDest) }))

	var initrdDest string
	if in.InitrdPath != "" {
		initrdDest = filepath.Join(v.VendorBootMountPoint, "migrate-"+filepath.Base(in.InitrdPath))
		if err := copyFile(in.InitrdPath, initrdDest); err != nil {
			return plan, errors.Wrap(err, "vendorboot: staging initrd image")
		}
		plan.StagedFiles = append(plan.StagedFiles, StagedFile{SourcePath: in.InitrdPath, DestinationPath: initrdDest})
		plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
			"remove staged vendor-boot initrd image",
			func() error { return os.Remove(initrdDest) }))
	}

	cfgPath := filepath.Join(v.VendorBootMountPoint, v.ConfigFileName)
	previousCfg, err := os.ReadFile(cfgPath)
	if err != nil {
		return plan, errors.Wrap(err, "vendorboot: reading existing config file")
	}
	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		"restore vendor boot config file to pre-migration contents",
		func() error { return os.WriteFile(cfgPath, previousCfg, 0644) }))

	cmdlinePath := filepath.Join(v.VendorBootMountPoint, v.CmdlineFileName)
	previousCmdline, hadCmdline := readIfExists(cmdlinePath)
	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		"restore vendor boot cmdline file to pre-migration contents",
		func() error {
			if !hadCmdline {
				return os.Remove(cmdlinePath)
			}
			return os.WriteFile(cmdlinePath, previousCmdline, 0644)
		}))

	cmdline := fmt.Sprintf("root=PARTUUID=%s rootwait ro %s", in.Stage2RootStableID, in.ExtraKernelOpts)
	plan.KernelCmdline = strings.TrimSpace(cmdline)

	if err := os.WriteFile(cmdlinePath, []byte(plan.KernelCmdline+"\n"), 0644); err != nil {
		return plan, errors.Wrap(err, "vendorboot: writing cmdline file")
	}

	// Arming step: rewriting config.txt's kernel= directive is what the
	// boot ROM reads on the very next power cycle; it must happen after
	// every other file is safely staged.
	armedCfg := appendOrReplaceDirective(string(previousCfg), "kernel", filepath.Base(kernelDest))
	if initrdDest != "" {
		armedCfg = appendOrReplaceDirective(armedCfg, "initramfs", filepath.Base(initrdDest)+" followkernel")
	}
	if err := os.WriteFile(cfgPath, []byte(armedCfg), 0644); err != nil {
		return plan, errors.Wrap(err, "vendorboot: arming config file")
	}
	log.Info("vendorboot: armed vendor boot partition for migration boot")

	return plan, nil
}

func (v *VendorBootManager) Restore(plan *BootPlan) error {
	return RestoreAll(plan.RestoreActions)
}

// appendOrReplaceDirective rewrites a "key=value" line in a config.txt
// style file, or appends one if the key is not already present.
func appendOrReplaceDirective(content, key, value string) string {
	lines := strings.Split(content, "\n")
	prefix := key + "="
	found := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			lines[i] = prefix + value
			found = true
		}
	}
	if !found {
		lines = append(lines, prefix+value)
	}
	return strings.Join(lines, "\n")
}
