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
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldkit-os/brownfield-migrate/probe"
)

// LegacyMenuManager is the legacy-menu-bootloader variant: a GRUB-style
// boot loader reads a menu file from a well-known location on each boot.
// Arming appends one more entry to custom.cfg; it does not change the
// "default" entry and sets no one-shot next-boot selection, so the entry
// stays in the menu until custom.cfg is restored. Restoring the menu file
// and removing the staged files undoes the whole install.
type LegacyMenuManager struct {
	BootMountPoint string
}

func NewLegacyMenuManager(bootMountPoint string) *LegacyMenuManager {
	return &LegacyMenuManager{BootMountPoint: bootMountPoint}
}

func (l *LegacyMenuManager) Kind() Kind { return KindLegacyMenu }

func (l *LegacyMenuManager) CanInstall(profile *probe.DeviceProfile, in PlanInputs) error {
	if profile.FirmwareMode != probe.FirmwareLegacy {
		return errors.New("legacy: firmware is UEFI, not BIOS/legacy")
	}
	grubDir := l.grubDir()
	if _, err := os.Stat(grubDir); err != nil {
		return errors.Wrap(err, "legacy: no grub directory found under boot mount point")
	}
	if _, err := exec.LookPath("grub-install"); err != nil {
		if _, err2 := exec.LookPath("grub2-install"); err2 != nil {
			return errors.New("legacy: neither grub-install nor grub2-install is available")
		}
	}
	return nil
}

func (l *LegacyMenuManager) grubDir() string {
	for _, name := range []string{"grub", "grub2"} {
		dir := filepath.Join(l.BootMountPoint, "boot", name)
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}
	return filepath.Join(l.BootMountPoint, "boot", "grub")
}

func (l *LegacyMenuManager) Install(profile *probe.DeviceProfile, in PlanInputs) (*BootPlan, error) {
	grubDir := l.grubDir()
	entriesDir := filepath.Join(grubDir, "migrate.d")
	if err := os.MkdirAll(entriesDir, 0755); err != nil {
		return nil, errors.Wrap(err, "legacy: creating migration menu entry directory")
	}

	plan := &BootPlan{BootManagerKind: KindLegacyMenu, OneShot: false}
	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		"remove staged legacy menu kernel/initrd and entry directory",
		func() error { return os.RemoveAll(entriesDir) }))

	kernelDest := filepath.Join(entriesDir, filepath.Base(in.KernelPath))
	if err := copyFile(in.KernelPath, kernelDest); err != nil {
		return plan, errors.Wrap(err, "legacy: staging kernel")
	}
	plan.StagedFiles = append(plan.StagedFiles, StagedFile{SourcePath: in.KernelPath, DestinationPath: kernelDest})

	var initrdDest string
	if in.InitrdPath != "" {
		initrdDest = filepath.Join(entriesDir, filepath.Base(in.InitrdPath))
		if err := copyFile(in.InitrdPath, initrdDest); err != nil {
			return plan, errors.Wrap(err, "legacy: staging initrd")
		}
		plan.StagedFiles = append(plan.StagedFiles, StagedFile{SourcePath: in.InitrdPath, DestinationPath: initrdDest})
	}

	cmdline := fmt.Sprintf("root=PARTUUID=%s ro %s", in.Stage2RootStableID, in.ExtraKernelOpts)
	plan.KernelCmdline = cmdline

	cfgSnippet := fmt.Sprintf(`menuentry "migrate-%s" {
	linux %s %s
`, in.OSName, asGrubPath(kernelDest), cmdline)
	if initrdDest != "" {
		cfgSnippet += fmt.Sprintf("\tinitrd %s\n", asGrubPath(initrdDest))
	}
	cfgSnippet += "}\n"

	cfgPath := filepath.Join(grubDir, "custom.cfg")
	previousCfg, hadPrevious := readIfExists(cfgPath)

	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		"restore grub custom.cfg to its pre-migration contents",
		func() error {
			if !hadPrevious {
				return os.Remove(cfgPath)
			}
			return os.WriteFile(cfgPath, previousCfg, 0644)
		}))

	// Arming step: custom.cfg is rewritten with the migration entry
	// appended after its previous contents. The default entry and any
	// next-boot selection are left as they were.
	combined := append(append([]byte{}, previousCfg...), []byte(cfgSnippet)...)
	if err := os.WriteFile(cfgPath, combined, 0644); err != nil {
		return plan, errors.Wrap(err, "legacy: writing grub custom.cfg")
	}
	log.Info("legacy: armed grub custom.cfg with migration boot entry")

	return plan, nil
}

func (l *LegacyMenuManager) Restore(plan *BootPlan) error {
	return RestoreAll(plan.RestoreActions)
}

func readIfExists(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// asGrubPath converts an absolute filesystem path rooted at the boot
// mount point into the path grub.cfg expects, relative to /boot.
func asGrubPath(path string) string {
	const bootDir = "/boot/"
	if i := strings.LastIndex(path, bootDir); i >= 0 {
		return path[i+len(bootDir)-1:]
	}
	return path
}
