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
	"bufio"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldkit-os/brownfield-migrate/probe"
	"github.com/fieldkit-os/brownfield-migrate/system"
)

// EnvVars is a flat key=value boot environment, the U-Boot/Barebox style
// of embedded-bootloader configuration.
type EnvVars map[string]string

// EnvFileManager is the embedded-bootloader-with-environment-file variant:
// the bootloader itself never changes, but a well-known environment file
// (read and written through the platform's fw_printenv/fw_setenv tools)
// tells it which kernel/initrd/root to boot next.
//
// Grounded on the U-Boot canary check: if mender_check_saveenv_canary is
// present in the default environment, fw_setenv's write path must be
// proven to round-trip through fw_printenv before this variant trusts it,
// otherwise a misconfigured /etc/fw_env.config silently no-ops every write.
type EnvFileManager struct {
	system.Commander
}

func NewEnvFileManager(cmd system.Commander) *EnvFileManager {
	return &EnvFileManager{Commander: cmd}
}

func (e *EnvFileManager) Kind() Kind { return KindEnvFile }

func (e *EnvFileManager) CanInstall(profile *probe.DeviceProfile, in PlanInputs) error {
	if profile.FirmwareMode != probe.FirmwareLegacy {
		return errors.New("envfile: only applicable to non-UEFI embedded firmware")
	}
	if _, err := exec.LookPath("fw_printenv"); err != nil {
		return errors.New("envfile: fw_printenv not available")
	}
	if _, err := exec.LookPath("fw_setenv"); err != nil {
		return errors.New("envfile: fw_setenv not available")
	}
	if _, err := e.readEnv("mender_check_saveenv_canary"); err != nil {
		return errors.Wrap(err, "envfile: environment not readable")
	}
	return nil
}

func (e *EnvFileManager) Install(profile *probe.DeviceProfile, in PlanInputs) (*BootPlan, error) {
	if err := e.checkCanary(); err != nil {
		return nil, err
	}

	previous, err := e.readEnv("migrate_boot_part", "migrate_kernel", "migrate_initrd")
	if err != nil {
		return nil, errors.Wrap(err, "envfile: reading current environment")
	}

	plan := &BootPlan{BootManagerKind: KindEnvFile, OneShot: true}

	plan.RestoreActions = append(plan.RestoreActions, NewRestoreAction(
		"restore embedded-bootloader environment variables and clear migrate_boot_mode",
		func() error {
			restored := EnvVars{"migrate_boot_mode": ""}
			for k, v := range previous {
				restored[k] = v
			}
			return e.writeEnv(restored)
		}))

	next := EnvVars{
		"migrate_boot_part": in.Stage2RootStableID,
		"migrate_kernel":    in.KernelPath,
		"migrate_initrd":    in.InitrdPath,
	}

	// Arming write: migrate_boot_mode=1 is what the boot script checks;
	// it must be the last thing written.
	if err := e.writeEnv(next); err != nil {
		return plan, errors.Wrap(err, "envfile: staging migration variables")
	}
	if err := e.writeEnv(EnvVars{"migrate_boot_mode": "1"}); err != nil {
		return plan, errors.Wrap(err, "envfile: arming migration boot mode")
	}
	log.Info("envfile: armed embedded-bootloader environment for migration boot")

	return plan, nil
}

func (e *EnvFileManager) Restore(plan *BootPlan) error {
	return RestoreAll(plan.RestoreActions)
}

func (e *EnvFileManager) checkCanary() error {
	vars, err := e.readEnv("mender_check_saveenv_canary")
	if err != nil {
		// Absence of the check variable means checking is opt-out for
		// this platform.
		return nil
	}
	if vars["mender_check_saveenv_canary"] != "1" {
		return nil
	}
	vars, err = e.readEnv("mender_saveenv_canary")
	if err != nil {
		return errors.Wrap(err, "envfile: saveenv canary check failed, environment writes are not taking effect")
	}
	if vars["mender_saveenv_canary"] != "1" {
		return errors.New("envfile: saveenv canary mismatch, environment writes are not taking effect")
	}
	return nil
}

func (e *EnvFileManager) readEnv(names ...string) (EnvVars, error) {
	cmd := e.Command("fw_printenv", names...)
	cmdReader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(cmdReader)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	vars := make(EnvVars)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("envfile: malformed fw_printenv output: %q", line)
		}
		vars[parts[0]] = parts[1]
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	return vars, scanner.Err()
}

func (e *EnvFileManager) writeEnv(vars EnvVars) error {
	cmd := e.Command("fw_setenv", "-s", "-")
	pipe, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		pipe.Close()
		return err
	}
	for k, v := range vars {
		if _, err := fmt.Fprintf(pipe, "%s=%s\n", k, v); err != nil {
			pipe.Close()
			return err
		}
	}
	pipe.Close()
	if err := cmd.Wait(); err != nil {
		return err
	}
	return nil
}
