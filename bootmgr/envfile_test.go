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
	"testing"

	"github.com/stretchr/testify/assert"

	stest "github.com/fieldkit-os/brownfield-migrate/system/testing"
)

func TestHelperProcess(t *testing.T) {
	stest.HelperProcessMain()
}

func TestEnvFileReadEnvParsesLines(t *testing.T) {
	runner := stest.NewTestOSCalls("mender_check_saveenv_canary=1", 0)
	mgr := NewEnvFileManager(runner)

	vars, err := mgr.readEnv("mender_check_saveenv_canary")
	assert.NoError(t, err)
	assert.Equal(t, "1", vars["mender_check_saveenv_canary"])
}

func TestEnvFileReadEnvFailsOnNonZeroExit(t *testing.T) {
	runner := stest.NewTestOSCalls("", 1)
	mgr := NewEnvFileManager(runner)

	_, err := mgr.readEnv("migrate_boot_part")
	assert.Error(t, err)
}

func TestEnvFileWriteEnvSucceedsOnZeroExit(t *testing.T) {
	runner := stest.NewTestOSCalls("", 0)
	mgr := NewEnvFileManager(runner)

	err := mgr.writeEnv(EnvVars{"migrate_boot_mode": "1"})
	assert.NoError(t, err)
}

func TestEnvFileCheckCanaryPassesWhenCanaryAbsent(t *testing.T) {
	runner := stest.NewTestOSCalls("", 1)
	mgr := NewEnvFileManager(runner)

	assert.NoError(t, mgr.checkCanary())
}

func TestEnvFileCheckCanaryFailsOnMismatch(t *testing.T) {
	runner := stest.NewTestOSCalls("mender_check_saveenv_canary=1", 0)
	mgr := NewEnvFileManager(runner)

	err := mgr.checkCanary()
	assert.Error(t, err)
}
