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

// Package testing provides fake system.Commander/StatCommander
// implementations for exercising code that shells out, without touching a
// real shell.
package testing

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/fieldkit-os/brownfield-migrate/system"
)

// TestOSCalls is a fake system.StatCommander whose Command re-execs the
// current test binary under the TestHelperProcess entry point, letting it
// simulate arbitrary stdout and exit code without running the real command.
type TestOSCalls struct {
	Output  string
	RetCode int
	File    os.FileInfo
	Err     error
}

func NewTestOSCalls(output string, retCode int) *TestOSCalls {
	return &TestOSCalls{Output: output, RetCode: retCode}
}

func (sc *TestOSCalls) Stat(name string) (os.FileInfo, error) {
	return sc.File, sc.Err
}

func (sc *TestOSCalls) Command(name string, args ...string) *system.Cmd {
	subArgs := []string{"-test.run=TestHelperProcess", "--", strconv.Itoa(sc.RetCode), sc.Output}
	cmd := exec.Command(os.Args[0], subArgs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return &system.Cmd{Cmd: cmd}
}

// HelperProcessMain implements the re-exec'd side of Command's fake
// subprocess. Every package using TestOSCalls must call this from its own
// TestHelperProcess test function (go test only runs Test* functions that
// live in the package being tested):
//
//	func TestHelperProcess(t *testing.T) { testing.HelperProcessMain() }
func HelperProcessMain() {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	_, _ = io.ReadAll(os.Stdin)

	retCode := 0
	if len(os.Args) > 3 {
		retCode, _ = strconv.Atoi(os.Args[3])
	}
	if len(os.Args) > 4 && os.Args[4] != "" {
		fmt.Println(os.Args[4])
	}
	os.Exit(retCode)
}
