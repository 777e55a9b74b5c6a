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

package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppHasExpectedCommands(t *testing.T) {
	app := NewApp()
	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"migrate", "stage2-run", "print-config", "status", "version"}, names)
}

func TestVersionCommandPrintsVersionString(t *testing.T) {
	app := NewApp()
	out := &bytes.Buffer{}
	app.Writer = out
	err := app.Run([]string{"migrate", "version"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), ShowVersion())
}

func TestShowVersionIncludesRuntime(t *testing.T) {
	v := ShowVersion()
	assert.Contains(t, v, "runtime:")
}
