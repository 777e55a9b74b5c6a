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

package watchdog

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKickerStopsWithNoHandles verifies Start/Stop is safe to call even
// when NewKicker was given an empty handle list, which happens whenever a
// HandoffDescriptor carries no watchdog devices.
func TestKickerStopsWithNoHandles(t *testing.T) {
	k := NewKicker(nil)
	k.Start()
	done := make(chan struct{})
	go func() {
		k.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return for an empty kicker")
	}
}

func TestNewKickerKeepsHandlesThatFailToDisable(t *testing.T) {
	// /dev/null does not implement the watchdog ioctls, so Disable fails
	// and NewKicker must fall back to retaining the handle for kicking
	// rather than silently dropping it.
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	h := &Handle{Path: os.DevNull, Interval: time.Millisecond, Close: true, file: f}
	k := NewKicker([]*Handle{h})
	assert.Len(t, k.handles, 1)
}
