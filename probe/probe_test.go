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

package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	euid         int
	firmware     FirmwareMode
	firmwareErr  error
	secureBoot   bool
	secureBootErr error
	deviceClass  string
	ramTotal     uint64
	ramAvailable uint64
	rootDev      string
	rootDevErr   error
	parts        []PartitionInfo
	partsErr     error
}

func (f *fakeProber) Euid() int                  { return f.euid }
func (f *fakeProber) Arch() string                { return "arm64" }
func (f *fakeProber) FirmwareMode() (FirmwareMode, error) {
	return f.firmware, f.firmwareErr
}
func (f *fakeProber) SecureBootEnabled() (bool, error) { return f.secureBoot, f.secureBootErr }
func (f *fakeProber) MemInfo() (uint64, uint64, error) { return f.ramTotal, f.ramAvailable, nil }
func (f *fakeProber) DeviceClass() string               { return f.deviceClass }
func (f *fakeProber) RootDevice() (string, error)        { return f.rootDev, f.rootDevErr }
func (f *fakeProber) Partitions(bootDevice string) ([]PartitionInfo, error) {
	return f.parts, f.partsErr
}

func validProber() *fakeProber {
	return &fakeProber{
		euid:        0,
		firmware:    FirmwareUEFI,
		deviceClass: "raspberrypi4-64",
		ramTotal:    1 << 30,
		rootDev:     "/dev/mmcblk0p2",
		parts: []PartitionInfo{
			{BlockDevicePath: "/dev/mmcblk0p1", StableID: "boot-uuid", IsBoot: true},
			{BlockDevicePath: "/dev/mmcblk0p2", StableID: "root-uuid", IsRoot: true},
		},
	}
}

func TestProbeRejectsNonRootEuidBeforeTouchingFirmware(t *testing.T) {
	p := validProber()
	p.euid = 1000
	p.firmwareErr = assert.AnError // would fail probe if ever consulted

	_, err := Probe(p)
	assert.ErrorIs(t, err, ErrInsufficientPrivilege)
}

func TestProbeRejectsSecureBoot(t *testing.T) {
	p := validProber()
	p.secureBoot = true

	_, err := Probe(p)
	assert.ErrorIs(t, err, ErrUnsupportedFirmware)
}

func TestProbeRejectsEmptyDeviceClass(t *testing.T) {
	p := validProber()
	p.deviceClass = ""

	_, err := Probe(p)
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

func TestProbeRejectsPartitionWithNoStableID(t *testing.T) {
	p := validProber()
	p.parts = append(p.parts, PartitionInfo{BlockDevicePath: "/dev/mmcblk0p3"})

	_, err := Probe(p)
	assert.Error(t, err)
}

func TestProbeSucceedsAndPopulatesProfile(t *testing.T) {
	p := validProber()

	profile, err := Probe(p)
	require.NoError(t, err)
	assert.Equal(t, "raspberrypi4-64", profile.DeviceClass)
	assert.Equal(t, FirmwareUEFI, profile.FirmwareMode)
	assert.False(t, profile.SecureBoot)
	assert.Equal(t, "/dev/mmcblk0p1", profile.BootBlockDevice)
	assert.Equal(t, "/dev/mmcblk0p2", profile.RootBlockDevice)
	assert.Len(t, profile.Partitions, 2)
}

func TestBaseDiskOfTraditionalAndNVMeNames(t *testing.T) {
	cases := map[string]string{
		"/dev/sda2":          "sda",
		"/dev/sda10":         "sda",
		"/dev/nvme0n1p2":     "nvme0n1",
		"/dev/mmcblk0p1":     "mmcblk0",
	}
	for in, want := range cases {
		assert.Equal(t, want, baseDiskOf(in), "input %s", in)
	}
}
