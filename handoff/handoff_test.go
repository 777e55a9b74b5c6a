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

package handoff

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor() *HandoffDescriptor {
	return &HandoffDescriptor{
		SchemaVersion:       SchemaVersion,
		RootPartitionHandle: StableHandle{StableID: "deadbeef-0001"},
		WorkDirHandle:       StableHandle{StableID: "deadbeef-0001", RelativePath: "migrate"},
		Image: ImageDescriptor{
			Kind:     FlashModeRawImage,
			RawImage: &RawImageSpec{Path: "image.img.gz"},
		},
		FlashMode: FlashModeRawImage,
		LogSink:   "default",
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DescriptorFileName)

	d := validDescriptor()
	require.NoError(t, Write(path, d))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, d.RootPartitionHandle, got.RootPartitionHandle)
	assert.Equal(t, d.Image.RawImage.Path, got.Image.RawImage.Path)
}

func TestReadRejectsUnknownSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DescriptorFileName)

	d := validDescriptor()
	d.SchemaVersion = 99
	// Bypass Write's own validation so we can exercise Read's check.
	require.NoError(t, writeRaw(path, d))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrUnsupportedSchema)
}

func TestValidateRejectsMissingStableID(t *testing.T) {
	d := validDescriptor()
	d.RootPartitionHandle.StableID = ""
	assert.Error(t, d.Validate())
}

func TestValidateRejectsPathEscapingWorkDir(t *testing.T) {
	d := validDescriptor()
	d.Image.RawImage.Path = "../../etc/passwd"
	assert.Error(t, d.Validate())
}

func TestValidateRejectsFilesystemRestoreMissingBoot(t *testing.T) {
	d := validDescriptor()
	d.Image = ImageDescriptor{
		Kind: FlashModeFilesystemRestore,
		FilesystemRestore: &FilesystemRestoreSpec{
			Partitions: map[string]PartitionArchive{
				"root_a": {SizeBlocks: 100, ArchivePath: "root_a.tar"},
			},
		},
	}
	d.FlashMode = FlashModeFilesystemRestore
	assert.Error(t, d.Validate())
}

func TestValidateAcceptsFilesystemRestoreWithBootAndRoot(t *testing.T) {
	d := validDescriptor()
	d.Image = ImageDescriptor{
		Kind: FlashModeFilesystemRestore,
		FilesystemRestore: &FilesystemRestoreSpec{
			Partitions: map[string]PartitionArchive{
				"boot":   {SizeBlocks: 10, ArchivePath: "boot.tar"},
				"root_a": {SizeBlocks: 100, ArchivePath: "root_a.tar"},
			},
			BadBlockCheck: BadBlockCheckNone,
		},
	}
	d.FlashMode = FlashModeFilesystemRestore
	assert.NoError(t, d.Validate())
}

func writeRaw(path string, d *HandoffDescriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
