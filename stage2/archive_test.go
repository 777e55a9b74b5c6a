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

package stage2

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestArchive(t *testing.T, path string) {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	writeFile := func(name, content string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}))
		_, err := io.Copy(tw, strings.NewReader(content))
		require.NoError(t, err)
	}
	writeDir := func(name string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeDir,
			Mode:     0755,
		}))
	}

	writeDir("etc/")
	writeFile("etc/hostname", "migrated-device\n")
	writeFile("rootfile.txt", "hello from the partition archive")
	require.NoError(t, tw.Flush())

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestExtractPartitionArchiveWritesFilesAndDirectories(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "boot.tar")
	writeTestArchive(t, archivePath)

	destDir := t.TempDir()
	var seen []string
	err := ExtractPartitionArchive(archivePath, destDir, func(name string, offset, size int64) {
		seen = append(seen, name)
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(destDir, "etc", "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "migrated-device\n", string(data))

	data, err = os.ReadFile(filepath.Join(destDir, "rootfile.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from the partition archive", string(data))

	assert.Contains(t, seen, "rootfile.txt")
}

func TestExtractPartitionArchiveRejectsPathEscape(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	content := "escape"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../../etc/passwd",
		Mode: 0644,
		Size: int64(len(content)),
	}))
	_, err := io.Copy(tw, strings.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, tw.Flush())

	archivePath := filepath.Join(t.TempDir(), "evil.tar")
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0644))

	destDir := t.TempDir()
	err = ExtractPartitionArchive(archivePath, destDir, nil)
	assert.Error(t, err)
}

func TestWithinDir(t *testing.T) {
	assert.True(t, withinDir("/mnt/dest", "/mnt/dest/sub/file"))
	assert.False(t, withinDir("/mnt/dest", "/mnt/other/file"))
	assert.False(t, withinDir("/mnt/dest", "/mnt/dest/../escape"))
}
