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
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/fieldkit-os/brownfield-migrate/system"
)

// chunkedCopy copies data from in to out in chunks of exactly chunkSize
// bytes, buffering each chunk in memory before issuing the write. Writing
// in sector-aligned, ~1MiB-ish chunks instead of whatever size the source
// reader hands us avoids pressuring the DMA subsystem with a flood of tiny
// scatter-gather writes on the destination block device.
func chunkedCopy(out io.Writer, in io.Reader, chunkSize int64) (totalWritten int64, err error) {
	buf := bytes.NewBuffer(make([]byte, 0, chunkSize))

	for {
		buf.Reset()
		bytesRead, readErr := io.CopyN(buf, in, chunkSize)

		if bytesRead > 0 {
			bytesWritten, writeErr := buf.WriteTo(out)
			totalWritten += bytesWritten
			if writeErr != nil {
				return totalWritten, writeErr
			}
			if bytesWritten != bytesRead {
				return totalWritten, fmt.Errorf(
					"block writer: short write: attempted %d bytes but only wrote %d",
					bytesRead, bytesWritten)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				readErr = nil
			}
			return totalWritten, readErr
		}
	}
}

// chunkSizeFor picks a power-of-two multiple of nativeSectorSize that is at
// least 1MiB, so every write lands on a sector boundary without doing a
// zillion tiny ones.
func chunkSizeFor(nativeSectorSize int) int64 {
	chunk := int64(nativeSectorSize)
	if chunk <= 0 {
		chunk = 512
	}
	for chunk < 1*1024*1024 {
		chunk *= 2
	}
	return chunk
}

// BlockDevice wraps a target block device file for sector-aligned,
// sequential writes and reports its sector size and total size via the
// BLKSSZGET/BLKGETSIZE64 ioctls.
type BlockDevice struct {
	Path string
	file *os.File
}

func OpenBlockDevice(path string) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "stage2: opening block device %s", path)
	}
	return &BlockDevice{Path: path, file: f}, nil
}

func (b *BlockDevice) SectorSize() (int, error) {
	return system.GetBlockDeviceSectorSize(b.file)
}

func (b *BlockDevice) Size() (uint64, error) {
	return system.GetBlockDeviceSize(b.file)
}

func (b *BlockDevice) Write(p []byte) (int, error) {
	return b.file.Write(p)
}

func (b *BlockDevice) Close() error {
	if err := b.file.Sync(); err != nil {
		return errors.Wrap(err, "stage2: syncing block device before close")
	}
	return b.file.Close()
}

// WriteImage streams image (of the given size) onto the block device in
// sector-aligned chunks, refusing up front if the device is smaller than
// the image. progress, if non-nil, is called with the number of bytes
// written by each individual Write call (a delta, not a running total),
// matching the progressbar.Bar.Tick(n) calling convention.
func WriteImage(devicePath string, image io.Reader, imageSize int64, progress func(deltaBytes int64)) error {
	b, err := OpenBlockDevice(devicePath)
	if err != nil {
		return err
	}
	defer b.Close()

	devSize, err := b.Size()
	if err != nil {
		return errors.Wrapf(err, "stage2: reading size of %s", devicePath)
	}
	if devSize < uint64(imageSize) {
		return errors.Errorf("stage2: image (%d bytes) is larger than destination device %s (%d bytes)",
			imageSize, devicePath, devSize)
	}

	sectorSize, err := b.SectorSize()
	if err != nil {
		return errors.Wrapf(err, "stage2: reading sector size of %s", devicePath)
	}
	chunkSize := chunkSizeFor(sectorSize)

	counting := &progressWriter{w: b, onProgress: progress}
	written, err := chunkedCopy(counting, image, chunkSize)
	if err != nil {
		return errors.Wrapf(err, "stage2: writing image to %s after %d/%d bytes", devicePath, written, imageSize)
	}
	return nil
}

type progressWriter struct {
	w          io.Writer
	onProgress func(deltaBytes int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if p.onProgress != nil {
		p.onProgress(int64(n))
	}
	return n, err
}
