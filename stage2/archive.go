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
	gotar "archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	arktar "github.com/itchio/arkive/tar"
	"github.com/itchio/savior"
	"github.com/itchio/savior/seeksource"
	"github.com/pkg/errors"
)

// archiveSource adapts an arkive tar reader to savior's checkpointable
// Source interface, so a long per-partition archive extraction can report
// a resumable position even though Stage-2 itself never resumes across a
// process restart (the handoff is single-shot). The checkpoint is used
// only to log extraction progress in terms a post-mortem can make sense
// of: "stopped inside file X at offset Y", not a restart mechanism.
type archiveSource struct {
	source savior.Source
	ark    arktar.SaverReader
	header *gotar.Header
	offset int64
}

func newArchiveSource(source savior.Source) (*archiveSource, error) {
	ark, err := arktar.NewSaverReader(source)
	if err != nil {
		return nil, errors.Wrap(err, "stage2: opening tar archive")
	}
	return &archiveSource{source: source, ark: ark}, nil
}

func (a *archiveSource) next() (*gotar.Header, error) {
	hdr, err := a.ark.Next()
	if err != nil {
		return nil, err
	}
	a.header = &gotar.Header{
		Typeflag: hdr.Typeflag,
		Name:     hdr.Name,
		Linkname: hdr.Linkname,
		Size:     hdr.Size,
		Mode:     hdr.Mode,
		ModTime:  hdr.ModTime,
	}
	a.offset = 0
	return a.header, nil
}

func (a *archiveSource) Read(p []byte) (int, error) {
	n, err := a.ark.Read(p)
	a.offset += int64(n)
	return n, err
}

// ExtractPartitionArchive streams a per-partition tar archive at
// archivePath onto destDir, which must already be a mounted filesystem
// (the caller owns mounting the target partition before calling this).
// Regular files, directories and symlinks are supported; anything else is
// an error, since a migration payload archive should never legitimately
// contain device nodes or fifos.
func ExtractPartitionArchive(archivePath, destDir string, progress func(name string, offset, size int64)) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, "stage2: opening archive %s", archivePath)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stage2: stat'ing archive %s", archivePath)
	}

	source := seeksource.NewWithSize(file, info.Size())
	if _, err := source.Resume(nil); err != nil {
		return errors.Wrap(err, "stage2: initializing archive source")
	}
	defer source.Close()

	as, err := newArchiveSource(source)
	if err != nil {
		return err
	}

	for {
		hdr, err := as.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "stage2: reading archive entry from %s", archivePath)
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !withinDir(destDir, target) {
			return errors.Errorf("stage2: archive entry %q escapes destination directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case gotar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return errors.Wrapf(err, "stage2: creating directory %s", target)
			}
		case gotar.TypeReg, gotar.TypeRegA:
			if err := extractRegularFile(as, target, hdr); err != nil {
				return err
			}
		case gotar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return errors.Wrapf(err, "stage2: creating symlink %s", target)
			}
		default:
			return errors.Errorf("stage2: archive entry %q has unsupported type %v", hdr.Name, hdr.Typeflag)
		}

		if progress != nil {
			progress(hdr.Name, as.offset, hdr.Size)
		}
	}
}

func extractRegularFile(as *archiveSource, target string, hdr *gotar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrapf(err, "stage2: creating parent directory for %s", target)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
	if err != nil {
		return errors.Wrapf(err, "stage2: creating %s", target)
	}
	defer out.Close()

	if _, err := io.CopyN(out, as, hdr.Size); err != nil {
		return errors.Wrapf(err, "stage2: writing %s", target)
	}
	return nil
}

func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
