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
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	mount "k8s.io/mount-utils"
)

// ErrStableIDNotFound is returned when neither by-partuuid nor by-uuid
// carries the stable id the HandoffDescriptor named; this means the
// descriptor was written against a device that isn't the one Stage-2 is
// running against, which is always a FAIL_RECOVER condition.
var ErrStableIDNotFound = errors.New("stage2: stable id not found under /dev/disk")

// LiveResolver implements Resolver against the real RAM-resident root: it
// resolves stable ids through the /dev/disk/by-partuuid and /dev/disk/by-uuid
// symlink directories (the same discipline Device Probe uses, run in
// reverse) and mounts/unmounts through k8s.io/mount-utils so the same
// mount abstraction used elsewhere in the broader migration-tooling
// ecosystem backs Stage-2 as well.
type LiveResolver struct {
	mounter   mount.Interface
	basePaths []string // overridable in tests; defaults to the real /dev/disk symlink dirs
}

func NewLiveResolver() *LiveResolver {
	return &LiveResolver{
		mounter:   mount.New(""),
		basePaths: []string{"/dev/disk/by-partuuid", "/dev/disk/by-uuid"},
	}
}

func (r *LiveResolver) ResolveStableID(stableID string) (string, error) {
	for _, dir := range r.basePaths {
		link := filepath.Join(dir, stableID)
		if _, err := os.Lstat(link); err != nil {
			continue
		}
		resolved, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		return resolved, nil
	}
	return "", errors.Wrapf(ErrStableIDNotFound, "stable id %q", stableID)
}

func (r *LiveResolver) Mount(devicePath, mountPoint, fsType string) error {
	if fsType == "" {
		fsType = "auto"
	}
	if err := r.mounter.Mount(devicePath, mountPoint, fsType, nil); err != nil {
		return errors.Wrapf(err, "stage2: mounting %s at %s", devicePath, mountPoint)
	}
	return nil
}

func (r *LiveResolver) Unmount(mountPoint string) error {
	if err := r.mounter.Unmount(mountPoint); err != nil {
		return errors.Wrapf(err, "stage2: unmounting %s", mountPoint)
	}
	return nil
}
