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

// Package stage2 implements the Flasher: the irreversible second half of
// the migration, run from a RAM-resident root after the single reboot
// Stage-1 scheduled. It is driven entirely by the on-disk HandoffDescriptor
// Stage-1 left behind; nothing from Stage-1's process survives into it.
package stage2

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	progressbar "github.com/mendersoftware/progressbar"

	"github.com/fieldkit-os/brownfield-migrate/bootmgr"
	"github.com/fieldkit-os/brownfield-migrate/handoff"
	"github.com/fieldkit-os/brownfield-migrate/system"
	"github.com/fieldkit-os/brownfield-migrate/watchdog"
)

// State names a node in the Flasher's state machine. Every transition is
// explicit; there is no "point of no return" expressed as a code comment,
// it is the transition out of UnmountAll into Flash.
type State string

const (
	StateLocateRoot      State = "LOCATE_ROOT"
	StateReadDescriptor  State = "READ_DESCRIPTOR"
	StateRestoreBoot     State = "RESTORE_BOOT"
	StateStageAssets     State = "STAGE_ASSETS_TO_RAM"
	StateUnmountAll      State = "UNMOUNT_ALL"
	StateFlash           State = "FLASH"
	StatePostConfigure   State = "POST_CONFIGURE"
	StateFinalReboot     State = "FINAL_REBOOT"
	StateFailRecover     State = "FAIL_RECOVER"
	stateDone            State = "DONE"
)

// Resolver locates the partition carrying the HandoffDescriptor using only
// firmware-visible stable ids, since by the time Stage-2 runs there is no
// live-OS mount table to consult.
type Resolver interface {
	ResolveStableID(stableID string) (devicePath string, err error)
	Mount(devicePath, mountPoint, fsType string) error
	Unmount(mountPoint string) error
}

// Config carries everything the Flasher needs beyond what the
// HandoffDescriptor itself provides.
type Config struct {
	Resolver     Resolver
	BootManagers []bootmgr.Manager // same closed set Stage-1 chose from, for Restore
	Commander    system.Commander
	WorkMountPoint string // where the descriptor's root partition gets mounted
	NoFlash      bool      // debug override: run every state except FLASH
}

// Flasher drives the state machine defined in spec.md §5.
type Flasher struct {
	cfg         Config
	state       State
	desc        *handoff.HandoffDescriptor
	kicker      *watchdog.Kicker
	startedUnix int64

	// stagedWorkDir is the RAM-resident copy of the descriptor's work
	// directory, populated by stageAssets before UNMOUNT_ALL runs and
	// read from everywhere FLASH and POST_CONFIGURE used to read
	// rootMountPoint directly.
	stagedWorkDir string

	// targetDisk and partitionMounts are populated during FLASH so
	// POST_CONFIGURE can find the partitions it needs without
	// re-deriving them from the descriptor.
	targetDisk      string
	partitionMounts map[string]string
}

func New(cfg Config) *Flasher {
	return &Flasher{cfg: cfg, state: StateLocateRoot}
}

// ErrFailRecover wraps any error that forced a transition into
// FAIL_RECOVER, so callers (and exit-code mapping in cli) can distinguish
// "recoverable failure, pre-flash" from a bug in the Flasher itself.
type ErrFailRecover struct {
	Cause error
	AtState State
}

func (e *ErrFailRecover) Error() string {
	return errors.Wrapf(e.Cause, "stage2: failed in state %s, entered FAIL_RECOVER", e.AtState).Error()
}
func (e *ErrFailRecover) Unwrap() error { return e.Cause }

// Run drives the Flasher to completion or to FAIL_RECOVER. rootStableID
// names the partition the caller already knows (from the kernel command
// line arming step) carries the HandoffDescriptor.
func (f *Flasher) Run(rootStableID string) error {
	f.startedUnix = time.Now().Unix()
	var failErr error
	var failState State
	for {
		log.Infof("stage2: entering state %s", f.state)
		var err error
		switch f.state {
		case StateLocateRoot:
			err = f.locateRoot(rootStableID)
		case StateReadDescriptor:
			err = f.readDescriptor()
		case StateRestoreBoot:
			err = f.restoreBoot()
		case StateStageAssets:
			err = f.stageAssets()
		case StateUnmountAll:
			err = f.unmountAll()
		case StateFlash:
			err = f.flash()
		case StatePostConfigure:
			err = f.postConfigure()
		case StateFinalReboot:
			err = f.finalReboot()
		case StateFailRecover:
			return &ErrFailRecover{Cause: failErr, AtState: failState}
		case stateDone:
			return nil
		}
		if err != nil {
			if f.pastPointOfNoReturn() {
				// There is no recovering once FLASH has started;
				// surface the error but there is no FAIL_RECOVER
				// transition available anymore.
				return errors.Wrapf(err, "stage2: unrecoverable failure in state %s", f.state)
			}
			failErr, failState = err, f.state
			f.state = StateFailRecover
			continue
		}
		f.state = f.next()
	}
}

func (f *Flasher) pastPointOfNoReturn() bool {
	switch f.state {
	case StateFlash, StatePostConfigure, StateFinalReboot:
		return true
	default:
		return false
	}
}

func (f *Flasher) next() State {
	switch f.state {
	case StateLocateRoot:
		return StateReadDescriptor
	case StateReadDescriptor:
		return StateRestoreBoot
	case StateRestoreBoot:
		return StateStageAssets
	case StateStageAssets:
		return StateUnmountAll
	case StateUnmountAll:
		return StateFlash // <- point of no return
	case StateFlash:
		return StatePostConfigure
	case StatePostConfigure:
		return StateFinalReboot
	case StateFinalReboot:
		return stateDone
	default:
		return stateDone
	}
}

var rootMountPoint = "/mnt/migrate-root"

func (f *Flasher) locateRoot(stableID string) error {
	devPath, err := f.cfg.Resolver.ResolveStableID(stableID)
	if err != nil {
		return errors.Wrap(err, "stage2: resolving handoff root partition stable id")
	}
	if err := os.MkdirAll(rootMountPoint, 0755); err != nil {
		return errors.Wrap(err, "stage2: creating root mount point")
	}
	if err := f.cfg.Resolver.Mount(devPath, rootMountPoint, ""); err != nil {
		return errors.Wrap(err, "stage2: mounting handoff root partition")
	}
	return nil
}

func (f *Flasher) readDescriptor() error {
	path := filepath.Join(rootMountPoint, handoff.DescriptorFileName)
	d, err := handoff.Read(path)
	if err != nil {
		return errors.Wrap(err, "stage2: reading handoff descriptor")
	}
	f.desc = d

	var handles []*watchdog.Handle
	for _, wh := range d.Debug.WatchdogHandles {
		h, err := watchdog.Open(wh.Path, time.Duration(wh.Interval)*time.Second, wh.Close)
		if err != nil {
			log.Warnf("stage2: could not open watchdog %s: %v", wh.Path, err)
			continue
		}
		handles = append(handles, h)
	}
	f.kicker = watchdog.NewKicker(handles)
	f.kicker.Start()
	return nil
}

func (f *Flasher) restoreBoot() error {
	// The boot manager that Stage-1 used is not recorded by kind in the
	// descriptor (it is implicit in RestoreActionDescriptions); Stage-2
	// restores by invoking Restore on every candidate boot manager,
	// which is always safe since Restore must be idempotent and a no-op
	// absent its own staged files.
	for _, mgr := range f.cfg.BootManagers {
		plan := &bootmgr.BootPlan{BootManagerKind: mgr.Kind()}
		if err := mgr.Restore(plan); err != nil {
			log.Warnf("stage2: restore for %s reported an error: %v", mgr.Kind(), err)
		}
	}
	return nil
}

var ramStageDir = "/run/migrate-stage"

// stageAssets copies the work directory's contents into a tmpfs-backed
// location before UNMOUNT_ALL runs. FLASH and POST_CONFIGURE read from
// this copy, not from rootMountPoint, because by the time they run the
// device carrying the descriptor may be unmounted (raw_image mode) or may
// be the very disk FLASH is about to overwrite (filesystem_restore mode).
func (f *Flasher) stageAssets() error {
	source := filepath.Join(rootMountPoint, f.desc.WorkDirHandle.RelativePath)
	if err := os.MkdirAll(ramStageDir, 0755); err != nil {
		return errors.Wrap(err, "stage2: creating RAM staging directory")
	}
	if err := copyTree(source, ramStageDir); err != nil {
		return errors.Wrap(err, "stage2: staging work directory assets into RAM")
	}
	f.stagedWorkDir = ramStageDir
	log.Infof("stage2: staged %s into %s", source, ramStageDir)
	return nil
}

// copyTree recursively copies src onto dst, following the same
// open/create/io.Copy discipline bootmgr's copyFile uses for a single
// file, generalized here to a whole directory tree of regular files,
// directories and symlinks.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyRegularFile(path, target, info.Mode())
		}
	})
}

func copyRegularFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (f *Flasher) unmountAll() error {
	// Re-mounting read-only isn't needed on success; the descriptor has
	// already been read. In both flash modes the flash target is the disk
	// carrying the descriptor's partition, so it must come fully unmounted
	// before FLASH proceeds -- a stuck unmount here must abort to
	// FAIL_RECOVER rather than plough ahead against a busy mount.
	if err := f.cfg.Resolver.Unmount(rootMountPoint); err != nil {
		return errors.Wrap(err, "stage2: unmounting handoff root partition")
	}
	syscall.Sync()
	return nil
}

func (f *Flasher) flash() error {
	if f.cfg.NoFlash || f.desc.Debug.NoFlash {
		log.Warn("stage2: no_flash debug flag set, skipping destructive write")
		return nil
	}

	workDir := f.stagedWorkDir

	switch f.desc.FlashMode {
	case handoff.FlashModeRawImage:
		return f.flashRawImage(workDir)
	case handoff.FlashModeFilesystemRestore:
		return f.flashFilesystemRestore(workDir)
	default:
		return errors.Errorf("stage2: unknown flash mode %q", f.desc.FlashMode)
	}
}

func (f *Flasher) flashRawImage(workDir string) error {
	spec := f.desc.Image.RawImage
	imagePath := filepath.Join(workDir, spec.Path)

	info, err := os.Stat(imagePath)
	if err != nil {
		return errors.Wrap(err, "stage2: stat'ing raw image")
	}
	img, err := os.Open(imagePath)
	if err != nil {
		return errors.Wrap(err, "stage2: opening raw image")
	}
	defer img.Close()

	rootPartDevice, err := f.cfg.Resolver.ResolveStableID(f.desc.RootPartitionHandle.StableID)
	if err != nil {
		return errors.Wrap(err, "stage2: resolving flash target device")
	}
	targetDevice := diskOf(rootPartDevice)
	f.targetDisk = targetDevice

	bar := progressbar.New(info.Size())
	return WriteImage(targetDevice, img, info.Size(), func(deltaBytes int64) {
		bar.Tick(deltaBytes)
	})
}

// flashFilesystemRestore and postConfigure live in filesystem_restore.go
// and postconfigure.go respectively.

func (f *Flasher) finalReboot() error {
	if f.kicker != nil {
		f.kicker.Stop()
		f.kicker.CloseAll()
	}
	if f.desc.Debug.DelaySeconds > 0 {
		log.Infof("stage2: delaying final reboot by %ds per debug flag", f.desc.Debug.DelaySeconds)
		time.Sleep(time.Duration(f.desc.Debug.DelaySeconds) * time.Second)
	}
	if f.cfg.Commander != nil {
		return f.cfg.Commander.Command("reboot").Run()
	}
	return exec.Command("reboot").Run()
}
