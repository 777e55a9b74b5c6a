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

// Package stage1 implements the Stage-1 Orchestrator: it runs entirely on
// the live OS, composes Device Probe, the Boot Manager Abstraction and the
// Asset Planner, and either reports pretend-mode success or commits the
// device to a single reboot into Stage-2 by writing the HandoffDescriptor.
package stage1

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fieldkit-os/brownfield-migrate/asset"
	"github.com/fieldkit-os/brownfield-migrate/bootmgr"
	"github.com/fieldkit-os/brownfield-migrate/handoff"
	"github.com/fieldkit-os/brownfield-migrate/migrationlog"
	"github.com/fieldkit-os/brownfield-migrate/probe"
	"github.com/fieldkit-os/brownfield-migrate/system"
)

// Mode selects whether Run commits the device or merely reports what it
// would have done.
type Mode string

const (
	ModePretend   Mode = "pretend"
	ModeImmediate Mode = "immediate"
)

// Config is everything the orchestrator needs to plan and, in immediate
// mode, commit a migration.
type Config struct {
	Mode              Mode
	ForceFlashDevice  string
	RebootDelay       time.Duration
	PlanInputs        bootmgr.PlanInputs
	Declared          []asset.Declared
	Budget            asset.Budget
	RequireNetworkConfig bool
	HasNetworkConfig  bool
	WorkDir           string
	DescriptorFields  handoff.HandoffDescriptor
	Prober            probe.Prober
	Selector          *bootmgr.Selector
	Rebooter          *system.SystemRebootCmd
	History           *migrationlog.Store
}

// ErrAlreadyRunning is returned when the exclusive device lock is already
// held by another migration run (I4).
var ErrAlreadyRunning = errors.New("stage1: another migration run holds the device lock")

// Result summarizes what Run did, for the CLI to report and for the
// migrationlog to record.
type Result struct {
	Profile   *probe.DeviceProfile
	Plan      *asset.Plan
	BootPlan  *bootmgr.BootPlan
	Pretend   bool
	Committed bool
}

// Run executes the orchestrator end to end. ctx cancellation is honored up
// until install begins; once boot edits start landing, cancellation is
// ignored; spec.md's "commit past HandoffDescriptor write" rule is
// absolute regardless of context state.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	lock, err := acquireDeviceLock(cfg.ForceFlashDevice)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	startedUnix := time.Now().Unix()
	recordAttempt(cfg.History, startedUnix, migrationlog.StageProbed, "", "")

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "stage1: cancelled before probing")
	}

	profile, err := probe.Probe(cfg.Prober)
	if err != nil {
		return nil, errors.Wrap(err, "stage1: device probe failed")
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "stage1: cancelled after probing")
	}

	mgr, selectionLog, err := cfg.Selector.Select(profile, cfg.PlanInputs)
	if err != nil {
		return nil, errors.Wrap(err, "stage1: no boot manager variant accepted this device")
	}
	recordAttempt(cfg.History, startedUnix, migrationlog.StagePlanned, profile.DeviceClass, string(mgr.Kind()))

	planner := &asset.Planner{
		Budget:               cfg.Budget,
		RequireNetworkConfig: cfg.RequireNetworkConfig,
		HasNetworkConfig:     cfg.HasNetworkConfig,
	}
	plan, err := planner.Plan(cfg.Declared)
	if err != nil {
		return nil, errors.Wrap(err, "stage1: asset plan rejected")
	}

	if cfg.Mode == ModePretend {
		log.Info("stage1: pretend mode, reporting success without touching boot state")
		recordAttempt(cfg.History, startedUnix, migrationlog.StageComplete, profile.DeviceClass, string(mgr.Kind()))
		return &Result{Profile: profile, Plan: plan, Pretend: true}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "stage1: cancelled before boot install, nothing committed")
	}

	bootPlan, err := mgr.Install(profile, cfg.PlanInputs)
	if err != nil {
		// Failure during install: apply whatever RestoreActions were
		// accumulated so far and surface the original error. A nil
		// bootPlan means Install failed before accumulating any
		// action, so there is nothing to roll back.
		if bootPlan != nil {
			if restoreErr := bootmgr.RestoreAll(bootPlan.RestoreActions); restoreErr != nil {
				log.Errorf("stage1: rollback after failed install also failed: %v", restoreErr)
				recordAttempt(cfg.History, startedUnix, migrationlog.StageFailed, profile.DeviceClass, string(mgr.Kind()))
				return nil, errors.Wrapf(err, "stage1: install failed and rollback failed (%v)", restoreErr)
			}
			recordAttempt(cfg.History, startedUnix, migrationlog.StageRolledBack, profile.DeviceClass, string(mgr.Kind()))
		} else {
			recordAttempt(cfg.History, startedUnix, migrationlog.StageFailed, profile.DeviceClass, string(mgr.Kind()))
		}
		return nil, errors.Wrap(err, "stage1: boot install failed, rolled back")
	}
	bootPlan.SelectionLog = selectionLog
	recordAttempt(cfg.History, startedUnix, migrationlog.StageBootArmed, profile.DeviceClass, string(mgr.Kind()))

	descriptor := cfg.DescriptorFields
	descriptor.SchemaVersion = handoff.SchemaVersion
	for _, a := range bootPlan.RestoreActions {
		descriptor.RestoreActionDescriptions = append(descriptor.RestoreActionDescriptions, a.Describe())
	}

	// The working directory is assumed to live on the running root
	// filesystem (the same single-rootfs assumption asset.StatfsBudget
	// already makes against /boot); its stable id is therefore the root
	// partition's own, and the descriptor names it for both handles so
	// Stage-2 can find the partition carrying it with no live mount table
	// to consult.
	rootStableID, err := rootPartitionStableID(profile)
	if err != nil {
		if restoreErr := bootmgr.RestoreAll(bootPlan.RestoreActions); restoreErr != nil {
			log.Errorf("stage1: rollback after failed stable id resolution also failed: %v", restoreErr)
		}
		recordAttempt(cfg.History, startedUnix, migrationlog.StageFailed, profile.DeviceClass, string(mgr.Kind()))
		return nil, errors.Wrap(err, "stage1: resolving root partition stable id, boot state rolled back")
	}
	descriptor.RootPartitionHandle.StableID = rootStableID
	descriptor.WorkDirHandle.StableID = rootStableID

	descPath := descriptorPath(cfg.WorkDir)
	if err := handoff.Write(descPath, &descriptor); err != nil {
		// This is the last chance to roll back: the descriptor itself
		// never reached disk, so Stage-2 will never run.
		if restoreErr := bootmgr.RestoreAll(bootPlan.RestoreActions); restoreErr != nil {
			log.Errorf("stage1: rollback after failed descriptor write also failed: %v", restoreErr)
		}
		recordAttempt(cfg.History, startedUnix, migrationlog.StageFailed, profile.DeviceClass, string(mgr.Kind()))
		return nil, errors.Wrap(err, "stage1: writing handoff descriptor failed, boot state rolled back")
	}

	// Past this line Stage-1 is committed (spec.md §4.1 Lifecycle):
	// reverting now requires Stage-2's own restore path, not this
	// process's rollback.
	recordAttempt(cfg.History, startedUnix, migrationlog.StageHandoffWritten, profile.DeviceClass, string(mgr.Kind()))

	if cfg.RebootDelay > 0 {
		log.Infof("stage1: committed, rebooting in %s", cfg.RebootDelay)
		time.Sleep(cfg.RebootDelay)
	}
	if cfg.Rebooter != nil {
		go func() {
			if err := cfg.Rebooter.Reboot(); err != nil {
				log.Errorf("stage1: reboot call returned unexpectedly: %v", err)
			}
		}()
	}

	return &Result{Profile: profile, Plan: plan, BootPlan: bootPlan, Committed: true}, nil
}

func recordAttempt(history *migrationlog.Store, startedUnix int64, stage migrationlog.Stage, deviceClass, bootKind string) {
	if history == nil {
		return
	}
	if err := history.Record(migrationlog.Attempt{
		StartedUnix:     startedUnix,
		Stage:           stage,
		DeviceClass:     deviceClass,
		BootManagerKind: bootKind,
	}); err != nil {
		log.Warnf("stage1: recording attempt history: %v", err)
	}
}

// rootPartitionStableID finds the running root partition in profile's
// partition list and returns its firmware-visible stable id. Device Probe
// already refuses to produce a PartitionInfo with no stable id (probe.go's
// Probe), so the only failure mode here is a profile with no partition
// marked IsRoot at all.
func rootPartitionStableID(profile *probe.DeviceProfile) (string, error) {
	for _, part := range profile.Partitions {
		if part.IsRoot {
			return part.StableID, nil
		}
	}
	return "", errors.New("stage1: no partition in device profile is marked as root")
}

func descriptorPath(workDir string) string {
	if workDir == "" {
		workDir = "."
	}
	return workDir + string(os.PathSeparator) + handoff.DescriptorFileName
}

type deviceLock struct {
	file *os.File
}

// acquireDeviceLock holds an exclusive, non-blocking flock on the target
// device so two migration runs can never proceed concurrently on the same
// device (I4). An empty path means "no specific device file named", and
// falls back to a well-known lock file under /run.
func acquireDeviceLock(devicePath string) (*deviceLock, error) {
	path := devicePath
	if path == "" {
		path = "/run/migrate.lock"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "stage1: opening lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, errors.Wrap(err, "stage1: acquiring exclusive device lock")
	}
	return &deviceLock{file: f}, nil
}

func (l *deviceLock) release() {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		log.Warnf("stage1: releasing device lock: %v", err)
	}
	l.file.Close()
}
