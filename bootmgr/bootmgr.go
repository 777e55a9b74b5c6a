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

// Package bootmgr is the Boot Manager Abstraction: a closed set of variants,
// one per boot ecosystem, behind a single capability triple (CanInstall,
// Install, Restore). Dispatch is data-driven from a probe.DeviceProfile; it
// never does a run-time string lookup on boot-manager "type" names.
package bootmgr

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldkit-os/brownfield-migrate/probe"
)

// Kind names a boot ecosystem. It is used only for logging and for
// recording the selection decision in the BootPlan; dispatch itself is
// through the Manager interface, never a switch on Kind.
type Kind string

const (
	KindLegacyMenu   Kind = "legacy-menu"
	KindUEFIMenu     Kind = "uefi-firmware-menu"
	KindVendorBoot   Kind = "vendor-boot-partition"
	KindEnvFile      Kind = "embedded-bootloader-envfile"
)

// ErrNoViableBootPath is returned by Select when no candidate answers yes
// to CanInstall.
var ErrNoViableBootPath = errors.New("bootmgr: no viable boot path for this device")

// StagedFile is one file Install copies into the boot area, recorded so
// Asset Planner can size it and so Restore knows what to remove.
type StagedFile struct {
	SourcePath      string
	DestinationPath string
}

// RestoreAction is a declarative, reversible edit. Every Install step that
// mutates boot-area state must push a matching RestoreAction before (or as
// part of) performing the mutation, so that Stage-2's RESTORE_BOOT can
// always undo everything Stage-1 did, even if Install itself failed
// halfway through.
type RestoreAction interface {
	// Describe returns a short, human-readable description for logs and
	// for the handoff descriptor.
	Describe() string
	// Apply performs the undo. It must be safe to call more than once
	// (Testable Property 5, idempotent restore).
	Apply() error
}

// PlanInputs carries everything a Manager variant needs to build a
// BootPlan, beyond the DeviceProfile itself: where Stage-2's kernel/initrd
// live on the live filesystem, and which stable id Stage-2 should boot
// from.
type PlanInputs struct {
	KernelPath        string
	InitrdPath        string
	DeviceTreePath    string // optional
	Stage2RootStableID string // PARTUUID/UUID Stage-2 will mount as its root
	ExtraKernelOpts   string
	OSName            string
}

// BootPlan is the result of a successful Install: what got staged, what the
// resulting kernel command line looks like, and the undo log that restores
// the pre-install state.
type BootPlan struct {
	BootManagerKind Kind
	StagedFiles     []StagedFile
	KernelCmdline   string
	RestoreActions  []RestoreAction
	OneShot         bool
	// SelectionLog records, in order, every candidate tried and why it
	// was or wasn't chosen. Open Question (a) in spec.md §9 requires
	// this to be explicit rather than an implicit "first one wins".
	SelectionLog []SelectionAttempt
}

// SelectionAttempt records one candidate's CanInstall verdict during
// selection.
type SelectionAttempt struct {
	Kind     Kind
	Accepted bool
	Reason   string
}

// Manager is the capability triple every boot ecosystem variant implements.
type Manager interface {
	Kind() Kind
	// CanInstall reports whether this variant can be installed on the
	// given device, or a reason it cannot (destination space, required
	// tooling, firmware quirks -- secure-boot rejection is repeated here
	// even though Device Probe already filtered it, since CanInstall
	// must be safe to call standalone in tests).
	CanInstall(profile *probe.DeviceProfile, in PlanInputs) error
	// Install stages files and edits menus/variables, returning the
	// exact RestoreActions it performed. The arming step -- the one
	// that causes the next boot to run Stage-2 -- is always the last
	// action Install performs; every earlier action is reversible by
	// pure file operations on the mounted boot area.
	Install(profile *probe.DeviceProfile, in PlanInputs) (*BootPlan, error)
	// Restore undoes an Install. It is executed by Stage-2 before it
	// becomes destructive, so it must not depend on any state that
	// Stage-1's process held in memory.
	Restore(plan *BootPlan) error
}

// Selector implements the "first candidate that can install" rule from
// spec.md §4.2.
type Selector struct {
	Candidates []Manager
}

// Select returns the first candidate whose CanInstall succeeds, recording
// every attempt (accepted or not) into the returned BootPlan's
// SelectionLog once Install is called. If none accept, it returns
// ErrNoViableBootPath.
func (s *Selector) Select(profile *probe.DeviceProfile, in PlanInputs) (Manager, []SelectionAttempt, error) {
	var log_ []SelectionAttempt
	for _, c := range s.Candidates {
		if err := c.CanInstall(profile, in); err != nil {
			log_ = append(log_, SelectionAttempt{Kind: c.Kind(), Accepted: false, Reason: err.Error()})
			log.Debugf("bootmgr: candidate %s rejected: %v", c.Kind(), err)
			continue
		}
		log_ = append(log_, SelectionAttempt{Kind: c.Kind(), Accepted: true})
		log.Infof("bootmgr: selected boot manager %s", c.Kind())
		return c, log_, nil
	}
	return nil, log_, ErrNoViableBootPath
}

// funcRestoreAction adapts a plain function and description into a
// RestoreAction, used by variants whose undo step is a one-liner.
type funcRestoreAction struct {
	description string
	apply       func() error
}

func (f *funcRestoreAction) Describe() string { return f.description }
func (f *funcRestoreAction) Apply() error     { return f.apply() }

// NewRestoreAction builds a RestoreAction from a description and a closure.
func NewRestoreAction(description string, apply func() error) RestoreAction {
	return &funcRestoreAction{description: description, apply: apply}
}

// RestoreAll applies every RestoreAction in plan, continuing past
// individual failures and returning a combined error naming every action
// that failed to register (the orchestrator must not exit 0 in that case,
// per spec.md §6 exit codes).
func RestoreAll(actions []RestoreAction) error {
	var failed []string
	for _, a := range actions {
		if err := a.Apply(); err != nil {
			log.Errorf("bootmgr: restore action %q failed: %v", a.Describe(), err)
			failed = append(failed, a.Describe())
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("bootmgr: %d restore action(s) failed to apply: %v", len(failed), failed)
	}
	return nil
}
