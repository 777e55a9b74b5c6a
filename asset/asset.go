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

// Package asset implements the Asset Planner: it validates and sizes every
// file a migration run will consume, and refuses to let Stage-1 proceed
// past boot installation unless both the destination boot area and Stage-2's
// RAM working set have room for them.
package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Kind distinguishes where a declared file ends up and therefore which
// budget (boot-area space or Stage-2 RAM working set) it is checked
// against.
type Kind string

const (
	KindBootArea  Kind = "boot-area"
	KindWorkingSet Kind = "working-set"
)

// Declared is one file the migration config names, before it has been
// checked against the filesystem.
type Declared struct {
	Path           string
	OptionalDigest string // hex sha256, empty if not supplied
	Kind           Kind
	Label          string // for error messages: "kernel", "initrd", "backup archive", ...
}

// Checked is a Declared file augmented with the facts the planner verified:
// it exists, is readable, and (if a digest was supplied) matches it.
type Checked struct {
	Declared
	SizeBytes uint64
}

// Plan is the Asset Planner's verdict: every file checked out, and there is
// room for all of it.
type Plan struct {
	BootArea   []Checked
	WorkingSet []Checked
	TotalBootAreaBytes   uint64
	TotalWorkingSetBytes uint64
}

// Budget describes the space available to check declared assets against.
type Budget struct {
	BootAreaFreeBytes   uint64
	BootAreaReserveBytes uint64
	RAMAvailableBytes   uint64
	RAMReserveBytes     uint64
}

// ErrNoNetworkConfig is returned when the plan carries zero network
// configuration files and the operator has not explicitly waived the
// requirement; shipping such a device would produce one that can never
// come back online.
var ErrNoNetworkConfig = errors.New("asset: no network configuration supplied and requirement not waived")

// Planner runs its checks in this order: existence/readability, digest,
// boot-area space, working-set RAM, and network-config presence. Plan does
// not check working-directory reachability, and it does not check
// filesystem_restore layout consistency (VerifyPartitionLayout does that
// separately, when a caller invokes it).
type Planner struct {
	Budget                Budget
	RequireNetworkConfig  bool
	HasNetworkConfig      bool
}

func (p *Planner) Plan(declared []Declared) (*Plan, error) {
	plan := &Plan{}
	for _, d := range declared {
		checked, err := checkOne(d)
		if err != nil {
			return nil, err
		}
		switch d.Kind {
		case KindBootArea:
			plan.BootArea = append(plan.BootArea, *checked)
			plan.TotalBootAreaBytes += checked.SizeBytes
		case KindWorkingSet:
			plan.WorkingSet = append(plan.WorkingSet, *checked)
			plan.TotalWorkingSetBytes += checked.SizeBytes
		default:
			return nil, errors.Errorf("asset: %s has unknown placement kind %q", d.Label, d.Kind)
		}
	}

	bootBudget := p.Budget.BootAreaFreeBytes
	if bootBudget < p.Budget.BootAreaReserveBytes {
		bootBudget = 0
	} else {
		bootBudget -= p.Budget.BootAreaReserveBytes
	}
	if plan.TotalBootAreaBytes > bootBudget {
		return nil, errors.Errorf(
			"asset: boot-area assets need %s but only %s is available after reserve",
			humanize.Bytes(plan.TotalBootAreaBytes), humanize.Bytes(bootBudget))
	}

	ramBudget := p.Budget.RAMAvailableBytes
	if ramBudget < p.Budget.RAMReserveBytes {
		ramBudget = 0
	} else {
		ramBudget -= p.Budget.RAMReserveBytes
	}
	if plan.TotalWorkingSetBytes > ramBudget {
		return nil, errors.Errorf(
			"asset: stage-2 working set needs %s but only %s RAM is available after reserve",
			humanize.Bytes(plan.TotalWorkingSetBytes), humanize.Bytes(ramBudget))
	}

	if !p.HasNetworkConfig && !p.RequireNetworkConfig {
		log.Warn("asset: proceeding with no network configuration, operator has waived the requirement")
	} else if !p.HasNetworkConfig {
		return nil, ErrNoNetworkConfig
	}

	log.Infof("asset: plan accepted, boot-area=%s working-set=%s",
		humanize.Bytes(plan.TotalBootAreaBytes), humanize.Bytes(plan.TotalWorkingSetBytes))
	return plan, nil
}

func checkOne(d Declared) (*Checked, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "asset: %s (%s) is not readable", d.Label, d.Path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "asset: %s (%s) stat failed", d.Label, d.Path)
	}

	if d.OptionalDigest == "" {
		return &Checked{Declared: d, SizeBytes: uint64(info.Size())}, nil
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, errors.Wrapf(err, "asset: %s (%s) could not be hashed", d.Label, d.Path)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != d.OptionalDigest {
		return nil, errors.Errorf("asset: %s (%s) digest mismatch: want %s, got %s",
			d.Label, d.Path, d.OptionalDigest, got)
	}
	return &Checked{Declared: d, SizeBytes: uint64(info.Size())}, nil
}

// StatfsBudget fills in BootAreaFreeBytes by calling statfs(2) on the
// mounted boot area and MemAvailable from /proc/meminfo-derived values
// already known to the caller (Device Probe owns that read).
func StatfsBudget(bootAreaMountPoint string, ramAvailable uint64) (Budget, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(bootAreaMountPoint, &stat); err != nil {
		return Budget{}, errors.Wrapf(err, "asset: statfs on boot area %s", bootAreaMountPoint)
	}
	return Budget{
		BootAreaFreeBytes: uint64(stat.Bavail) * uint64(stat.Bsize),
		RAMAvailableBytes: ramAvailable,
	}, nil
}

// VerifyPartitionLayout checks the consistency invariant for
// filesystem_restore mode: every declared partition's size in blocks must
// be positive, and boot plus at least one root slot must be present. It
// does not re-check file existence; Plan already did that for every
// archive path passed in through declared.
func VerifyPartitionLayout(sizesBlocks map[string]uint64) error {
	if _, ok := sizesBlocks["boot"]; !ok {
		return errors.New("asset: filesystem_restore layout missing boot partition")
	}
	_, hasA := sizesBlocks["root_a"]
	_, hasB := sizesBlocks["root_b"]
	if !hasA && !hasB {
		return errors.New("asset: filesystem_restore layout missing a root partition")
	}
	for name, blocks := range sizesBlocks {
		if blocks == 0 {
			return errors.Errorf("asset: filesystem_restore partition %s declares zero size", name)
		}
	}
	return nil
}
