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

package bootmgr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/fieldkit-os/brownfield-migrate/probe"
)

type fakeManager struct {
	kind       Kind
	canInstall error
}

func (f *fakeManager) Kind() Kind { return f.kind }
func (f *fakeManager) CanInstall(*probe.DeviceProfile, PlanInputs) error {
	return f.canInstall
}
func (f *fakeManager) Install(*probe.DeviceProfile, PlanInputs) (*BootPlan, error) {
	return &BootPlan{BootManagerKind: f.kind}, nil
}
func (f *fakeManager) Restore(*BootPlan) error { return nil }

func TestSelectorPicksFirstAcceptingCandidate(t *testing.T) {
	sel := &Selector{Candidates: []Manager{
		&fakeManager{kind: KindUEFIMenu, canInstall: errors.New("not uefi")},
		&fakeManager{kind: KindLegacyMenu, canInstall: nil},
		&fakeManager{kind: KindVendorBoot, canInstall: nil},
	}}

	chosen, log, err := sel.Select(&probe.DeviceProfile{}, PlanInputs{})
	assert.NoError(t, err)
	assert.Equal(t, KindLegacyMenu, chosen.Kind())
	assert.Len(t, log, 2)
	assert.False(t, log[0].Accepted)
	assert.True(t, log[1].Accepted)
}

func TestSelectorReturnsErrorWhenNoneAccept(t *testing.T) {
	sel := &Selector{Candidates: []Manager{
		&fakeManager{kind: KindUEFIMenu, canInstall: errors.New("no")},
	}}

	_, _, err := sel.Select(&probe.DeviceProfile{}, PlanInputs{})
	assert.ErrorIs(t, err, ErrNoViableBootPath)
}

func TestRestoreAllReportsEveryFailure(t *testing.T) {
	actions := []RestoreAction{
		NewRestoreAction("ok", func() error { return nil }),
		NewRestoreAction("bad-one", func() error { return errors.New("boom") }),
	}
	err := RestoreAll(actions)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bad-one")
}

func TestRestoreActionDescribeAndApply(t *testing.T) {
	called := false
	action := NewRestoreAction("undo thing", func() error {
		called = true
		return nil
	})
	assert.Equal(t, "undo thing", action.Describe())
	assert.NoError(t, action.Apply())
	assert.True(t, called)
}
