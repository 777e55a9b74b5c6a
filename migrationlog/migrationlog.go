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

// Package migrationlog records every migration attempt this device has
// made, in an LMDB database, so the status CLI command and post-mortem
// debugging can see the outcome of runs whose process has long since
// exited. It supplements spec.md's on-disk HandoffDescriptor, which is
// deleted at the point of no return and therefore cannot itself serve as a
// history.
package migrationlog

import (
	"encoding/json"
	"path/filepath"

	"github.com/bmatsuo/lmdb-go/lmdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DBName is the file LMDB stores attempt history under.
const DBName = "migrate-history"

// Stage names an attempt's furthest recorded point, for the status command.
type Stage string

const (
	StageProbed      Stage = "probed"
	StagePlanned     Stage = "planned"
	StageBootArmed   Stage = "boot-armed"
	StageHandoffWritten Stage = "handoff-written"
	StageFlashing    Stage = "flashing"
	StageComplete    Stage = "complete"
	StageFailed      Stage = "failed"
	StageRolledBack  Stage = "rolled-back"
)

// Attempt is one recorded migration attempt.
type Attempt struct {
	StartedUnix   int64  `json:"started_unix"`
	FinishedUnix  int64  `json:"finished_unix,omitempty"`
	Stage         Stage  `json:"stage"`
	DeviceClass   string `json:"device_class,omitempty"`
	BootManagerKind string `json:"boot_manager_kind,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Store is an LMDB-backed append log of Attempts, keyed by start time.
type Store struct {
	env *lmdb.Env
}

// Open creates or opens the history database under dirPath.
func Open(dirPath string) (*Store, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "migrationlog: creating lmdb environment")
	}
	if err := env.Open(filepath.Join(dirPath, DBName), lmdb.NoSubdir, 0600); err != nil {
		return nil, errors.Wrap(err, "migrationlog: opening lmdb environment")
	}
	return &Store{env: env}, nil
}

func (s *Store) Close() error {
	if s.env == nil {
		return nil
	}
	err := s.env.Close()
	s.env = nil
	return err
}

// Record writes or overwrites the Attempt keyed by its StartedUnix
// timestamp (formatted as a sortable fixed-width key), so recording the
// same attempt again replaces its earlier entry.
func (s *Store) Record(a Attempt) error {
	if s.env == nil {
		return errors.New("migrationlog: store not open")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "migrationlog: encoding attempt")
	}
	key := attemptKey(a.StartedUnix)
	err = s.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txn.Put(dbi, key, data, 0)
	})
	if err != nil {
		return errors.Wrap(err, "migrationlog: writing attempt record")
	}
	return nil
}

// Latest returns the most recently started attempt, or nil if the history
// is empty.
func (s *Store) Latest() (*Attempt, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return &all[len(all)-1], nil
}

// All returns every recorded attempt, oldest first (LMDB's default cursor
// order on our fixed-width big-endian keys is already chronological).
func (s *Store) All() ([]Attempt, error) {
	if s.env == nil {
		return nil, errors.New("migrationlog: store not open")
	}
	var attempts []Attempt
	err := s.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		cur, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()
		for {
			_, v, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				log.Warnf("migrationlog: skipping malformed record: %v", err)
				continue
			}
			attempts = append(attempts, a)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "migrationlog: reading attempt history")
	}
	return attempts, nil
}

func attemptKey(startedUnix int64) []byte {
	key := make([]byte, 8)
	u := uint64(startedUnix)
	for i := 7; i >= 0; i-- {
		key[i] = byte(u)
		u >>= 8
	}
	return key
}
