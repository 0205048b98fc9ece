// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/deployguard/cmd/deployguard/internal/model"
)

// Dir is the directory under state_dir holding one database per target.
const Dir = "runs"

const runPrefix = "run/"

// ErrNotFound is returned when no run has the requested id.
var ErrNotFound = errors.New("run not found")

// RunStore persists DeploymentRun records for one target.
//
// # Thread Safety
//
// Safe for concurrent use.
type RunStore struct {
	db     *badger.DB
	target string
}

// Open opens the run store of target under stateDir. cfg.Path is derived
// from stateDir unless cfg is in-memory.
func Open(stateDir, target string, cfg Config) (*RunStore, error) {
	if !cfg.InMemory {
		cfg.Path = filepath.Join(stateDir, Dir, target)
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("run store for %s: %w", target, err)
	}
	return &RunStore{db: db, target: target}, nil
}

// Target returns the target this store belongs to.
func (s *RunStore) Target() string { return s.target }

// Put writes the current state of run, replacing any earlier version.
func (s *RunStore) Put(run *model.DeploymentRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+run.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns the run with id, or ErrNotFound.
func (s *RunStore) Get(id string) (*model.DeploymentRun, error) {
	var run model.DeploymentRun
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}
	return &run, nil
}

// List returns every run, newest first.
func (s *RunStore) List() ([]*model.DeploymentRun, error) {
	var runs []*model.DeploymentRun
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var run model.DeploymentRun
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// Active returns the non-terminal runs. Outside a live deployment these are
// runs interrupted by a crash of the controller.
func (s *RunStore) Active() ([]*model.DeploymentRun, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var active []*model.DeploymentRun
	for _, r := range all {
		if r.IsActive() {
			active = append(active, r)
		}
	}
	return active, nil
}

// Close flushes and closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Targets lists the targets that have a run store under stateDir.
func Targets(stateDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(stateDir, Dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, e := range entries {
		if e.IsDir() {
			targets = append(targets, e.Name())
		}
	}
	return targets, nil
}

// FindRun searches every target's store under stateDir for id. Stores are
// opened read-only.
func FindRun(stateDir, id string, cfg Config) (*model.DeploymentRun, error) {
	targets, err := Targets(stateDir)
	if err != nil {
		return nil, err
	}
	cfg.ReadOnly = true
	for _, t := range targets {
		s, err := Open(stateDir, t, cfg)
		if err != nil {
			return nil, err
		}
		run, err := s.Get(id)
		_ = s.Close()
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Lazy is a RunStore opened on first use.
//
// A deploy holds its target lock before it touches the store, so a
// concurrent deploy is rejected by the lock rather than by badger's own
// directory lock.
//
// # Thread Safety
//
// Safe for concurrent use.
type Lazy struct {
	stateDir string
	target   string
	cfg      Config

	mu    sync.Mutex
	store *RunStore
	err   error
}

// NewLazy returns a store for target that opens on first use.
func NewLazy(stateDir, target string, cfg Config) *Lazy {
	return &Lazy{stateDir: stateDir, target: target, cfg: cfg}
}

func (l *Lazy) open() (*RunStore, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil && l.err == nil {
		l.store, l.err = Open(l.stateDir, l.target, l.cfg)
	}
	return l.store, l.err
}

// Put writes run.
func (l *Lazy) Put(run *model.DeploymentRun) error {
	s, err := l.open()
	if err != nil {
		return err
	}
	return s.Put(run)
}

// Active returns the non-terminal runs.
func (l *Lazy) Active() ([]*model.DeploymentRun, error) {
	s, err := l.open()
	if err != nil {
		return nil, err
	}
	return s.Active()
}

// Close closes the store if it was opened.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}
