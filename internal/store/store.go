/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store is the embedded bookkeeping database: workload rows, git
// repositories and branches, docker images and snapshot ledger entries.
// It is a bolt key/value store with one bucket per table and JSON encoded
// values; no ORM, transactions give us the compare-and-set semantics the
// admission invariant needs.
package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRunning is returned by ClaimStarting when a non-terminal
	// workload already exists for the same (template, user, project) key.
	ErrAlreadyRunning = errors.New("workload already running for this template, user and project")
	// ErrContainerLimit is returned by ClaimStarting when the user is at
	// their non-terminal workload cap.
	ErrContainerLimit = errors.New("per-user container limit reached")
	// ErrNoRepo is returned when a project has no enabled git repository.
	ErrNoRepo = errors.New("no enabled git repository for project")
)

var (
	bucketSessions  = []byte("sessions")
	bucketClaims    = []byte("claims")
	bucketRepos     = []byte("repos")
	bucketBranches  = []byte("branches")
	bucketActive    = []byte("active_branches")
	bucketImages    = []byte("images")
	bucketSnapshots = []byte("snapshots")
)

var allBuckets = [][]byte{
	bucketSessions, bucketClaims, bucketRepos, bucketBranches,
	bucketActive, bucketImages, bucketSnapshots,
}

// Store wraps the bolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database file and ensures all buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
