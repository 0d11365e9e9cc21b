package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Snapshot is a ledger entry binding a named, versioned data directory to
// the workload that produced it.
type Snapshot struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	WorkloadID string    `json:"workloadId"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PutSnapshot records a snapshot ledger entry.
func (s *Store) PutSnapshot(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if snap.CreatedAt.IsZero() {
			snap.CreatedAt = time.Now().UTC()
		}
		raw, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put([]byte(snap.ID), raw)
	})
}

// ListSnapshots returns the snapshot entries for a project.
func (s *Store) ListSnapshots(projectID string) ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, raw []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				return err
			}
			if snap.ProjectID == projectID {
				out = append(out, snap)
			}
			return nil
		})
	})
	return out, err
}
