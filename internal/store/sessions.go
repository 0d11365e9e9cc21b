package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/opendatalab/spawner/internal/workload"
)

// ClaimStarting inserts a STARTING row for the request, enforcing both
// admission invariants inside a single write transaction:
//
//   - at most one non-terminal row per (template, user, project) key, via a
//     conditional write on the claims bucket;
//   - at most containerLimit non-terminal rows per (user, project).
//
// Bolt serializes writers, so two concurrent starts for the same key cannot
// both pass: the second observes the first's claim and fails with
// ErrAlreadyRunning before any cluster call is made.
func (s *Store) ClaimStarting(row *workload.Row, containerLimit int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		claims := tx.Bucket(bucketClaims)
		sessions := tx.Bucket(bucketSessions)

		key := []byte(row.Key())
		if existing := claims.Get(key); existing != nil {
			// A claim may be stale if the claimed row already terminated;
			// anything non-terminal rejects the start.
			var held workload.Row
			if err := json.Unmarshal(sessions.Get(existing), &held); err == nil && held.State.NonTerminal() {
				return ErrAlreadyRunning
			}
		}

		count, err := countNonTerminal(sessions, row.CreatedBy, row.ProjectID)
		if err != nil {
			return err
		}
		if count >= containerLimit {
			return ErrContainerLimit
		}

		row.State = workload.Starting
		row.StartDate = time.Now().UTC()
		raw, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if err := sessions.Put([]byte(row.ID), raw); err != nil {
			return err
		}
		return claims.Put(key, []byte(row.ID))
	})
}

// MarkRunning finalizes a STARTING row with the confirmed pod name.
func (s *Store) MarkRunning(id, podName string) error {
	return s.updateRow(id, func(row *workload.Row) error {
		if row.State != workload.Starting {
			return fmt.Errorf("cannot mark %s RUNNING from %s", id, row.State)
		}
		row.State = workload.Running
		row.PodName = podName
		return nil
	})
}

// MarkStopping moves a non-terminal row to the terminal STOPPING state and
// releases its admission claim. Rows already in STOPPING stay untouched so
// repeated stops are idempotent. The row itself is kept for audit, with the
// reason recording whether this was a user stop, a cull or a rollback.
func (s *Store) MarkStopping(id string, reason workload.StopReason) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		raw := sessions.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("workload %s: %w", id, ErrNotFound)
		}
		var row workload.Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if row.State == workload.Stopping {
			return nil
		}
		row.State = workload.Stopping
		row.StopReason = reason
		row.EndDate = time.Now().UTC()

		updated, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		if err := sessions.Put([]byte(id), updated); err != nil {
			return err
		}

		claims := tx.Bucket(bucketClaims)
		key := []byte(row.Key())
		if holder := claims.Get(key); holder != nil && string(holder) == id {
			return claims.Delete(key)
		}
		return nil
	})
}

// GetRow fetches one workload row.
func (s *Store) GetRow(id string) (*workload.Row, error) {
	var row workload.Row
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("workload %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(raw, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListRows returns every row matching the filter; a nil filter returns all.
func (s *Store) ListRows(filter func(*workload.Row) bool) ([]workload.Row, error) {
	var rows []workload.Row
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, raw []byte) error {
			var row workload.Row
			if err := json.Unmarshal(raw, &row); err != nil {
				return err
			}
			if filter == nil || filter(&row) {
				rows = append(rows, row)
			}
			return nil
		})
	})
	return rows, err
}

// ListNonTerminal returns every row still counting against admission.
func (s *Store) ListNonTerminal() ([]workload.Row, error) {
	return s.ListRows(func(r *workload.Row) bool { return r.State.NonTerminal() })
}

// CountNonTerminal counts non-terminal rows for one user in one project.
func (s *Store) CountNonTerminal(userID, projectID string) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		count, err = countNonTerminal(tx.Bucket(bucketSessions), userID, projectID)
		return err
	})
	return count, err
}

func countNonTerminal(sessions *bolt.Bucket, userID, projectID string) (int, error) {
	count := 0
	err := sessions.ForEach(func(_, raw []byte) error {
		var row workload.Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if row.CreatedBy == userID && row.ProjectID == projectID && row.State.NonTerminal() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) updateRow(id string, mutate func(*workload.Row) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(bucketSessions)
		raw := sessions.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("workload %s: %w", id, ErrNotFound)
		}
		var row workload.Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if err := mutate(&row); err != nil {
			return err
		}
		updated, err := json.Marshal(&row)
		if err != nil {
			return err
		}
		return sessions.Put([]byte(id), updated)
	})
}
