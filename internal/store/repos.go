package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Repo is a git repository registered for a project.
type Repo struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Remote    string `json:"remote"`
	// BaseFolder is the repository subtree seeded into the notebook dir.
	BaseFolder string `json:"baseFolder,omitempty"`
	Enabled    bool   `json:"enabled"`
}

// Branch is one branch of a registered repository. Among enabled repos, at
// most one branch per repo may carry the default flag; PutBranch maintains
// that invariant by clearing the flag from siblings in the same transaction.
type Branch struct {
	ID          string `json:"id"`
	RepoID      string `json:"repoId"`
	Name        string `json:"name"`
	DefaultFlag bool   `json:"defaultFlag"`
}

// activeKey marks the branch a (repo, project-user) pair works on.
func activeKey(repoID, userID string) []byte {
	return []byte(repoID + "/" + userID)
}

// PutRepo inserts or replaces a repository row.
func (s *Store) PutRepo(repo *Repo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(repo)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRepos).Put([]byte(repo.ID), raw)
	})
}

// PutBranch inserts or replaces a branch row. When the branch carries the
// default flag, the flag is removed from every other branch of the same
// repository inside the same transaction, keeping the one-default-per-repo
// invariant airtight.
func (s *Store) PutBranch(branch *Branch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		branches := tx.Bucket(bucketBranches)
		if branch.DefaultFlag {
			// The bucket must not be modified from inside ForEach; collect
			// the siblings first and clear their flags after.
			var siblings []Branch
			err := branches.ForEach(func(_, raw []byte) error {
				var other Branch
				if err := json.Unmarshal(raw, &other); err != nil {
					return err
				}
				if other.RepoID == branch.RepoID && other.ID != branch.ID && other.DefaultFlag {
					siblings = append(siblings, other)
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, other := range siblings {
				other.DefaultFlag = false
				cleared, err := json.Marshal(&other)
				if err != nil {
					return err
				}
				if err := branches.Put([]byte(other.ID), cleared); err != nil {
					return err
				}
			}
		}
		raw, err := json.Marshal(branch)
		if err != nil {
			return err
		}
		return branches.Put([]byte(branch.ID), raw)
	})
}

// SetActiveBranch marks the branch a user works on for a repository.
func (s *Store) SetActiveBranch(repoID, userID, branchID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBranches).Get([]byte(branchID)) == nil {
			return fmt.Errorf("branch %s: %w", branchID, ErrNotFound)
		}
		return tx.Bucket(bucketActive).Put(activeKey(repoID, userID), []byte(branchID))
	})
}

// ResolveRepo finds the enabled repository for a project together with the
// branch to check out: the user's active branch when one is set, otherwise
// the repo's default branch. A project without an enabled repo is a hard
// precondition failure.
func (s *Store) ResolveRepo(projectID, userID string) (*Repo, *Branch, error) {
	var repo *Repo
	var branch *Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		repos := tx.Bucket(bucketRepos)
		err := repos.ForEach(func(_, raw []byte) error {
			var r Repo
			if err := json.Unmarshal(raw, &r); err != nil {
				return err
			}
			if r.ProjectID == projectID && r.Enabled && repo == nil {
				repo = &r
			}
			return nil
		})
		if err != nil {
			return err
		}
		if repo == nil {
			return fmt.Errorf("project %s: %w", projectID, ErrNoRepo)
		}

		branches := tx.Bucket(bucketBranches)
		if active := tx.Bucket(bucketActive).Get(activeKey(repo.ID, userID)); active != nil {
			raw := branches.Get(active)
			if raw != nil {
				var b Branch
				if err := json.Unmarshal(raw, &b); err != nil {
					return err
				}
				branch = &b
				return nil
			}
		}
		return branches.ForEach(func(_, raw []byte) error {
			var b Branch
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			if b.RepoID == repo.ID && b.DefaultFlag && branch == nil {
				branch = &b
			}
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	if branch == nil {
		return nil, nil, fmt.Errorf("repo %s has no default branch: %w", repo.ID, ErrNoRepo)
	}
	return repo, branch, nil
}

// ListBranches returns the branches of one repository.
func (s *Store) ListBranches(repoID string) ([]Branch, error) {
	var out []Branch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBranches).ForEach(func(_, raw []byte) error {
			var b Branch
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			if b.RepoID == repoID {
				out = append(out, b)
			}
			return nil
		})
	})
	return out, err
}
