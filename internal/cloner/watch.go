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

package cloner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const autosaveAuthor = "spawner-bot"
const autosaveEmail = "spawner-bot@opendatalab.io"

// WatchOptions drives the knights-watch autosave loop running next to
// every session container.
type WatchOptions struct {
	// RepoPath is the working checkout the session writes into.
	RepoPath string
	// Branch is informational, recorded in the commit message; the loop
	// commits to whatever branch the checkout is on.
	Branch string
	// Workload tags the autosave commits.
	Workload string
	Interval time.Duration
}

// Watch commits and pushes dirty working tree state on every tick until the
// context ends, then once more so nothing written during the final interval
// is lost.
func Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Interval <= 0 {
		return errors.New("watch interval must be positive")
	}
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := CommitAndPush(opts); err != nil {
				return fmt.Errorf("final autosave: %w", err)
			}
			return nil
		case <-ticker.C:
			if committed, err := CommitAndPush(opts); err != nil {
				// a failed autosave must not kill the sidecar, the next
				// tick retries
				log.Print("autosave failed: ", err)
			} else if committed {
				log.Print("autosaved ", opts.RepoPath)
			}
		}
	}
}

// CommitAndPush stores one autosave commit when the working tree is dirty.
// It reports whether a commit was made.
func CommitAndPush(opts WatchOptions) (bool, error) {
	repo, err := git.PlainOpen(opts.RepoPath)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", opts.RepoPath, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := worktree.Status()
	if err != nil {
		return false, err
	}
	if status.IsClean() {
		return false, nil
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("staging changes: %w", err)
	}
	message := fmt.Sprintf("autosave %s %s", opts.Workload, time.Now().UTC().Format(time.RFC3339))
	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: autosaveAuthor, Email: autosaveEmail, When: time.Now()},
	})
	if err != nil {
		return false, fmt.Errorf("committing autosave: %w", err)
	}

	err = repo.Push(&git.PushOptions{})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return true, fmt.Errorf("pushing autosave: %w", err)
	}
	return true, nil
}
