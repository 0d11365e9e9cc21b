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

// Package cloner holds the git sidecar utilities shipped in the sidecars
// image: the standalone cloner and the knights-watch autosave loop.
package cloner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"gopkg.in/yaml.v3"
)

// Pre cloning strategies.
const (
	NotIfExist string = "notifexist" // Do not clone if target already exists
	Overwrite  string = "overwrite"  // Remove target first if it exists
	NoStrategy string = "nostrategy" // Let git handle the situation
)

// PreCloningStrategies lists the accepted --strategy values.
var PreCloningStrategies = []string{NotIfExist, Overwrite, NoStrategy}

// CloneOptions drives one clone run.
type CloneOptions struct {
	Remote   string
	Revision string
	// Path is the parent directory; the repository name from the remote URL
	// is appended to it.
	Path     string
	Strategy string
	// ConfigPath points at an optional yaml file with credentials, so they
	// never appear in the container's argv.
	ConfigPath string
}

type cloneConfig struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password"`
}

// ClonePath derives the checkout directory from the remote URL.
func ClonePath(remote, parent string) (string, error) {
	endpoint, err := transport.NewEndpoint(remote)
	if err != nil {
		return "", fmt.Errorf("parsing remote: %w", err)
	}
	// FieldsFunc handles repeated and leading/trailing separators more
	// sanely than Split
	parts := strings.FieldsFunc(endpoint.Path, func(c rune) bool { return c == '/' })
	if len(parts) == 0 {
		return "", fmt.Errorf("expecting repo in url path, received: %s", endpoint.Path)
	}
	name := strings.TrimSuffix(parts[len(parts)-1], ".git")
	if parent == "" {
		return name, nil
	}
	return filepath.Join(parent, name), nil
}

// applyStrategy prepares the target directory. done=true means the strategy
// decided nothing needs cloning.
func applyStrategy(strategy, clonePath string) (done bool, err error) {
	if strategy == NoStrategy || strategy == "" {
		return false, nil
	}
	_, err = os.Stat(clonePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	switch strategy {
	case NotIfExist:
		return true, nil
	case Overwrite:
		if err := os.RemoveAll(clonePath); err != nil {
			return false, fmt.Errorf("removing existing clone: %w", err)
		}
	}
	return false, nil
}

// Clone checks the remote out under opts.Path, single branch at the
// requested revision. It returns the checkout directory.
func Clone(opts CloneOptions) (string, error) {
	clonePath, err := ClonePath(opts.Remote, opts.Path)
	if err != nil {
		return "", err
	}
	done, err := applyStrategy(opts.Strategy, clonePath)
	if err != nil {
		return "", err
	}
	if done {
		return clonePath, nil
	}

	cloneOptions := git.CloneOptions{
		URL:               opts.Remote,
		SingleBranch:      true,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}
	if opts.Revision != "" {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(opts.Revision)
	}

	if opts.ConfigPath != "" {
		buf, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return "", fmt.Errorf("reading credentials file: %w", err)
		}
		var cfg cloneConfig
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return "", fmt.Errorf("parsing credentials file: %w", err)
		}
		if cfg.Username == "" {
			return "", errors.New("credentials file must set username")
		}
		cloneOptions.Auth = &http.BasicAuth{Username: cfg.Username, Password: cfg.Password}
	}

	if _, err := git.PlainClone(clonePath, false, &cloneOptions); err != nil {
		return "", fmt.Errorf("clone failed: %w", err)
	}
	return clonePath, nil
}
