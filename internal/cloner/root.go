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
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// CloneCommand builds the standalone cloner subcommand.
func CloneCommand() (*cobra.Command, error) {
	opts := CloneOptions{}
	strategy := newEnum(PreCloningStrategies, NoStrategy)

	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Clone a project repository",
		Run: func(cmd *cobra.Command, args []string) {
			opts.Strategy = strategy.Value
			clonePath, err := Clone(opts)
			if err != nil {
				log.Fatal(err)
			}
			log.Print("cloned ", opts.Remote, " to ", clonePath)
		},
	}

	cmd.Flags().StringVar(&opts.Remote, "remote", "", "remote URL to clone")
	if err := cmd.MarkFlagRequired("remote"); err != nil {
		return nil, err
	}
	cmd.Flags().StringVar(&opts.Revision, "revision", "", "branch to check out")
	cmd.Flags().StringVar(&opts.Path, "path", "", "parent directory for the checkout")
	if err := cmd.MarkFlagRequired("path"); err != nil {
		return nil, err
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a yaml credentials file")
	cmd.Flags().VarP(strategy, "strategy", "", "the pre cloning strategy")
	return cmd, nil
}

// WatchCommand builds the knights-watch autosave subcommand, matching the
// args the sidecar container is started with.
func WatchCommand() (*cobra.Command, error) {
	opts := WatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Periodically commit and push working tree changes",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := Watch(ctx, opts); err != nil {
				log.Fatal(err)
			}
		},
	}

	cmd.Flags().StringVar(&opts.Workload, "workload", "", "workload id tagging autosave commits")
	if err := cmd.MarkFlagRequired("workload"); err != nil {
		return nil, err
	}
	cmd.Flags().StringVar(&opts.RepoPath, "repo-path", "", "checkout to watch")
	if err := cmd.MarkFlagRequired("repo-path"); err != nil {
		return nil, err
	}
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch the checkout is on")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 5*time.Minute, "autosave interval")
	return cmd, nil
}
