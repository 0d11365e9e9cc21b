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
package main

import (
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/opendatalab/spawner/internal/cloner"
)

func buildCommands() *cobra.Command {
	var rootCmd = &cobra.Command{
		Short: "Spawner sidecar utilities",
		Long:  "Spawner sidecar utilities",
	}
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the sidecar executable",
		Run: func(cmd *cobra.Command, args []string) {
			version := "(devel)"
			info, ok := debug.ReadBuildInfo()
			if ok && len(info.Main.Version) > 0 {
				version = info.Main.Version
			}
			cmd.Println("sidecars", version)
		},
	}
	clonerRoot := &cobra.Command{
		Use:   "cloner",
		Short: "Repository cloning and autosave utilities",
	}
	rootCmd.AddCommand(versionCmd)
	cloneCmd, err := cloner.CloneCommand()
	cobra.CheckErr(err)
	watchCmd, err := cloner.WatchCommand()
	cobra.CheckErr(err)
	clonerRoot.AddCommand(cloneCmd)
	clonerRoot.AddCommand(watchCmd)
	rootCmd.AddCommand(clonerRoot)
	return rootCmd
}

func main() {
	cmd := buildCommands()
	cobra.CheckErr(cmd.Execute())
}
