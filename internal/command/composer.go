package command

import (
	"fmt"

	"github.com/opendatalab/spawner/internal/workload"
)

// Config fixes the paths and endpoints baked into generated scripts.
type Config struct {
	// CodeDir is the ephemeral volume where repositories are cloned.
	CodeDir string
	// NotebookDir is the working notebook directory seeded from the repo
	// base folder.
	NotebookDir string
	// NASPackageRoot is the shared package cache keyed by (template, image).
	NASPackageRoot string
	// PackageDiffCmd is the helper invoked to diff requested packages
	// against the NAS cache.
	PackageDiffCmd string
	// MeteringURL is the base URL of the external metering service.
	MeteringURL string
	// LogDir is where execution logs are teed, per project and workload.
	LogDir string
}

// Composer turns workload requests into the shell scripts that run inside
// the init and main containers. All methods are deterministic: identical
// requests render byte-identical scripts.
type Composer struct {
	cfg Config
}

func NewComposer(cfg Config) *Composer {
	if cfg.PackageDiffCmd == "" {
		cfg.PackageDiffCmd = "python3 /opt/spawner/pkgdiff.py"
	}
	return &Composer{cfg: cfg}
}

// logFile is the per-workload execution log path.
func (c *Composer) logFile(req *workload.Request) string {
	return fmt.Sprintf("%s/%s/%s/execution.log", c.cfg.LogDir, req.Identity.ProjectID, req.ID)
}

// ComposeInitCommand builds the init container script: primary repository
// clone and seeding, then the git macros. Macro failures are swallowed by
// construction, everything else fails the init container and with it the
// workload start.
func (c *Composer) ComposeInitCommand(req *workload.Request) string {
	s := NewScript()
	s.AddRaw("set -e")
	c.CloneRepo(s, req)
	c.CloneMacros(s, req.Macros)
	return s.Render()
}

// ComposeMainCommand builds the main container script: package
// installation, then the kernel entrypoint under the sentinel protocol. The
// entrypoint's exit code, not the log tee's, decides success.
func (c *Composer) ComposeMainCommand(req *workload.Request, entrypoint string, libPath string) (string, error) {
	install, err := c.ComposePackageInstall(req, libPath)
	if err != nil {
		return "", err
	}
	s := NewScript()
	s.Add("mkdir -p %s/%s/%s", c.cfg.LogDir, req.Identity.ProjectID, req.ID)
	s.AddRaw(trimShebang(install))
	s.Pipeline(entrypoint, c.logFile(req))
	s.Sentinel(
		[]string{fmt.Sprintf("echo 'workload %s failed' >> %s", req.ID, c.logFile(req))},
		[]string{fmt.Sprintf("echo 'workload %s finished' >> %s", req.ID, c.logFile(req))},
	)
	return s.Render(), nil
}

// trimShebang strips the shebang line so a rendered fragment can be embedded
// into an outer script.
func trimShebang(script string) string {
	const shebang = "#!/bin/bash\n"
	if len(script) >= len(shebang) && script[:len(shebang)] == shebang {
		return script[len(shebang) : len(script)-1]
	}
	return script
}
