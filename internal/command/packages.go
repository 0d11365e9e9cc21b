package command

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opendatalab/spawner/internal/workload"
)

// InitScriptPath is where the init-script writer container leaves the
// user's inline script, on the tmp volume every container shares.
const InitScriptPath = "/tmp/.spawner/init.sh"

// CacheDiff is the contract between the composer and the two cooperating
// helper scripts that diff a requested package list against the NAS cache for
// a (base image, version) pair: Missing packages are installed with --target
// into the shared path and Stale packages (present at a different version)
// are uninstalled first.
type CacheDiff struct {
	Missing []workload.PackageSpec
	Stale   []workload.PackageSpec
}

// DiffAgainstCache computes the install/uninstall sets from the requested
// specs and the versions already present in the cache (name -> version).
// Unversioned requests count as satisfied by any cached copy.
func DiffAgainstCache(requested []workload.PackageSpec, cached map[string]string) CacheDiff {
	diff := CacheDiff{}
	for _, spec := range requested {
		have, ok := cached[spec.Name]
		switch {
		case !ok:
			diff.Missing = append(diff.Missing, spec)
		case spec.Version != "" && have != spec.Version:
			diff.Stale = append(diff.Stale, workload.PackageSpec{Name: spec.Name, Version: have})
			diff.Missing = append(diff.Missing, spec)
		}
	}
	sort.Slice(diff.Missing, func(i, j int) bool { return diff.Missing[i].Name < diff.Missing[j].Name })
	sort.Slice(diff.Stale, func(i, j int) bool { return diff.Stale[i].Name < diff.Stale[j].Name })
	return diff
}

// pipCachePath is the shared NAS directory for a (base image, version) pair.
func (c *Composer) pipCachePath(req *workload.Request) string {
	return fmt.Sprintf("%s/%s/%s", c.cfg.NASPackageRoot, req.TemplateID, req.Image.ID)
}

// installPython emits the python package steps. Conda packages try pip first
// (faster, most packages are on the pip mirrors) and fall back to conda on
// pip failure. Pip packages are diffed against the NAS cache by the helper
// scripts: stale versions are uninstalled, missing ones installed with
// --target into the shared path.
func (c *Composer) installPython(s *Script, req *workload.Request) {
	cache := c.pipCachePath(req)
	s.Add("mkdir -p %s /tmp/pip_packages", cache)

	for _, pkg := range req.Packages.Conda {
		spec := shQuote(pkg.String())
		s.Add("pip install %s || conda install -y %s", spec, spec)
	}

	if len(req.Packages.Pip) == 0 {
		return
	}
	specs := make([]string, 0, len(req.Packages.Pip))
	for _, pkg := range req.Packages.Pip {
		specs = append(specs, pkg.String())
	}
	list := shQuote(strings.Join(specs, " "))
	s.Add(`stale=$(%s %s --cache %s --stale)`, c.cfg.PackageDiffCmd, list, cache)
	s.Add(`missing=$(%s %s --cache %s --missing)`, c.cfg.PackageDiffCmd, list, cache)
	s.Add(`if [ -n "$stale" ]; then pip uninstall -y $stale; fi`)
	s.Add(`if [ -n "$missing" ]; then pip install --target %s $missing; fi`, cache)
}

// installCran emits one remotes::install_version call per CRAN package.
// Errors are caught and printed, never fatal, so the install proceeds
// through the whole package list.
func (c *Composer) installCran(s *Script, req *workload.Request, libPath string) {
	for _, pkg := range req.Packages.Cran {
		var call string
		if pkg.Version == "" {
			call = fmt.Sprintf(`install.packages(%q, lib=%q)`, pkg.Name, libPath)
		} else {
			call = fmt.Sprintf(`remotes::install_version(%q, version=%q, lib=%q)`, pkg.Name, pkg.Version, libPath)
		}
		rExpr := fmt.Sprintf("tryCatch(%s, error=function(e) print(e))", call)
		s.Add("Rscript -e %s", shQuote(rExpr))
	}
}

// ComposePackageInstall builds the package installation fragment for the
// request's kernel type. The kernel switch is exhaustive: adding a kernel
// type without deciding its install strategy is a compile-time exercise
// elsewhere and a hard error here.
func (c *Composer) ComposePackageInstall(req *workload.Request, libPath string) (string, error) {
	s := NewScript()
	switch req.Kernel {
	case workload.Python, workload.Spark, workload.SparkDistributed, workload.VSCodePython:
		c.installPython(s, req)
	case workload.R, workload.RStudio:
		c.installCran(s, req, libPath)
	case workload.SAS, workload.JDK11:
		// No language package manager for these kernels.
	default:
		return "", fmt.Errorf("no package install strategy for kernel type %q", req.Kernel)
	}
	if req.InitScript != "" {
		s.BestEffort("bash %s", InitScriptPath)
	}
	return s.Render(), nil
}
