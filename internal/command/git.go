package command

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/opendatalab/spawner/internal/workload"
)

// gitAttributesEntry enables notebook-diff-as-markdown for every repository
// the platform clones. The entry is committed and pushed exactly once per
// repository, rebasing onto the tracked branch when someone else got there
// first.
const gitAttributesEntry = "*.ipynb diff=jupyternotebook"

// remoteWithCredentials embeds basic auth credentials into the clone URL.
// The password is URL-escaped so tokens with special characters survive.
func remoteWithCredentials(repo workload.GitRepoRef) string {
	if repo.Username == "" {
		return repo.Remote
	}
	u, err := url.Parse(repo.Remote)
	if err != nil {
		return repo.Remote
	}
	u.User = url.UserPassword(repo.Username, repo.Password)
	return u.String()
}

// CloneRepo emits the git steps of the init script: clone the remote,
// configure the committer identity, seed the .gitattributes entry and copy
// the configured base folder into the working notebook directory. Every step
// is idempotent so a restarted init container converges instead of failing.
func (c *Composer) CloneRepo(s *Script, req *workload.Request) {
	repo := req.Repo
	remote := remoteWithCredentials(repo)
	cloneDir := c.cfg.CodeDir + "/" + repo.Name

	s.Add("if [ ! -d %s/.git ]; then git clone %s %s; fi", cloneDir, shQuote(remote), cloneDir)
	s.Add("cd %s", cloneDir)
	s.Add("git checkout %s", shQuote(repo.Branch))
	s.Add("git config user.name %s", shQuote(req.Identity.UserID))
	s.Add("git config user.email %s", shQuote(repo.UserEmail))

	// Seed the notebook diff attribute once per repository.
	s.Add("if ! grep -qxF %s .gitattributes 2>/dev/null; then", shQuote(gitAttributesEntry))
	s.Add("  echo %s >> .gitattributes", shQuote(gitAttributesEntry))
	s.Add("  git add .gitattributes")
	s.Add("  git commit -m 'enable notebook diff'")
	s.Add("  git pull --rebase origin %s || true", shQuote(repo.Branch))
	s.Add("  git push origin %s || true", shQuote(repo.Branch))
	s.Add("fi")

	if repo.BaseFolder != "" {
		c.copyBaseFolder(s, cloneDir, repo.BaseFolder)
	}
}

// copyBaseFolder copies the configured base-folder subtree into the working
// notebook directory, skipping the copy when the destination is already
// populated.
func (c *Composer) copyBaseFolder(s *Script, cloneDir, baseFolder string) {
	src := cloneDir + "/" + strings.Trim(baseFolder, "/")
	dst := c.cfg.NotebookDir
	s.Add("mkdir -p %s", dst)
	s.Add(`if [ -z "$(ls -A %s 2>/dev/null)" ]; then cp -R %s/. %s/; fi`, dst, src, dst)
}

// CloneMacros emits one clone per configured git macro into its declared
// output directory. A missing or broken macro repo must never block workload
// start, so every statement is best effort.
func (c *Composer) CloneMacros(s *Script, macros []workload.GitMacro) {
	for _, m := range macros {
		s.BestEffort("mkdir -p %s", m.OutputDir)
		clone := fmt.Sprintf("git clone %s %s", shQuote(m.Remote), m.OutputDir)
		if m.HTTPProxy != "" {
			clone = fmt.Sprintf("https_proxy=%s http_proxy=%s %s",
				shQuote(m.HTTPProxy), shQuote(m.HTTPProxy), clone)
		}
		s.BestEffort("%s", clone)
	}
}
