// Package source loads workflow definitions for a project, either
// from a clone of its repository or from a local directory.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/kestrel-ci/kestrel/internal/logging"
	"github.com/kestrel-ci/kestrel/internal/store"
	"github.com/kestrel-ci/kestrel/internal/workflow"
)

var srcLogger = logging.C("source.git")

// ErrNoWorkflows reports that a project has no usable workflow
// definitions at the requested commit.
var ErrNoWorkflows = errors.New("no workflow definitions")

// TokenSource hands out clone credentials per project. A nil source
// means anonymous clones.
type TokenSource interface {
	GitHubToken(ctx context.Context, project string) (string, error)
}

// RepoLoader materializes a project's repository and reads workflow
// definitions out of its workflow directory. With a cache directory
// configured, clones persist between loads and get refreshed with a
// fetch; without one, every load uses a throwaway shallow clone.
type RepoLoader struct {
	cacheDir string
	tokens   TokenSource
}

func NewRepoLoader(cacheDir string, tokens TokenSource) *RepoLoader {
	return &RepoLoader{cacheDir: cacheDir, tokens: tokens}
}

// Load brings the project repository to the trigger commit and parses
// every YAML file under the project's workflow directory. An empty sha
// loads the tip of the default branch.
func (l *RepoLoader) Load(ctx context.Context, p *store.Project, sha string) ([]*workflow.Definition, error) {
	auth := l.auth(ctx, p)

	repo, dir, cleanup, err := l.materialize(ctx, p, auth)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if sha != "" {
		err = checkoutCommit(ctx, repo, sha, auth)
	} else {
		err = checkoutBranchHead(repo, defaultBranch(p))
	}
	if err != nil {
		return nil, err
	}

	return l.readDefinitions(filepath.Join(dir, workflowDir(p)), p.Name)
}

// materialize produces a checked-out repository for the project and a
// cleanup func. Cached copies are opened and fetched, temp copies are
// cloned fresh and removed by cleanup.
func (l *RepoLoader) materialize(ctx context.Context, p *store.Project, auth *githttp.BasicAuth) (*git.Repository, string, func(), error) {
	opts := &git.CloneOptions{
		URL:           p.CloneURL,
		ReferenceName: plumbing.NewBranchReferenceName(defaultBranch(p)),
		Depth:         1,
		Tags:          git.NoTags,
		Auth:          auth,
	}

	if l.cacheDir == "" {
		dir, err := os.MkdirTemp("", "kestrel-src-")
		if err != nil {
			return nil, "", nil, err
		}
		repo, err := git.PlainCloneContext(ctx, dir, false, opts)
		if err != nil {
			os.RemoveAll(dir)
			return nil, "", nil, fmt.Errorf("clone %s: %w", p.CloneURL, err)
		}
		return repo, dir, func() { os.RemoveAll(dir) }, nil
	}

	keep := func() {}
	dir := filepath.Join(l.cacheDir, p.Name)

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainCloneContext(ctx, dir, false, opts)
		if err != nil {
			return nil, "", nil, fmt.Errorf("clone %s: %w", p.CloneURL, err)
		}
		return repo, dir, keep, nil
	}
	if err != nil {
		return nil, "", nil, fmt.Errorf("open cached clone %s: %w", dir, err)
	}

	ferr := repo.FetchContext(ctx, &git.FetchOptions{Auth: auth, Tags: git.NoTags, Force: true})
	if ferr != nil && !errors.Is(ferr, git.NoErrAlreadyUpToDate) {
		return nil, "", nil, fmt.Errorf("fetch %s: %w", p.CloneURL, ferr)
	}
	return repo, dir, keep, nil
}

// checkoutCommit moves the worktree to the trigger commit. Pull
// request head commits live under refs/pull/*, which the initial
// clone does not carry, so a miss is retried after fetching the
// commit itself.
func checkoutCommit(ctx context.Context, repo *git.Repository, sha string, auth *githttp.BasicAuth) error {
	w, err := repo.Worktree()
	if err != nil {
		return err
	}
	hash := plumbing.NewHash(sha)
	if err := w.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err == nil {
		return nil
	}

	ferr := repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{config.RefSpec(sha + ":refs/kestrel/trigger")},
		Tags:     git.NoTags,
		Auth:     auth,
	})
	if ferr != nil && !errors.Is(ferr, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch commit %s: %w", sha, ferr)
	}
	if err := w.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("checkout %s: %w", sha, err)
	}
	return nil
}

// checkoutBranchHead puts the worktree on the fetched tip of branch.
// Cached clones sit wherever the previous load left them.
func checkoutBranchHead(repo *git.Repository, branch string) error {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("resolve origin/%s: %w", branch, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := w.Checkout(&git.CheckoutOptions{Hash: ref.Hash(), Force: true}); err != nil {
		return fmt.Errorf("checkout origin/%s: %w", branch, err)
	}
	return nil
}

func (l *RepoLoader) auth(ctx context.Context, p *store.Project) *githttp.BasicAuth {
	if l.tokens == nil {
		return nil
	}
	token, err := l.tokens.GitHubToken(ctx, p.TokenRef())
	if err != nil {
		srcLogger.WithError(err).WithField("project", p.Name).Warn("no clone token, trying anonymous")
		return nil
	}
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{
		Username: "kestrel", // anything non-empty works for token auth
		Password: token,
	}
}

// readDefinitions parses the workflow directory of a clone. A broken
// file only disables itself.
func (l *RepoLoader) readDefinitions(dir, project string) ([]*workflow.Definition, error) {
	files, err := workflowFiles(dir)
	if err != nil {
		return nil, err
	}
	log := srcLogger.WithField("project", project)

	var defs []*workflow.Definition
	for _, path := range files {
		def, err := workflow.ParseFile(path)
		if err != nil {
			log.WithError(err).Warn("skipping unparseable workflow file")
			continue
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, ErrNoWorkflows
	}
	return defs, nil
}

// DirLoader reads definitions straight from a local directory, no
// clone involved. kestrelctl and tests use it.
type DirLoader struct {
	Dir string
}

func (l DirLoader) Load(ctx context.Context, p *store.Project, sha string) ([]*workflow.Definition, error) {
	return LoadDir(l.Dir)
}

// LoadDir parses every *.yaml / *.yml file in dir. Unlike the server
// side loader it fails on the first broken file, so authors see their
// parse errors.
func LoadDir(dir string) ([]*workflow.Definition, error) {
	files, err := workflowFiles(dir)
	if err != nil {
		return nil, err
	}
	var defs []*workflow.Definition
	for _, path := range files {
		def, err := workflow.ParseFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, ErrNoWorkflows
	}
	return defs, nil
}

// workflowFiles lists the YAML files in dir in name order. A missing
// directory means the project has no workflows at this commit.
func workflowFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoWorkflows
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func defaultBranch(p *store.Project) string {
	if p.DefaultBranch != "" {
		return p.DefaultBranch
	}
	return "main"
}

func workflowDir(p *store.Project) string {
	if p.WorkflowDir != "" {
		return p.WorkflowDir
	}
	return ".kestrel/workflows"
}
