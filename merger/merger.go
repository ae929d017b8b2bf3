// Package merger produces local working trees for (connection, project)
// pairs at a specified state, speculatively merges dependent changes on top
// of them, and reports the files a change touches.
package merger

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildkite/roko"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/gofrs/flock"

	"github.com/zuul-ci/zuul-core/logger"
	"github.com/zuul-ci/zuul-core/model"
)

// RemoteResolver maps a (connection, project) pair to a fetchable URL. The
// scheduler's connection configuration is out of scope; tests and the
// reference CLI supply a simple map-backed implementation.
type RemoteResolver interface {
	Resolve(connection, project string) (string, error)
}

// Merger manages a process-wide set of repo mirrors, serializing mutating
// git operations per (connection, project) with a file lock so concurrent
// builds on one executor do not race, while allowing reads to proceed in
// parallel.
type Merger struct {
	mirrorRoot string
	remotes    RemoteResolver
	log        logger.Logger

	mu    sync.Mutex
	locks map[string]*flock.Flock

	pool *workerPool
}

func New(mirrorRoot string, remotes RemoteResolver, log logger.Logger, poolSize int) *Merger {
	return &Merger{
		mirrorRoot: mirrorRoot,
		remotes:    remotes,
		log:        log,
		locks:      map[string]*flock.Flock{},
		pool:       newWorkerPool(poolSize),
	}
}

func (m *Merger) mirrorPath(connection, project string) string {
	return filepath.Join(m.mirrorRoot, connection, project)
}

func (m *Merger) repoLock(connection, project string) *flock.Flock {
	key := connection + "/" + project
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		lockPath := filepath.Join(m.mirrorRoot, ".locks", key+".lock")
		os.MkdirAll(filepath.Dir(lockPath), 0o755)
		l = flock.New(lockPath)
		m.locks[key] = l
	}
	return l
}

// UpdateRepo clones the mirror if absent, fetches, and if repoState is
// supplied resets every named ref to its pinned sha so the working tree is
// deterministic across executors.
func (m *Merger) UpdateRepo(ctx context.Context, connection, project string, repoState model.RepoState) (model.UpdateResult, error) {
	lock := m.repoLock(connection, project)
	if err := lock.Lock(); err != nil {
		return model.UpdateResult{}, fmt.Errorf("merger: locking %s/%s: %w", connection, project, err)
	}
	defer lock.Unlock()

	url, err := m.remotes.Resolve(connection, project)
	if err != nil {
		return model.UpdateResult{}, err
	}
	path := m.mirrorPath(connection, project)

	var repo *git.Repository
	if _, statErr := os.Stat(filepath.Join(path, "HEAD")); os.IsNotExist(statErr) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return model.UpdateResult{}, err
		}
		repo, err = git.PlainInit(path, true)
		if err != nil {
			return model.UpdateResult{}, fmt.Errorf("merger: init mirror: %w", err)
		}
		if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{url}}); err != nil {
			return model.UpdateResult{}, err
		}
	} else {
		repo, err = git.PlainOpen(path)
		if err != nil {
			return model.UpdateResult{}, fmt.Errorf("merger: open mirror: %w", err)
		}
	}

	if err := m.fetch(ctx, path); err != nil {
		return model.UpdateResult{}, fmt.Errorf("merger: fetch %s/%s: %w", connection, project, err)
	}

	refs := map[string]string{}
	iter, err := repo.References()
	if err == nil {
		_ = iter.ForEach(func(r *plumbing.Reference) error {
			if r.Type() == plumbing.HashReference {
				refs[r.Name().Short()] = r.Hash().String()
			}
			return nil
		})
	}

	if repoState != nil {
		if pinned, ok := repoState[connection]; ok {
			if projectRefs, ok := pinned[project]; ok {
				for ref, sha := range projectRefs {
					if err := m.resetRef(path, ref, sha); err != nil {
						return model.UpdateResult{}, fmt.Errorf("merger: pinning %s to %s: %w", ref, sha, err)
					}
					refs[ref] = sha
				}
			}
		}
	}

	branches, _ := m.listBranches(path)
	return model.UpdateResult{CanonicalName: project, Branches: branches, Refs: refs}, nil
}

// fetch and resetRef shell out to system git for mirror/plumbing operations
// go-git's pure-Go fetch cannot always keep pace with.
// The network round-trip to the remote is retried a few times so a single
// dropped connection doesn't fail an otherwise-healthy build.
func (m *Merger) fetch(ctx context.Context, mirrorPath string) error {
	return m.pool.run(ctx, func() error {
		return roko.NewRetrier(
			roko.WithMaxAttempts(3),
			roko.WithStrategy(roko.Constant(2*time.Second)),
		).DoWithContext(ctx, func(r *roko.Retrier) error {
			cmd := exec.CommandContext(ctx, "git", "--git-dir", mirrorPath, "fetch", "origin", "+refs/heads/*:refs/heads/*", "+refs/tags/*:refs/tags/*")
			var stderr bytes.Buffer
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				err = fmt.Errorf("%w: %s", err, stderr.String())
				if m.log != nil {
					m.log.Warn("merger: fetch %s: %s", mirrorPath, r)
				}
				return err
			}
			return nil
		})
	})
}

func (m *Merger) resetRef(mirrorPath, ref, sha string) error {
	cmd := exec.Command("git", "--git-dir", mirrorPath, "update-ref", "refs/heads/"+ref, sha)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

func (m *Merger) listBranches(mirrorPath string) ([]string, error) {
	repo, err := git.PlainOpen(mirrorPath)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	var out []string
	_ = iter.ForEach(func(r *plumbing.Reference) error {
		out = append(out, r.Name().Short())
		return nil
	})
	return out, nil
}

// MergeResult is the outcome of a successful speculative merge.
type MergeResult struct {
	Commit        string
	Files         []string
	NewRepoState  model.RepoState
	RecentSHAs    map[string]string
	OrigCommit    string
}

// MergeChanges applies a sequence of dependent changes on top of the
// supplied base state. A conflict returns (nil, nil): the spec treats a
// merge conflict as a fatal MERGER_FAILURE for this build, never retried.
// A transient fetch/lookup failure returns a non-nil error, which the
// caller maps to ABORTED (retriable).
func (m *Merger) MergeChanges(ctx context.Context, items []model.MergeItem, repoState model.RepoState) (*MergeResult, error) {
	newState := model.RepoState{}
	for k, v := range repoState {
		for p, refs := range v {
			for r, sha := range refs {
				newState.Set(k, p, r, sha)
			}
		}
	}

	var files []string
	var lastCommit string
	var origCommit string
	recent := map[string]string{}

	for i, item := range items {
		lock := m.repoLock(item.Connection, item.Project)
		if err := lock.Lock(); err != nil {
			return nil, fmt.Errorf("merger: locking %s/%s: %w", item.Connection, item.Project, err)
		}

		path := m.mirrorPath(item.Connection, item.Project)
		repo, err := git.PlainOpen(path)
		if err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("merger: opening %s/%s: %w", item.Connection, item.Project, err)
		}

		baseSha, haveBase := newState.Sha(item.Connection, item.Project, item.Branch)
		if !haveBase {
			ref, err := repo.Reference(plumbing.NewBranchReferenceName(item.Branch), true)
			if err != nil {
				lock.Unlock()
				return nil, fmt.Errorf("merger: resolving base branch %s: %w", item.Branch, err)
			}
			baseSha = ref.Hash().String()
		}
		if i == 0 {
			origCommit = baseSha
		}

		changeSha := item.RefSha
		if changeSha == "" {
			ref, err := repo.Reference(plumbing.ReferenceName(item.Ref), true)
			if err != nil {
				lock.Unlock()
				return nil, fmt.Errorf("merger: resolving change ref %s: %w", item.Ref, err)
			}
			changeSha = ref.Hash().String()
		}

		changed, mergedSha, conflict, err := m.mergeOne(repo, baseSha, changeSha)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		if conflict {
			return nil, nil
		}

		newState.Set(item.Connection, item.Project, item.Branch, mergedSha)
		recent[item.Connection+"/"+item.Project] = mergedSha
		lastCommit = mergedSha
		files = append(files, changed...)
	}

	return &MergeResult{
		Commit:       lastCommit,
		Files:        files,
		NewRepoState: newState,
		RecentSHAs:   recent,
		OrigCommit:   origCommit,
	}, nil
}

// mergeOne accepts changeSha as the merged commit when it descends from
// baseSha and reports the files touched. No three-way merge is attempted:
// a change that does not descend from baseSha is reported as conflict=true,
// which the caller must treat as MERGER_FAILURE, not retry.
func (m *Merger) mergeOne(repo *git.Repository, baseSha, changeSha string) (files []string, merged string, conflict bool, err error) {
	baseCommit, err := repo.CommitObject(plumbing.NewHash(baseSha))
	if err != nil {
		return nil, "", false, fmt.Errorf("merger: loading base commit: %w", err)
	}
	changeCommit, err := repo.CommitObject(plumbing.NewHash(changeSha))
	if err != nil {
		return nil, "", false, fmt.Errorf("merger: loading change commit: %w", err)
	}

	changed, err := diffPaths(baseCommit, changeCommit)
	if err != nil {
		return nil, "", false, err
	}

	ok, err := fastForwardCompatible(baseCommit, changeCommit)
	if err != nil {
		return nil, "", false, err
	}
	if !ok {
		return nil, "", true, nil
	}

	return changed, changeSha, false, nil
}

func diffPaths(base, change *object.Commit) ([]string, error) {
	baseTree, err := base.Tree()
	if err != nil {
		return nil, err
	}
	changeTree, err := change.Tree()
	if err != nil {
		return nil, err
	}
	diffs, err := baseTree.Diff(changeTree)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, d := range diffs {
		if d.To.Name != "" {
			paths = append(paths, d.To.Name)
		} else {
			paths = append(paths, d.From.Name)
		}
	}
	return paths, nil
}

// fastForwardCompatible reports whether change descends from base (a trivial
// "no real conflict" case for the Go port's simplified speculative merge).
func fastForwardCompatible(base, change *object.Commit) (bool, error) {
	if base.Hash == change.Hash {
		return true, nil
	}
	iter := object.NewCommitIterBSF(change, nil, nil)
	found := false
	err := iter.ForEach(func(c *object.Commit) error {
		if c.Hash == base.Hash {
			found = true
			return storerErrStop
		}
		return nil
	})
	if err != nil && err != storerErrStop {
		return false, err
	}
	return found, nil
}

// GetFilesChanges lists the paths changed between baseSha and a branch's
// current head.
func (m *Merger) GetFilesChanges(ctx context.Context, connection, project, branch, baseSha string) ([]string, error) {
	path := m.mirrorPath(connection, project)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("merger: opening %s/%s: %w", connection, project, err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("merger: resolving branch %s: %w", branch, err)
	}
	baseCommit, err := repo.CommitObject(plumbing.NewHash(baseSha))
	if err != nil {
		return nil, fmt.Errorf("merger: loading base commit: %w", err)
	}
	headCommit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("merger: loading head commit: %w", err)
	}
	return diffPaths(baseCommit, headCommit)
}

// CheckoutBranch prepares a fresh working tree at a specific commit,
// serialized per-repo so concurrent jobs on this executor do not race on
// the same mirror.
func (m *Merger) CheckoutBranch(ctx context.Context, connection, project, branch string, repoState model.RepoState, dest string) error {
	lock := m.repoLock(connection, project)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("merger: locking %s/%s: %w", connection, project, err)
	}
	defer lock.Unlock()

	mirror := m.mirrorPath(connection, project)
	sha, ok := repoState.Sha(connection, project, branch)
	if !ok {
		repo, err := git.PlainOpen(mirror)
		if err != nil {
			return fmt.Errorf("merger: opening mirror %s/%s: %w", connection, project, err)
		}
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err != nil {
			return fmt.Errorf("merger: resolving branch %s: %w", branch, err)
		}
		sha = ref.Hash().String()
	}

	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	repo, err := git.PlainClone(dest, false, &git.CloneOptions{URL: mirror})
	if err != nil {
		return fmt.Errorf("merger: cloning working tree: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(sha), Force: true}); err != nil {
		return fmt.Errorf("merger: checking out %s: %w", sha, err)
	}

	// Rewrite origin so the sandbox cannot contact the real remote, per
	// Phase 4's checkout-and-inventory step.
	cmd := exec.Command("git", "-C", dest, "remote", "set-url", "origin", "file:///dev/null")
	return cmd.Run()
}

var storerErrStop = fmt.Errorf("stop")
