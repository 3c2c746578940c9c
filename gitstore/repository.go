// Package gitstore provides content-addressed access to the git
// repositories the metadata layer and the updater work against: blobs at a
// commit, commit ranges, ancestry queries, and ref updates, without
// exposing raw plumbing.
package gitstore

import (
	"io"
	"path"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

var (
	// ErrMissing reports a path absent from the tree at a given commit.
	ErrMissing = errors.New("path does not exist at commit")
	// ErrNotRepository reports a directory that is not a git repository.
	ErrNotRepository = errors.New("not a git repository")
	// ErrNoCommits reports a repository without any commit on the asked ref.
	ErrNoCommits = errors.New("repository has no commits")
	// ErrDivergedHistories reports a commit range whose endpoints do not
	// share a linear history.
	ErrDivergedHistories = errors.New("commits do not share a linear history")
)

// FetchMode selects how much of the remote Fetch retrieves.
type FetchMode int

const (
	// FetchModeNormal fetches every branch head of the remote into
	// refs/remotes/origin.
	FetchModeNormal FetchMode = iota
	// FetchModeAll fetches all heads and tags.
	FetchModeAll
)

// Repository is a worktree-backed git repository.
type Repository struct {
	path string
	repo *git.Repository
}

// Open opens an existing repository at path.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == git.ErrRepositoryNotExists {
		return nil, errors.Wrap(ErrNotRepository, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening git repository %q", path)
	}
	return &Repository{path: path, repo: repo}, nil
}

// Init creates a new repository with a worktree at path.
func Init(path string) (*Repository, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, errors.Wrapf(err, "initializing git repository %q", path)
	}
	return &Repository{path: path, repo: repo}, nil
}

// Path returns the repository's filesystem location.
func (r *Repository) Path() string { return r.path }

// HeadCommit returns the commit HEAD resolves to.
func (r *Repository) HeadCommit() (plumbing.Hash, error) {
	head, err := r.repo.Head()
	if err == plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, ErrNoCommits
	}
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "resolving HEAD")
	}
	return head.Hash(), nil
}

// DefaultBranch returns the short name of the branch HEAD points at.
func (r *Repository) DefaultBranch() (string, error) {
	ref, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", errors.Wrap(err, "reading HEAD reference")
	}
	if ref.Type() != plumbing.SymbolicReference {
		return "", errors.New("HEAD is detached")
	}
	return ref.Target().Short(), nil
}

// ListCommits returns the commits after fromExclusive up to and including
// toInclusive, oldest first, following first-parent history. A zero
// fromExclusive walks back to the root commit.
func (r *Repository) ListCommits(fromExclusive, toInclusive plumbing.Hash) ([]plumbing.Hash, error) {
	var chain []plumbing.Hash
	current, err := r.repo.CommitObject(toInclusive)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving commit %s", toInclusive)
	}
	for {
		if current.Hash == fromExclusive {
			break
		}
		chain = append(chain, current.Hash)
		if current.NumParents() == 0 {
			if !fromExclusive.IsZero() {
				return nil, errors.Wrapf(ErrDivergedHistories, "%s is not reachable from %s", fromExclusive, toInclusive)
			}
			break
		}
		current, err = current.Parent(0)
		if err != nil {
			return nil, errors.Wrap(err, "walking first-parent history")
		}
	}
	// Reverse into chronological order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// IsAncestor reports whether a is an ancestor of b.
func (r *Repository) IsAncestor(a, b plumbing.Hash) (bool, error) {
	if a == b {
		return true, nil
	}
	commitA, err := r.repo.CommitObject(a)
	if err != nil {
		return false, errors.Wrapf(err, "resolving commit %s", a)
	}
	commitB, err := r.repo.CommitObject(b)
	if err != nil {
		return false, errors.Wrapf(err, "resolving commit %s", b)
	}
	isAncestor, err := commitA.IsAncestor(commitB)
	if err != nil {
		return false, errors.Wrap(err, "ancestry query")
	}
	return isAncestor, nil
}

// ReadBlob returns the content of the file at relPath in the tree of
// commit. It fails with ErrMissing when the path is absent at that commit.
func (r *Repository) ReadBlob(commit plumbing.Hash, relPath string) ([]byte, error) {
	commitObj, err := r.repo.CommitObject(commit)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving commit %s", commit)
	}
	file, err := commitObj.File(path.Clean(relPath))
	if err == object.ErrFileNotFound {
		return nil, errors.Wrapf(ErrMissing, "%s at %s", relPath, commit)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q at %s", relPath, commit)
	}
	reader, err := file.Blob.Reader()
	if err != nil {
		return nil, errors.Wrap(err, "opening blob")
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "reading blob")
	}
	return data, nil
}

// ListFiles returns the paths of all files under dir in the tree of
// commit, relative to dir. An empty dir lists the whole tree.
func (r *Repository) ListFiles(commit plumbing.Hash, dir string) ([]string, error) {
	commitObj, err := r.repo.CommitObject(commit)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving commit %s", commit)
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, errors.Wrap(err, "reading commit tree")
	}
	if dir != "" {
		tree, err = tree.Tree(path.Clean(dir))
		if err == object.ErrDirectoryNotFound {
			return nil, errors.Wrapf(ErrMissing, "%s at %s", dir, commit)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "descending into %q", dir)
		}
	}
	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing files")
	}
	return files, nil
}

// CommitTime returns the committer timestamp of a commit, used by the
// per-commit expiration tolerance policy.
func (r *Repository) CommitTime(commit plumbing.Hash) (time.Time, error) {
	commitObj, err := r.repo.CommitObject(commit)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "resolving commit %s", commit)
	}
	return commitObj.Committer.When, nil
}

// Commit stages the given paths (all changes when none are given) and
// records a commit with the given message, returning its id.
func (r *Repository) Commit(message string, paths []string) (plumbing.Hash, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "opening worktree")
	}
	if len(paths) == 0 {
		if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return plumbing.ZeroHash, errors.Wrap(err, "staging changes")
		}
	} else {
		for _, p := range paths {
			if _, err := worktree.Add(p); err != nil {
				return plumbing.ZeroHash, errors.Wrapf(err, "staging %q", p)
			}
		}
	}
	commit, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "authentication repository",
			Email: "auth@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "committing")
	}
	return commit, nil
}

// ResetHard discards worktree and index state, moving the current branch
// to commit.
func (r *Repository) ResetHard(commit plumbing.Hash) error {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "opening worktree")
	}
	err = worktree.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: commit})
	return errors.Wrap(err, "hard reset")
}

// CleanUntracked removes untracked files and directories from the worktree.
func (r *Repository) CleanUntracked() error {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "opening worktree")
	}
	err = worktree.Clean(&git.CleanOptions{Dir: true})
	return errors.Wrap(err, "cleaning untracked files")
}

// Fetch retrieves objects and refs from url into this repository.
func (r *Repository) Fetch(url string, mode FetchMode) error {
	opts := &git.FetchOptions{
		RemoteURL: url,
		RefSpecs: []config.RefSpec{
			"+refs/heads/*:refs/remotes/origin/*",
		},
	}
	if mode == FetchModeAll {
		opts.Tags = git.AllTags
		opts.RefSpecs = append(opts.RefSpecs, "+refs/tags/*:refs/tags/*")
	}
	err := r.repo.Fetch(opts)
	if err == git.NoErrAlreadyUpToDate {
		return nil
	}
	return errors.Wrapf(err, "fetching from %q", url)
}

// IsGitRepository reports whether path holds a git repository.
func IsGitRepository(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}
