// Package repositoriesdb exposes the target repositories, mirrors, and
// dependencies an authentication repository pins at a given commit, as
// declared by the repositories.json, mirrors.json, and dependencies.json
// target files.
package repositoriesdb

import (
	"encoding/json"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/openlawlibrary/taf-go/gitstore"
	"github.com/openlawlibrary/taf-go/tuf"
)

const (
	// RepositoriesJSONPath locates the target repositories declaration.
	RepositoriesJSONPath = tuf.TargetsDirectoryName + "/repositories.json"
	// MirrorsJSONPath locates the mirror template list.
	MirrorsJSONPath = tuf.TargetsDirectoryName + "/mirrors.json"
	// DependenciesJSONPath locates the dependent archive declaration.
	DependenciesJSONPath = tuf.TargetsDirectoryName + "/dependencies.json"
)

var (
	// ErrBadName reports a repository name not in org/name form with no
	// explicit urls override.
	ErrBadName = errors.New("repository name is not in the org_name/repo_name format")
	// ErrRepositoriesNotFound reports a commit without repositories.json.
	ErrRepositoriesNotFound = errors.New("repositories are not defined at this revision")
	// ErrInvalidDeclaration reports malformed declaration JSON.
	ErrInvalidDeclaration = errors.New("invalid repositories declaration")
)

// Repo is one pinned target repository.
type Repo struct {
	Name   string
	URLs   []string
	Custom map[string]interface{}
}

// Dependency is a sub-authentication repository with its out-of-band trust
// anchor: the commit hash the parent archive pins as the child's root of
// trust.
type Dependency struct {
	Name            string
	OutOfBandCommit string
	Branch          string
	Custom          map[string]interface{}
}

// DB caches the declarations of one authentication repository per commit.
// It is not safe for concurrent use; callers serialize access per instance.
type DB struct {
	auth   *gitstore.Repository
	logger log.Logger

	repositories map[plumbing.Hash]map[string]*Repo
	dependencies map[plumbing.Hash]map[string]*Dependency
	mirrors      map[plumbing.Hash][]string
}

// New builds an empty DB over an authentication repository.
func New(auth *gitstore.Repository, opts ...func() interface{}) *DB {
	db := &DB{
		auth:         auth,
		logger:       log.NewNopLogger(),
		repositories: map[plumbing.Hash]map[string]*Repo{},
		dependencies: map[plumbing.Hash]map[string]*Dependency{},
		mirrors:      map[plumbing.Hash][]string{},
	}
	for _, opt := range opts {
		switch t := opt().(type) {
		case log.Logger:
			db.logger = t
		}
	}
	return db
}

// WithLogger supplies a structured logger to New.
func WithLogger(logger log.Logger) func() interface{} {
	return func() interface{} { return logger }
}

// Clear drops every cached declaration.
func (db *DB) Clear() {
	db.repositories = map[plumbing.Hash]map[string]*Repo{}
	db.dependencies = map[plumbing.Hash]map[string]*Dependency{}
	db.mirrors = map[plumbing.Hash][]string{}
}

type onlyLoadTargets bool

// OnlyLoadTargets restricts loading to repositories whose names appear in a
// signed targets map at the commit.
func OnlyLoadTargets() func() interface{} {
	return func() interface{} { return onlyLoadTargets(true) }
}

// LoadRepositories reads and caches the declarations at the given commits,
// head when none are given.
func (db *DB) LoadRepositories(commits []plumbing.Hash, opts ...func() interface{}) error {
	restrictToTargets := false
	for _, opt := range opts {
		switch t := opt().(type) {
		case onlyLoadTargets:
			restrictToTargets = bool(t)
		}
	}
	if len(commits) == 0 {
		head, err := db.auth.HeadCommit()
		if err != nil {
			return err
		}
		commits = []plumbing.Hash{head}
	}
	for _, commit := range commits {
		if _, ok := db.repositories[commit]; ok {
			continue
		}
		repos, err := db.loadRepositoriesAt(commit, restrictToTargets)
		if err != nil {
			return err
		}
		db.repositories[commit] = repos
		level.Debug(db.logger).Log("msg", "loaded repositories", "commit", commit.String(), "count", len(repos))
	}
	return nil
}

func (db *DB) loadRepositoriesAt(commit plumbing.Hash, restrictToTargets bool) (map[string]*Repo, error) {
	data, err := db.auth.ReadBlob(commit, RepositoriesJSONPath)
	if errors.Is(err, gitstore.ErrMissing) {
		return nil, errors.Wrapf(ErrRepositoriesNotFound, "commit %s", commit)
	}
	if err != nil {
		return nil, err
	}
	var declaration struct {
		Repositories map[string]struct {
			URLs   []string               `json:"urls"`
			Custom map[string]interface{} `json:"custom"`
		} `json:"repositories"`
	}
	if err := json.Unmarshal(data, &declaration); err != nil {
		return nil, errors.Wrap(ErrInvalidDeclaration, err.Error())
	}

	var signedTargets map[string]bool
	if restrictToTargets {
		signedTargets, err = db.signedTargetPaths(commit)
		if err != nil {
			return nil, err
		}
	}
	mirrors, err := db.loadMirrors(commit)
	if err != nil {
		return nil, err
	}

	repos := map[string]*Repo{}
	for name, decl := range declaration.Repositories {
		if restrictToTargets && !signedTargets[name] {
			level.Debug(db.logger).Log("msg", "skipping repository not registered as target", "name", name)
			continue
		}
		urls, err := resolveURLs(name, decl.URLs, mirrors)
		if err != nil {
			return nil, err
		}
		repos[name] = &Repo{Name: name, URLs: urls, Custom: decl.Custom}
	}
	return repos, nil
}

// Repositories returns the pinned target repositories at commit, loading
// them on demand. A zero commit means head.
func (db *DB) Repositories(commit plumbing.Hash) (map[string]*Repo, error) {
	if commit.IsZero() {
		head, err := db.auth.HeadCommit()
		if err != nil {
			return nil, err
		}
		commit = head
	}
	if repos, ok := db.repositories[commit]; ok {
		return repos, nil
	}
	if err := db.LoadRepositories([]plumbing.Hash{commit}); err != nil {
		return nil, err
	}
	return db.repositories[commit], nil
}

// DeduplicatedRepositories returns the union of target repositories over a
// sequence of commits, keyed by name, the most recent declaration winning.
func (db *DB) DeduplicatedRepositories(commits []plumbing.Hash) (map[string]*Repo, error) {
	deduplicated := map[string]*Repo{}
	for _, commit := range commits {
		repos, err := db.Repositories(commit)
		if err != nil {
			return nil, err
		}
		for name, repo := range repos {
			// Later commits in the sequence overwrite earlier ones.
			deduplicated[name] = repo
		}
	}
	return deduplicated, nil
}

// Repository returns one pinned repository by name.
func (db *DB) Repository(commit plumbing.Hash, name string) (*Repo, error) {
	repos, err := db.Repositories(commit)
	if err != nil {
		return nil, err
	}
	repo, ok := repos[name]
	if !ok {
		return nil, errors.Wrapf(ErrRepositoriesNotFound, "repository %q", name)
	}
	return repo, nil
}

// RepositoriesByCustomData returns the repositories whose custom data is a
// superset of filter.
func (db *DB) RepositoriesByCustomData(commit plumbing.Hash, filter map[string]interface{}) ([]*Repo, error) {
	repos, err := db.Repositories(commit)
	if err != nil {
		return nil, err
	}
	var matched []*Repo
	for _, repo := range repos {
		if customMatches(repo.Custom, filter) {
			matched = append(matched, repo)
		}
	}
	return matched, nil
}

// RepoURLs resolves the clone URLs of a repository at commit: the explicit
// urls field when present, otherwise every mirror template applied to the
// org/name split of the repository name.
func (db *DB) RepoURLs(commit plumbing.Hash, name string) ([]string, error) {
	if commit.IsZero() {
		head, err := db.auth.HeadCommit()
		if err != nil {
			return nil, err
		}
		commit = head
	}
	repo, err := db.Repository(commit, name)
	if err == nil && len(repo.URLs) > 0 {
		return repo.URLs, nil
	}
	mirrors, err := db.loadMirrors(commit)
	if err != nil {
		return nil, err
	}
	return applyMirrors(name, mirrors)
}

// LoadDependencies reads and caches dependencies.json at the given commits.
func (db *DB) LoadDependencies(commits []plumbing.Hash) error {
	if len(commits) == 0 {
		head, err := db.auth.HeadCommit()
		if err != nil {
			return err
		}
		commits = []plumbing.Hash{head}
	}
	for _, commit := range commits {
		if _, ok := db.dependencies[commit]; ok {
			continue
		}
		deps, err := db.loadDependenciesAt(commit)
		if err != nil {
			return err
		}
		db.dependencies[commit] = deps
	}
	return nil
}

func (db *DB) loadDependenciesAt(commit plumbing.Hash) (map[string]*Dependency, error) {
	data, err := db.auth.ReadBlob(commit, DependenciesJSONPath)
	if errors.Is(err, gitstore.ErrMissing) {
		// Dependencies are optional.
		return map[string]*Dependency{}, nil
	}
	if err != nil {
		return nil, err
	}
	var declaration struct {
		Dependencies map[string]struct {
			OutOfBandAuthentication string                 `json:"out-of-band-authentication"`
			Branch                  string                 `json:"branch"`
			Custom                  map[string]interface{} `json:"custom"`
		} `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &declaration); err != nil {
		return nil, errors.Wrap(ErrInvalidDeclaration, err.Error())
	}
	deps := map[string]*Dependency{}
	for name, decl := range declaration.Dependencies {
		deps[name] = &Dependency{
			Name:            name,
			OutOfBandCommit: decl.OutOfBandAuthentication,
			Branch:          decl.Branch,
			Custom:          decl.Custom,
		}
	}
	return deps, nil
}

// Dependencies returns the dependent archives pinned at commit. A zero
// commit means head.
func (db *DB) Dependencies(commit plumbing.Hash) (map[string]*Dependency, error) {
	if commit.IsZero() {
		head, err := db.auth.HeadCommit()
		if err != nil {
			return nil, err
		}
		commit = head
	}
	if deps, ok := db.dependencies[commit]; ok {
		return deps, nil
	}
	if err := db.LoadDependencies([]plumbing.Hash{commit}); err != nil {
		return nil, err
	}
	return db.dependencies[commit], nil
}

func (db *DB) loadMirrors(commit plumbing.Hash) ([]string, error) {
	if mirrors, ok := db.mirrors[commit]; ok {
		return mirrors, nil
	}
	data, err := db.auth.ReadBlob(commit, MirrorsJSONPath)
	if errors.Is(err, gitstore.ErrMissing) {
		db.mirrors[commit] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var declaration struct {
		Mirrors []string `json:"mirrors"`
	}
	if err := json.Unmarshal(data, &declaration); err != nil {
		return nil, errors.Wrap(ErrInvalidDeclaration, err.Error())
	}
	db.mirrors[commit] = declaration.Mirrors
	return declaration.Mirrors, nil
}

// signedTargetPaths unions the target paths of every targets-family role at
// commit, read through the snapshot's role list.
func (db *DB) signedTargetPaths(commit plumbing.Hash) (map[string]bool, error) {
	snapshotData, err := db.auth.ReadBlob(commit, tuf.MetadataDirectoryName+"/snapshot.json")
	if err != nil {
		return nil, err
	}
	snapshot, err := tuf.ParseMetadata[tuf.SignedSnapshot](snapshotData)
	if err != nil {
		return nil, err
	}
	paths := map[string]bool{}
	for fname := range snapshot.Signed.Meta {
		if fname == tuf.RoleRoot+".json" {
			continue
		}
		data, err := db.auth.ReadBlob(commit, tuf.MetadataDirectoryName+"/"+fname)
		if err != nil {
			return nil, err
		}
		targets, err := tuf.ParseMetadata[tuf.SignedTargets](data)
		if err != nil {
			return nil, err
		}
		for path := range targets.Signed.Targets {
			paths[path] = true
		}
	}
	return paths, nil
}

func resolveURLs(name string, explicit []string, mirrors []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if len(mirrors) == 0 {
		return nil, nil
	}
	return applyMirrors(name, mirrors)
}

func applyMirrors(name string, mirrors []string) ([]string, error) {
	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, errors.Wrap(ErrBadName, name)
	}
	replacer := strings.NewReplacer("{org_name}", parts[0], "{repo_name}", parts[1])
	urls := make([]string, 0, len(mirrors))
	for _, mirror := range mirrors {
		urls = append(urls, replacer.Replace(mirror))
	}
	return urls, nil
}

func customMatches(custom, filter map[string]interface{}) bool {
	for key, want := range filter {
		got, ok := custom[key]
		if !ok {
			return false
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false
		}
		gotJSON, err := json.Marshal(got)
		if err != nil {
			return false
		}
		if string(wantJSON) != string(gotJSON) {
			return false
		}
	}
	return true
}
