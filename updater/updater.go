// Package updater drives TUF refresh across the commit history of an
// authentication repository. Every commit is treated as one mirror
// snapshot: starting from the client's last validated commit, each
// following commit's metadata must verify against the trust established by
// its predecessors before the user's repository is advanced.
package updater

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/openlawlibrary/taf-go/gitstore"
	"github.com/openlawlibrary/taf-go/tuf"
)

var (
	// ErrInvalidRemote reports a remote that cannot be cloned.
	ErrInvalidRemote = errors.New("cannot clone remote authentication repository")
	// ErrForcePushDetected reports a remote head that is not a descendant
	// of the client's last validated commit.
	ErrForcePushDetected = errors.New("remote head is not a descendant of the last validated commit")
)

// MetadataInvalidAtError pinpoints the commit and metadata file at which
// history replay failed. The user repository is never mutated when it is
// returned.
type MetadataInvalidAtError struct {
	Commit plumbing.Hash
	File   string
	Reason error
}

func (e *MetadataInvalidAtError) Error() string {
	return fmt.Sprintf("metadata %s invalid at commit %s: %v", e.File, e.Commit, e.Reason)
}

func (e *MetadataInvalidAtError) Unwrap() error { return e.Reason }

// Config drives one historical update.
type Config struct {
	// RepoPath is the user's local authentication repository.
	RepoPath string
	// RemoteURL is cloned into a temporary bare validation repository.
	RemoteURL string
	// LastValidated overrides the persisted last validated commit.
	LastValidated plumbing.Hash
	// StatePath is where the last validated commit is persisted out of
	// band. Defaults to <RepoPath>/.git/last_validated_commit.
	StatePath string
	// Clock supplies the reference time for expiration checks. When nil
	// the replay runs with a clock frozen at the zero instant, so no role
	// is ever considered expired; intermediate commits legitimately
	// contain metadata that has expired since it was signed.
	Clock clock.Clock
	// PerCommitReference switches the reference time to each commit's
	// committer timestamp minus ExpirationTolerance, rejecting metadata
	// that was already expired when it was committed.
	PerCommitReference bool
	// ExpirationTolerance loosens PerCommitReference by the given amount.
	ExpirationTolerance time.Duration
	// Logger receives structured progress output.
	Logger log.Logger
}

// Result reports a completed update.
type Result struct {
	PreviousHead     plumbing.Hash
	Head             plumbing.Hash
	ValidatedCommits int
}

// Update validates every commit between the client's last validated commit
// and the remote head, then and only then fast-forwards the user's
// repository. All verification happens against a fresh bare clone; on any
// error the user repository is untouched.
func Update(cfg *Config) (*Result, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	users, err := gitstore.Open(cfg.RepoPath)
	if err != nil {
		return nil, err
	}
	statePath := cfg.StatePath
	if statePath == "" {
		statePath = filepath.Join(cfg.RepoPath, ".git", "last_validated_commit")
	}
	lastValidated := cfg.LastValidated
	if lastValidated.IsZero() {
		lastValidated = readLastValidated(statePath)
	}

	cloneDir, err := os.MkdirTemp("", "auth-validation-")
	if err != nil {
		return nil, errors.Wrap(err, "creating validation clone directory")
	}
	defer os.RemoveAll(cloneDir)
	validation, err := gitstore.BareClone(cfg.RemoteURL, cloneDir)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRemote, err.Error())
	}
	remoteHead, err := validation.HeadCommit()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRemote, err.Error())
	}

	if !lastValidated.IsZero() {
		isAncestor, err := validation.IsAncestor(lastValidated, remoteHead)
		if err != nil || !isAncestor {
			return nil, errors.Wrapf(ErrForcePushDetected, "last validated %s, remote head %s", lastValidated, remoteHead)
		}
		if lastValidated == remoteHead {
			level.Debug(logger).Log("msg", "authentication repository is up to date", "head", remoteHead.String())
			return &Result{PreviousHead: lastValidated, Head: remoteHead}, nil
		}
	}

	commits, err := validation.ListCommits(lastValidated, remoteHead)
	if err != nil {
		return nil, err
	}
	if !lastValidated.IsZero() {
		commits = append([]plumbing.Hash{lastValidated}, commits...)
	}

	replayer, err := newReplay(validation, commits, cfg)
	if err != nil {
		return nil, err
	}
	if err := replayer.run(logger); err != nil {
		return nil, err
	}

	// The whole chain verified; promote the user's repository.
	if err := users.Fetch(cfg.RemoteURL, gitstore.FetchModeAll); err != nil {
		return nil, errors.Wrap(err, "fetching validated commits")
	}
	if err := users.ResetHard(remoteHead); err != nil {
		return nil, errors.Wrap(err, "fast-forwarding to validated head")
	}
	if err := writeLastValidated(statePath, remoteHead); err != nil {
		return nil, err
	}
	level.Info(logger).Log("msg", "validated authentication repository", "commits", len(commits), "head", remoteHead.String())
	return &Result{
		PreviousHead:     lastValidated,
		Head:             remoteHead,
		ValidatedCommits: len(commits),
	}, nil
}

// replay walks the pending commits, feeding each metadata file to the
// trusted set in TUF order and advancing one cursor per file.
type replay struct {
	validation *gitstore.BareRepository
	commits    []plumbing.Hash
	trusted    *tuf.TrustedSet
	cursors    map[string]int
	refClock   *referenceClock
	cfg        *Config
}

func newReplay(validation *gitstore.BareRepository, commits []plumbing.Hash, cfg *Config) (*replay, error) {
	seed := commits[0]
	refClock := &referenceClock{inner: cfg.Clock}
	rootData, err := validation.ReadBlob(seed, metadataPath(tuf.RoleRoot))
	if err != nil {
		return nil, &MetadataInvalidAtError{Commit: seed, File: "root.json", Reason: err}
	}
	trusted, err := tuf.NewTrustedSet(rootData, refClock)
	if err != nil {
		return nil, &MetadataInvalidAtError{Commit: seed, File: "root.json", Reason: err}
	}
	cursors := map[string]int{}
	files, err := validation.ListFiles(seed, tuf.MetadataDirectoryName)
	if err != nil {
		return nil, err
	}
	for _, fname := range files {
		if strings.HasSuffix(fname, ".json") {
			cursors[fname] = 0
		}
	}
	return &replay{
		validation: validation,
		commits:    commits,
		trusted:    trusted,
		cursors:    cursors,
		refClock:   refClock,
		cfg:        cfg,
	}, nil
}

func (rp *replay) run(logger log.Logger) error {
	for index, commit := range rp.commits {
		if rp.cfg.PerCommitReference {
			when, err := rp.validation.CommitTime(commit)
			if err != nil {
				return err
			}
			rp.refClock.set(when.Add(-rp.cfg.ExpirationTolerance))
		}
		if err := rp.step(index, commit); err != nil {
			return err
		}
		level.Debug(logger).Log("msg", "validated commit", "commit", commit.String(), "index", index)
	}
	// The timestamp role is refreshed at every commit, so its cursor
	// reaching the final commit means the archive is fully validated.
	if last := len(rp.commits) - 1; rp.cursors["timestamp.json"] != last {
		return errors.Wrap(tuf.ErrMetadataInvalid, "timestamp cursor did not reach the remote head")
	}
	return nil
}

// step verifies one commit's metadata in root, timestamp, snapshot,
// targets, delegations order. Root and timestamp are read at every commit;
// snapshot and the targets family are only re-fetched when the chain above
// them pins a new version. The seed commit (index 0) establishes the
// baseline.
func (rp *replay) step(index int, commit plumbing.Hash) error {
	if index > 0 {
		if err := rp.loadRoot(index, commit); err != nil {
			return err
		}
	}
	if err := rp.loadTimestamp(index, commit); err != nil {
		return err
	}
	if err := rp.loadSnapshot(index, commit); err != nil {
		return err
	}
	return rp.loadTargetsFamily(index, commit)
}

func (rp *replay) loadRoot(index int, commit plumbing.Hash) error {
	const fname = "root.json"
	data, err := rp.validation.ReadBlob(commit, metadataPath(tuf.RoleRoot))
	if err != nil {
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
	}
	candidate, err := tuf.ParseMetadata[tuf.SignedRoot](data)
	if err != nil {
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
	}
	// Walk forward through every intermediate root version so key
	// rotations replay exactly as clients originally saw them.
	for candidate.Version() > rp.trusted.Root.Version() {
		next := rp.trusted.Root.Version() + 1
		versioned, err := rp.validation.ReadBlob(commit, metadataPath(fmt.Sprintf("%d.%s", next, tuf.RoleRoot)))
		if err != nil {
			if candidate.Version() == next {
				versioned = data
			} else {
				return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
			}
		}
		if _, err := rp.trusted.UpdateRoot(versioned); err != nil {
			return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
		}
		rp.cursors[fname] = index
	}
	if candidate.Version() < rp.trusted.Root.Version() {
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: tuf.ErrVersionRegression}
	}
	return nil
}

func (rp *replay) loadTimestamp(index int, commit plumbing.Hash) error {
	const fname = "timestamp.json"
	data, err := rp.validation.ReadBlob(commit, metadataPath(tuf.RoleTimestamp))
	if err != nil {
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
	}
	if _, err := rp.trusted.UpdateTimestamp(data); err != nil {
		if errors.Is(err, tuf.ErrEqualVersion) {
			rp.cursors[fname] = index
			return nil
		}
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
	}
	rp.cursors[fname] = index
	return nil
}

func (rp *replay) loadSnapshot(index int, commit plumbing.Hash) error {
	const fname = "snapshot.json"
	want := rp.trusted.Timestamp.Signed.SnapshotMeta().Version
	if rp.trusted.Snapshot != nil && rp.trusted.Snapshot.Version() == want {
		return nil
	}
	data, err := rp.validation.ReadBlob(commit, metadataPath(tuf.RoleSnapshot))
	if err != nil {
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
	}
	if _, err := rp.trusted.UpdateSnapshot(data); err != nil {
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
	}
	rp.cursors[fname] = index
	return nil
}

// loadTargetsFamily refreshes the top-level targets role and then walks the
// delegation graph breadth-first, refreshing every delegated role whose
// snapshot pin moved.
func (rp *replay) loadTargetsFamily(index int, commit plumbing.Hash) error {
	if err := rp.loadTargetsRole(index, commit, tuf.RoleTargets, tuf.RoleRoot); err != nil {
		return err
	}
	queue := []string{tuf.RoleTargets}
	visited := map[string]bool{}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		if visited[parent] {
			continue
		}
		visited[parent] = true
		loaded := rp.trusted.Targets[parent]
		if loaded == nil || loaded.Signed.Delegations == nil {
			continue
		}
		for _, child := range loaded.Signed.Delegations.Roles {
			if err := rp.loadTargetsRole(index, commit, child.Name, parent); err != nil {
				return err
			}
			queue = append(queue, child.Name)
		}
	}
	return nil
}

func (rp *replay) loadTargetsRole(index int, commit plumbing.Hash, roleName, delegator string) error {
	fname := roleName + ".json"
	meta, ok := rp.trusted.Snapshot.Signed.Meta[fname]
	if !ok {
		// Snapshot does not track the role at this commit; nothing to load.
		return nil
	}
	if loaded := rp.trusted.Targets[roleName]; loaded != nil && loaded.Version() == meta.Version {
		return nil
	}
	data, err := rp.validation.ReadBlob(commit, metadataPath(roleName))
	if err != nil {
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
	}
	if _, err := rp.trusted.UpdateDelegatedTargets(data, roleName, delegator); err != nil {
		return &MetadataInvalidAtError{Commit: commit, File: fname, Reason: err}
	}
	rp.cursors[fname] = index
	return nil
}

func metadataPath(role string) string {
	return tuf.MetadataDirectoryName + "/" + role + ".json"
}

func readLastValidated(statePath string) plumbing.Hash {
	data, err := os.ReadFile(statePath)
	if err != nil {
		return plumbing.ZeroHash
	}
	return plumbing.NewHash(strings.TrimSpace(string(data)))
}

func writeLastValidated(statePath string, commit plumbing.Hash) error {
	if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
		return errors.Wrap(err, "creating state directory")
	}
	err := os.WriteFile(statePath, []byte(commit.String()+"\n"), 0644)
	return errors.Wrap(err, "persisting last validated commit")
}

// referenceClock satisfies the clock interface with a settable instant. The
// zero value never reports any expiration: the zero time precedes every
// expiry the archive can carry. When an inner clock is supplied it is used
// instead, for live-mode refreshes.
type referenceClock struct {
	inner clock.Clock
	t     time.Time
}

func (c *referenceClock) set(t time.Time) { c.t = t }

func (c *referenceClock) Now() time.Time {
	if c.inner != nil {
		return c.inner.Now()
	}
	return c.t
}

func (c *referenceClock) After(d time.Duration) <-chan time.Time {
	if c.inner != nil {
		return c.inner.After(d)
	}
	ch := make(chan time.Time, 1)
	ch <- c.t.Add(d)
	return ch
}

func (c *referenceClock) Sleep(d time.Duration) {
	if c.inner != nil {
		c.inner.Sleep(d)
		return
	}
	clock.DefaultClock{}.Sleep(d)
}

func (c *referenceClock) Tick(d time.Duration) <-chan time.Time {
	if c.inner != nil {
		return c.inner.Tick(d)
	}
	return clock.DefaultClock{}.Tick(d)
}

func (c *referenceClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	if c.inner != nil {
		return c.inner.AfterFunc(d, f)
	}
	return clock.DefaultClock{}.AfterFunc(d, f)
}

func (c *referenceClock) NewTimer(d time.Duration) clock.Timer {
	if c.inner != nil {
		return c.inner.NewTimer(d)
	}
	return clock.DefaultClock{}.NewTimer(d)
}

func (c *referenceClock) NewTicker(d time.Duration) clock.Ticker {
	if c.inner != nil {
		return c.inner.NewTicker(d)
	}
	return clock.DefaultClock{}.NewTicker(d)
}
