package tuf

import (
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
)

// TrustedSet is the client-side trusted metadata collection. Update methods
// verify candidate metadata against the currently trusted state and, on
// success, replace it, implementing the TUF client checks for each role.
//
// The reference time used for expiration checks comes from the injected
// clock. A live client passes a real clock; the historical updater passes a
// clock frozen at the zero instant so that intermediate commits whose
// metadata has since expired still verify.
type TrustedSet struct {
	clk clock.Clock

	Root      *Metadata[SignedRoot]
	Timestamp *Metadata[SignedTimestamp]
	Snapshot  *Metadata[SignedSnapshot]
	Targets   map[string]*Metadata[SignedTargets]
}

// NewTrustedSet seeds a trusted set from root metadata bytes. The initial
// root must carry a valid signature threshold over itself.
func NewTrustedSet(rootData []byte, clk clock.Clock) (*TrustedSet, error) {
	if clk == nil {
		clk = clock.DefaultClock{}
	}
	root, err := ParseMetadata[SignedRoot](rootData)
	if err != nil {
		return nil, err
	}
	if err := verifyWithRoot(&root.Signed, RoleRoot, root); err != nil {
		return nil, err
	}
	return &TrustedSet{
		clk:     clk,
		Root:    root,
		Targets: map[string]*Metadata[SignedTargets]{},
	}, nil
}

func (ts *TrustedSet) referenceTime() time.Time {
	return ts.clk.Now()
}

// verifyWithRoot checks meta's signatures against the keys root authorizes
// for roleName.
func verifyWithRoot[T RoleSigned](root *SignedRoot, roleName string, meta *Metadata[T]) error {
	role, ok := root.Roles[roleName]
	if !ok {
		return roleErr(roleName, ErrUnknownRole)
	}
	signed, err := meta.SignedBytes()
	if err != nil {
		return err
	}
	return verifyRoleSignatures(roleName, signed, meta.Signatures, role.KeyIDs, root.Keys, role.Threshold)
}

// UpdateRoot verifies and installs the next root. The candidate must be
// signed by both the currently trusted root keys and its own, and its
// version must be exactly one greater, replaying the rotation chain.
func (ts *TrustedSet) UpdateRoot(data []byte) (*Metadata[SignedRoot], error) {
	candidate, err := ParseMetadata[SignedRoot](data)
	if err != nil {
		return nil, err
	}
	if err := verifyWithRoot(&ts.Root.Signed, RoleRoot, candidate); err != nil {
		return nil, err
	}
	if err := verifyWithRoot(&candidate.Signed, RoleRoot, candidate); err != nil {
		return nil, err
	}
	if got, want := candidate.Version(), ts.Root.Version()+1; got != want {
		return nil, errors.Wrapf(roleErr(RoleRoot, ErrBadVersion), "expected version %d, got %d", want, got)
	}
	ts.Root = candidate
	return candidate, nil
}

// UpdateTimestamp verifies and installs a new timestamp. An unchanged
// version returns ErrEqualVersion, which callers treat as a no-op.
func (ts *TrustedSet) UpdateTimestamp(data []byte) (*Metadata[SignedTimestamp], error) {
	if ts.Root.Signed.IsExpired(ts.referenceTime()) {
		return nil, roleErr(RoleRoot, ErrExpired)
	}
	candidate, err := ParseMetadata[SignedTimestamp](data)
	if err != nil {
		return nil, err
	}
	if err := verifyWithRoot(&ts.Root.Signed, RoleTimestamp, candidate); err != nil {
		return nil, err
	}
	if ts.Timestamp != nil {
		oldVersion := ts.Timestamp.Version()
		switch {
		case candidate.Version() < oldVersion:
			return nil, errors.Wrapf(roleErr(RoleTimestamp, ErrVersionRegression), "trusted version %d, new version %d", oldVersion, candidate.Version())
		case candidate.Version() == oldVersion:
			return nil, roleErr(RoleTimestamp, ErrEqualVersion)
		}
		if candidate.Signed.SnapshotMeta().Version < ts.Timestamp.Signed.SnapshotMeta().Version {
			return nil, errors.Wrap(roleErr(RoleSnapshot, ErrVersionRegression), "timestamp points to an older snapshot")
		}
	}
	if candidate.Signed.IsExpired(ts.referenceTime()) {
		return nil, roleErr(RoleTimestamp, ErrExpired)
	}
	ts.Timestamp = candidate
	return candidate, nil
}

// UpdateSnapshot verifies and installs a new snapshot against the trusted
// timestamp's snapshot meta entry.
func (ts *TrustedSet) UpdateSnapshot(data []byte) (*Metadata[SignedSnapshot], error) {
	if ts.Timestamp == nil {
		return nil, errors.Wrap(ErrMissingMetadata, "cannot update snapshot before timestamp")
	}
	if ts.Timestamp.Signed.IsExpired(ts.referenceTime()) {
		return nil, roleErr(RoleTimestamp, ErrExpired)
	}
	snapshotMeta := ts.Timestamp.Signed.SnapshotMeta()
	if err := snapshotMeta.VerifyLengthHashes(data); err != nil {
		return nil, roleErr(RoleSnapshot, err)
	}
	candidate, err := ParseMetadata[SignedSnapshot](data)
	if err != nil {
		return nil, err
	}
	if err := verifyWithRoot(&ts.Root.Signed, RoleSnapshot, candidate); err != nil {
		return nil, err
	}
	if got, want := candidate.Version(), snapshotMeta.Version; got != want {
		return nil, errors.Wrapf(roleErr(RoleSnapshot, ErrBadVersion), "expected version %d, got %d", want, got)
	}
	// Role files tracked by the old snapshot must not disappear or move
	// backwards in the new one.
	if ts.Snapshot != nil {
		for fname, old := range ts.Snapshot.Signed.Meta {
			updated, ok := candidate.Signed.Meta[fname]
			if !ok {
				return nil, errors.Wrapf(ErrMetadataInvalid, "new snapshot is missing info for %q", fname)
			}
			if updated.Version < old.Version {
				return nil, errors.Wrapf(roleErr(fname, ErrVersionRegression), "trusted version %d, new version %d", old.Version, updated.Version)
			}
		}
	}
	if candidate.Signed.IsExpired(ts.referenceTime()) {
		return nil, roleErr(RoleSnapshot, ErrExpired)
	}
	ts.Snapshot = candidate
	return candidate, nil
}

// UpdateDelegatedTargets verifies and installs targets metadata for
// roleName signed by delegatorName. The top-level targets role uses root as
// its delegator; every other role uses its parent targets role.
func (ts *TrustedSet) UpdateDelegatedTargets(data []byte, roleName, delegatorName string) (*Metadata[SignedTargets], error) {
	if ts.Snapshot == nil {
		return nil, errors.Wrap(ErrMissingMetadata, "cannot update targets before snapshot")
	}
	if ts.Snapshot.Signed.IsExpired(ts.referenceTime()) {
		return nil, roleErr(RoleSnapshot, ErrExpired)
	}
	meta, ok := ts.Snapshot.Signed.Meta[roleName+".json"]
	if !ok {
		return nil, errors.Wrapf(ErrMetadataInvalid, "snapshot does not list %s.json", roleName)
	}
	if err := meta.VerifyLengthHashes(data); err != nil {
		return nil, roleErr(roleName, err)
	}
	candidate, err := ParseMetadata[SignedTargets](data)
	if err != nil {
		return nil, err
	}
	if err := ts.verifyDelegate(roleName, delegatorName, candidate); err != nil {
		return nil, err
	}
	if got, want := candidate.Version(), meta.Version; got != want {
		return nil, errors.Wrapf(roleErr(roleName, ErrBadVersion), "expected version %d, got %d", want, got)
	}
	if candidate.Signed.IsExpired(ts.referenceTime()) {
		return nil, roleErr(roleName, ErrExpired)
	}
	ts.Targets[roleName] = candidate
	return candidate, nil
}

// UpdateTargets is shorthand for updating the top-level targets role.
func (ts *TrustedSet) UpdateTargets(data []byte) (*Metadata[SignedTargets], error) {
	return ts.UpdateDelegatedTargets(data, RoleTargets, RoleRoot)
}

func (ts *TrustedSet) verifyDelegate(roleName, delegatorName string, candidate *Metadata[SignedTargets]) error {
	if delegatorName == RoleRoot {
		return verifyWithRoot(&ts.Root.Signed, roleName, candidate)
	}
	delegator, ok := ts.Targets[delegatorName]
	if !ok {
		return errors.Wrapf(ErrMissingMetadata, "delegator %q is not loaded", delegatorName)
	}
	delegations := delegator.Signed.Delegations
	role := delegations.Named(roleName)
	if role == nil {
		return errors.Wrapf(roleErr(roleName, ErrUnknownRole), "no delegation found in %q", delegatorName)
	}
	signed, err := candidate.SignedBytes()
	if err != nil {
		return err
	}
	return verifyRoleSignatures(roleName, signed, candidate.Signatures, role.KeyIDs, delegations.Keys, role.Threshold)
}

// DelegatorOf returns the name of the loaded targets role that delegates to
// roleName, or root for the top-level targets role.
func (ts *TrustedSet) DelegatorOf(roleName string) (string, error) {
	if roleName == RoleTargets {
		return RoleRoot, nil
	}
	queue := []string{RoleTargets}
	visited := map[string]bool{}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		if visited[parent] {
			continue
		}
		visited[parent] = true
		loaded, ok := ts.Targets[parent]
		if !ok || loaded.Signed.Delegations == nil {
			continue
		}
		for _, child := range loaded.Signed.Delegations.Roles {
			if child.Name == roleName {
				return parent, nil
			}
			queue = append(queue, child.Name)
		}
	}
	return "", roleErr(roleName, ErrUnknownRole)
}
