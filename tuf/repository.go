package tuf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

const (
	// MetadataDirectoryName is the subdirectory holding role files.
	MetadataDirectoryName = "metadata"
	// TargetsDirectoryName is the subdirectory holding target files.
	TargetsDirectoryName = "targets"
)

var expirationIntervals = map[string]int{
	RoleRoot:      365,
	RoleTargets:   90,
	RoleSnapshot:  7,
	RoleTimestamp: 1,
}

// expirationInterval returns the default expiration interval in days for a
// role; delegated targets roles inherit the targets interval.
func expirationInterval(role string) int {
	if days, ok := expirationIntervals[role]; ok {
		return days
	}
	return expirationIntervals[RoleTargets]
}

// Repository is the exclusive owner of the metadata directory of one
// authentication repository. It reads and edits role files, handling
// version and expiry bumps, signature creation, and snapshot and timestamp
// bookkeeping.
//
// The signer cache holds every signer available for the current signing
// session, keyed by role name and key id. It is not safe for concurrent
// use; callers serialize access per repository.
type Repository struct {
	path   string
	logger log.Logger
	clk    clock.Clock

	signerCache map[string]map[string]Signer

	// Trackers of the versions closeRole last wrote; Create seeds the
	// initial snapshot and timestamp from them. DoSnapshot and DoTimestamp
	// do not consult them and recompute their state from disk instead.
	snapshotInfo *MetaFile
	targetsInfos map[string]*MetaFile
}

// NewRepository returns a repository rooted at path. The metadata directory
// is <path>/metadata and the targets directory <path>/targets.
func NewRepository(path string, opts ...func() interface{}) *Repository {
	r := &Repository{
		path:         path,
		logger:       log.NewNopLogger(),
		clk:          clock.DefaultClock{},
		signerCache:  map[string]map[string]Signer{},
		snapshotInfo: &MetaFile{Version: 1},
		targetsInfos: map[string]*MetaFile{},
	}
	for _, opt := range opts {
		switch t := opt().(type) {
		case log.Logger:
			r.logger = t
		case clock.Clock:
			r.clk = t
		}
	}
	return r
}

// WithLogger supplies a structured logger to NewRepository.
func WithLogger(logger log.Logger) func() interface{} {
	return func() interface{} { return logger }
}

// WithClock supplies the clock used for expiration computation.
func WithClock(clk clock.Clock) func() interface{} {
	return func() interface{} { return clk }
}

// Path is the repository root.
func (r *Repository) Path() string { return r.path }

// MetadataPath is the directory holding role files.
func (r *Repository) MetadataPath() string {
	return filepath.Join(r.path, MetadataDirectoryName)
}

// TargetsPath is the directory holding target files.
func (r *Repository) TargetsPath() string {
	return filepath.Join(r.path, TargetsDirectoryName)
}

// LoadSigners merges signers into the signer cache, deduplicated by key id.
// Secrets held by the signers live only as long as the cache; call
// ClearSigners when the signing session ends.
func (r *Repository) LoadSigners(signers map[string][]Signer) {
	for role, roleSigners := range signers {
		cached, ok := r.signerCache[role]
		if !ok {
			cached = map[string]Signer{}
			r.signerCache[role] = cached
		}
		for _, signer := range roleSigners {
			cached[signer.Public().ID()] = signer
		}
	}
}

// ClearSigners drops every cached signer.
func (r *Repository) ClearSigners() {
	r.signerCache = map[string]map[string]Signer{}
}

// edit options

type expirationDays int
type startDate time.Time

// WithExpirationDays overrides the default expiration interval of an edit.
func WithExpirationDays(days int) func() interface{} {
	return func() interface{} { return expirationDays(days) }
}

// WithStartDate overrides the instant the expiration interval is added to.
func WithStartDate(t time.Time) func() interface{} {
	return func() interface{} { return startDate(t) }
}

func rolePath(r *Repository, name string) string {
	return filepath.Join(r.MetadataPath(), fmt.Sprintf("%s.json", name))
}

// openRole reads and parses a role file from disk.
func openRole[T RoleSigned](r *Repository, name string) (*Metadata[T], error) {
	data, err := os.ReadFile(rolePath(r, name))
	if os.IsNotExist(err) {
		return nil, roleErr(name, ErrMissingMetadata)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading metadata for role %q", name)
	}
	meta, err := ParseMetadata[T](data)
	if err != nil {
		return nil, roleErr(name, err)
	}
	return meta, nil
}

// closeRole bumps version and expiry, re-signs, and writes the role file.
// Nothing is written when signing falls short of the role's threshold.
func closeRole[T RoleSigned](r *Repository, name string, md *Metadata[T], opts ...func() interface{}) error {
	common := md.common()
	common.Version++

	days := expirationInterval(name)
	start := r.clk.Now().UTC()
	for _, opt := range opts {
		switch t := opt().(type) {
		case expirationDays:
			days = int(t)
		case startDate:
			start = time.Time(t).UTC()
		}
	}
	common.Expires = start.AddDate(0, 0, days).Truncate(time.Second)

	md.ClearSignatures()
	for _, signer := range r.signerCache[name] {
		if err := md.Sign(signer); err != nil {
			return roleErr(name, err)
		}
	}
	if err := r.checkThreshold(name, md); err != nil {
		return err
	}

	data, err := md.MarshalBytes()
	if err != nil {
		return roleErr(name, err)
	}
	fname := fmt.Sprintf("%s.json", name)
	if err := atomicWriteFile(filepath.Join(r.MetadataPath(), fname), data); err != nil {
		return errors.Wrapf(err, "writing role %q", name)
	}
	if name == RoleRoot {
		versioned := filepath.Join(r.MetadataPath(), fmt.Sprintf("%d.%s", common.Version, fname))
		if err := atomicWriteFile(versioned, data); err != nil {
			return errors.Wrap(err, "writing versioned root copy")
		}
	}

	// Track the written version so Create can seed snapshot and timestamp.
	switch name {
	case RoleSnapshot:
		r.snapshotInfo = &MetaFile{Version: common.Version}
	case RoleTimestamp:
	default:
		r.targetsInfos[fname] = &MetaFile{Version: common.Version}
	}
	level.Debug(r.logger).Log("msg", "wrote role metadata", "role", name, "version", common.Version)
	return nil
}

// checkThreshold verifies that the signatures on md meet the role's
// threshold before anything reaches disk. The root role is checked against
// the candidate body itself; every other role resolves through root or its
// parent targets role.
func checkThresholdAgainst[T RoleSigned](name string, md *Metadata[T], keyIDs []string, keys map[string]*Key, threshold int) error {
	payload, err := md.SignedBytes()
	if err != nil {
		return err
	}
	if err := verifyRoleSignatures(name, payload, md.Signatures, keyIDs, keys, threshold); err != nil {
		return errors.Wrap(roleErr(name, ErrInsufficientSigners), err.Error())
	}
	return nil
}

func (r *Repository) checkThreshold(name string, md interface{}) error {
	if root, ok := md.(*Metadata[SignedRoot]); ok {
		role := root.Signed.Roles[RoleRoot]
		if role == nil {
			return roleErr(RoleRoot, ErrUnknownRole)
		}
		return checkThresholdAgainst(RoleRoot, root, role.KeyIDs, root.Signed.Keys, role.Threshold)
	}
	keyIDs, keys, threshold, err := r.roleSigningInfo(name)
	if err != nil {
		return err
	}
	switch meta := md.(type) {
	case *Metadata[SignedTargets]:
		return checkThresholdAgainst(name, meta, keyIDs, keys, threshold)
	case *Metadata[SignedSnapshot]:
		return checkThresholdAgainst(name, meta, keyIDs, keys, threshold)
	case *Metadata[SignedTimestamp]:
		return checkThresholdAgainst(name, meta, keyIDs, keys, threshold)
	}
	return errors.Wrap(ErrMetadataInvalid, "unknown metadata envelope type")
}

// roleSigningInfo resolves the authorized key ids, key map, and threshold
// for a role: from root for top-level roles, from the parent targets role
// for delegations.
func (r *Repository) roleSigningInfo(name string) ([]string, map[string]*Key, int, error) {
	root, err := r.Root()
	if err != nil {
		return nil, nil, 0, err
	}
	if role, ok := root.Signed.Roles[name]; ok {
		return role.KeyIDs, root.Signed.Keys, role.Threshold, nil
	}
	parentName, err := r.FindDelegatedRolesParent(name)
	if err != nil {
		return nil, nil, 0, err
	}
	parent, err := r.TargetsRole(parentName)
	if err != nil {
		return nil, nil, 0, err
	}
	delegation := parent.Signed.Delegations.Named(name)
	if delegation == nil {
		return nil, nil, 0, roleErr(name, ErrUnknownRole)
	}
	return delegation.KeyIDs, parent.Signed.Delegations.Keys, delegation.Threshold, nil
}

// editRole runs one complete edit session: load, mutate, bump, re-sign,
// persist. Validation failures surface before any file is written.
func editRole[T RoleSigned](r *Repository, name string, mutate func(*T) error, opts ...func() interface{}) error {
	md, err := openRole[T](r, name)
	if err != nil {
		return err
	}
	if mutate != nil {
		if err := mutate(&md.Signed); err != nil {
			return roleErr(name, err)
		}
	}
	return closeRole(r, name, md, opts...)
}

// Root reads the current root role from disk.
func (r *Repository) Root() (*Metadata[SignedRoot], error) {
	return openRole[SignedRoot](r, RoleRoot)
}

// Targets reads the top-level targets role from disk.
func (r *Repository) Targets() (*Metadata[SignedTargets], error) {
	return openRole[SignedTargets](r, RoleTargets)
}

// TargetsRole reads any targets-family role from disk.
func (r *Repository) TargetsRole(name string) (*Metadata[SignedTargets], error) {
	return openRole[SignedTargets](r, name)
}

// Snapshot reads the snapshot role from disk.
func (r *Repository) Snapshot() (*Metadata[SignedSnapshot], error) {
	return openRole[SignedSnapshot](r, RoleSnapshot)
}

// Timestamp reads the timestamp role from disk.
func (r *Repository) Timestamp() (*Metadata[SignedTimestamp], error) {
	return openRole[SignedTimestamp](r, RoleTimestamp)
}

// EditRoot mutates the root role in a single edit session.
func (r *Repository) EditRoot(mutate func(*SignedRoot) error, opts ...func() interface{}) error {
	return editRole(r, RoleRoot, mutate, opts...)
}

// EditTargets mutates a targets-family role in a single edit session.
func (r *Repository) EditTargets(name string, mutate func(*SignedTargets) error, opts ...func() interface{}) error {
	return editRole(r, name, mutate, opts...)
}

// EditSnapshot mutates the snapshot role in a single edit session.
func (r *Repository) EditSnapshot(mutate func(*SignedSnapshot) error, opts ...func() interface{}) error {
	return editRole(r, RoleSnapshot, mutate, opts...)
}

// EditTimestamp mutates the timestamp role in a single edit session.
func (r *Repository) EditTimestamp(mutate func(*SignedTimestamp) error, opts ...func() interface{}) error {
	return editRole(r, RoleTimestamp, mutate, opts...)
}

// Create writes the initial versions of root, targets, snapshot, timestamp,
// and every delegated targets role declared in rolesKeys. It fails with
// ErrAlreadyExists when the metadata directory is already present.
//
// Bodies start at version 0 so that closeRole performs the same bump it
// performs on every later edit, centralizing signing in one code path.
func (r *Repository) Create(rolesKeys *RolesKeysData, signers map[string][]Signer) error {
	if err := rolesKeys.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(r.MetadataPath()); err == nil {
		return errors.Wrap(ErrAlreadyExists, r.MetadataPath())
	}
	if err := os.MkdirAll(r.MetadataPath(), 0755); err != nil {
		return errors.Wrap(err, "creating metadata directory")
	}
	r.ClearSigners()
	r.LoadSigners(signers)

	root := NewSignedRoot(time.Time{})
	for _, name := range TopLevelRoles {
		role := &Role{KeyIDs: []string{}, Threshold: rolesKeys.roleConfig(name).Threshold}
		for _, signer := range signers[name] {
			key := signer.Public()
			root.Keys[key.ID()] = key
			role.KeyIDs = appendUnique(role.KeyIDs, key.ID())
		}
		root.Roles[name] = role
	}
	if err := closeRole(r, RoleRoot, &Metadata[SignedRoot]{Signed: *root}); err != nil {
		return err
	}

	// Top-level targets plus the whole declared delegation tree, parents
	// before children so that threshold checks can resolve upward.
	if err := r.createTargetsTree(RoleTargets, &rolesKeys.Targets, signers); err != nil {
		return err
	}

	sn := NewSignedSnapshot(time.Time{})
	sn.Meta = map[string]*MetaFile{}
	for fname, info := range r.targetsInfos {
		sn.Meta[fname] = &MetaFile{Version: info.Version}
	}
	if err := closeRole(r, RoleSnapshot, &Metadata[SignedSnapshot]{Signed: *sn}); err != nil {
		return err
	}

	ts := NewSignedTimestamp(time.Time{})
	ts.Meta[RoleSnapshot+".json"] = &MetaFile{Version: r.snapshotInfo.Version}
	if err := closeRole(r, RoleTimestamp, &Metadata[SignedTimestamp]{Signed: *ts}); err != nil {
		return err
	}
	level.Info(r.logger).Log("msg", "created metadata repository", "path", r.path)
	return nil
}

func (r *Repository) createTargetsTree(name string, cfg *TargetsRoleConfig, signers map[string][]Signer) error {
	body := NewSignedTargets(time.Time{})
	if len(cfg.Delegations) > 0 {
		delegations := &Delegations{Keys: map[string]*Key{}, Roles: []*DelegatedRole{}}
		for _, child := range cfg.Delegations {
			role := &DelegatedRole{
				Name:        child.Name,
				KeyIDs:      []string{},
				Threshold:   child.Threshold,
				Paths:       child.Paths,
				Terminating: child.Terminating,
			}
			for _, signer := range signers[child.Name] {
				key := signer.Public()
				delegations.Keys[key.ID()] = key
				role.KeyIDs = appendUnique(role.KeyIDs, key.ID())
			}
			delegations.Roles = append(delegations.Roles, role)
		}
		body.Delegations = delegations
	}
	if err := closeRole(r, name, &Metadata[SignedTargets]{Signed: *body}); err != nil {
		return err
	}
	for _, child := range cfg.Delegations {
		if err := r.createTargetsTree(child.Name, &child.TargetsRoleConfig, signers); err != nil {
			return err
		}
	}
	return nil
}

// DoSnapshot recomputes snapshot.meta from the role files currently on
// disk and bumps the snapshot role when anything changed. With force it
// bumps unconditionally. It is idempotent between edits.
func (r *Repository) DoSnapshot(force bool) (bool, error) {
	current, err := r.Snapshot()
	if err != nil {
		return false, err
	}
	desired, err := r.diskRoleVersions()
	if err != nil {
		return false, err
	}
	if !force && metaEqual(current.Signed.Meta, desired) {
		return false, nil
	}
	err = r.EditSnapshot(func(sn *SignedSnapshot) error {
		sn.Meta = desired
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// DoTimestamp points the timestamp role at the current snapshot version and
// bumps it when the pin changed. With force it bumps unconditionally.
func (r *Repository) DoTimestamp(force bool) (bool, error) {
	sn, err := r.Snapshot()
	if err != nil {
		return false, err
	}
	current, err := r.Timestamp()
	if err != nil {
		return false, err
	}
	if !force && current.Signed.SnapshotMeta().Version == sn.Version() {
		return false, nil
	}
	err = r.EditTimestamp(func(ts *SignedTimestamp) error {
		ts.Meta = map[string]*MetaFile{
			RoleSnapshot + ".json": {Version: sn.Version()},
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateSnapshotAndTimestamp runs the full cascade after edits of root or
// targets-family roles.
func (r *Repository) UpdateSnapshotAndTimestamp() error {
	if _, err := r.DoSnapshot(false); err != nil {
		return err
	}
	if _, err := r.DoTimestamp(false); err != nil {
		return err
	}
	return nil
}

// diskRoleVersions maps "<role>.json" to its current version for root and
// every targets-family role file present in the metadata directory.
func (r *Repository) diskRoleVersions() (map[string]*MetaFile, error) {
	roles, err := r.AllRoles()
	if err != nil {
		return nil, err
	}
	meta := map[string]*MetaFile{}
	for _, name := range roles {
		if name == RoleSnapshot || name == RoleTimestamp {
			continue
		}
		version, err := r.roleVersionOnDisk(name)
		if err != nil {
			return nil, err
		}
		meta[name+".json"] = &MetaFile{Version: version}
	}
	return meta, nil
}

func (r *Repository) roleVersionOnDisk(name string) (int, error) {
	data, err := os.ReadFile(rolePath(r, name))
	if err != nil {
		return 0, errors.Wrapf(err, "reading role %q", name)
	}
	var envelope struct {
		Signed SignedCommon `json:"signed"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return 0, errors.Wrap(roleErr(name, ErrMetadataInvalid), err.Error())
	}
	return envelope.Signed.Version, nil
}

func metaEqual(a, b map[string]*MetaFile) bool {
	if len(a) != len(b) {
		return false
	}
	for fname, infoA := range a {
		infoB, ok := b[fname]
		if !ok || infoA.Version != infoB.Version {
			return false
		}
	}
	return true
}

// RoleThreshold returns the signature threshold of a role.
func (r *Repository) RoleThreshold(name string) (int, error) {
	_, _, threshold, err := r.roleSigningInfo(name)
	return threshold, err
}

// RoleKeyIDs returns the authorized key ids of a role.
func (r *Repository) RoleKeyIDs(name string) ([]string, error) {
	keyIDs, _, _, err := r.roleSigningInfo(name)
	return keyIDs, err
}

// ExpirationDate returns the expiration instant of a role.
func (r *Repository) ExpirationDate(name string) (time.Time, error) {
	switch name {
	case RoleRoot:
		md, err := r.Root()
		if err != nil {
			return time.Time{}, err
		}
		return md.Expires(), nil
	case RoleSnapshot:
		md, err := r.Snapshot()
		if err != nil {
			return time.Time{}, err
		}
		return md.Expires(), nil
	case RoleTimestamp:
		md, err := r.Timestamp()
		if err != nil {
			return time.Time{}, err
		}
		return md.Expires(), nil
	default:
		md, err := r.TargetsRole(name)
		if err != nil {
			return time.Time{}, err
		}
		return md.Expires(), nil
	}
}

// ExpirationSummary reports which roles are expired at startDate and which
// will expire within interval days, each sorted by expiration date.
type ExpirationSummary struct {
	Expired    []RoleExpiration
	WillExpire []RoleExpiration
}

// RoleExpiration pairs a role with its expiration instant.
type RoleExpiration struct {
	Role    string
	Expires time.Time
}

// CheckRolesExpirationDates scans every role on disk for expired or soon to
// expire metadata. A zero startDate means now; a zero interval means 30
// days; excluded roles are skipped.
func (r *Repository) CheckRolesExpirationDates(interval int, start time.Time, excluded []string) (*ExpirationSummary, error) {
	if start.IsZero() {
		start = r.clk.Now().UTC()
	}
	if interval == 0 {
		interval = 30
	}
	threshold := start.AddDate(0, 0, interval)
	skip := map[string]bool{}
	for _, name := range excluded {
		skip[name] = true
	}
	roles, err := r.AllRoles()
	if err != nil {
		return nil, err
	}
	summary := &ExpirationSummary{}
	for _, name := range roles {
		if skip[name] {
			continue
		}
		expires, err := r.ExpirationDate(name)
		if err != nil {
			return nil, err
		}
		entry := RoleExpiration{Role: name, Expires: expires}
		switch {
		case start.After(expires):
			summary.Expired = append(summary.Expired, entry)
		case !threshold.Before(expires):
			summary.WillExpire = append(summary.WillExpire, entry)
		}
	}
	sort.Slice(summary.Expired, func(i, j int) bool {
		return summary.Expired[i].Expires.Before(summary.Expired[j].Expires)
	})
	sort.Slice(summary.WillExpire, func(i, j int) bool {
		return summary.WillExpire[i].Expires.Before(summary.WillExpire[j].Expires)
	})
	return summary, nil
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tuf_tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
