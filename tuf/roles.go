// Package tuf implements the signed role metadata of an authentication
// repository: the role graph rooted at root with targets, snapshot, and
// timestamp plus delegated targets roles, the edit sessions that bump,
// re-sign, and persist them, and the trusted set a client verifies them
// with.
package tuf

import (
	"encoding/json"
	"time"

	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
)

const (
	// Top-level role names.
	RoleRoot      = "root"
	RoleTargets   = "targets"
	RoleSnapshot  = "snapshot"
	RoleTimestamp = "timestamp"

	specVersion = "1.0.31"
)

// TopLevelRoles lists the four fixed roles in their canonical order.
var TopLevelRoles = []string{RoleRoot, RoleTargets, RoleSnapshot, RoleTimestamp}

// RoleSigned constrains the signed body of a metadata envelope.
type RoleSigned interface {
	SignedRoot | SignedTargets | SignedSnapshot | SignedTimestamp
}

// Metadata is the signed envelope persisted as <role>.json: the canonical
// body plus the signatures over its canonical encoding.
type Metadata[T RoleSigned] struct {
	Signed     T           `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

// Signature is a single (keyid, hex sig) pair.
type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

// SignedCommon carries the fields shared by every role body.
type SignedCommon struct {
	Type        string    `json:"_type"`
	SpecVersion string    `json:"spec_version"`
	Version     int       `json:"version"`
	Expires     time.Time `json:"expires"`
}

func (s *SignedCommon) common() *SignedCommon { return s }

// IsExpired reports whether the role is expired at referenceTime.
func (s *SignedCommon) IsExpired(referenceTime time.Time) bool {
	return referenceTime.After(s.Expires)
}

type roleCommon interface {
	common() *SignedCommon
}

// Role maps keys in a role that are needed to check signatures.
type Role struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// SignedRoot is the signed body of the root role. It lists every trusted
// key and which of them are authorized for each top-level role.
type SignedRoot struct {
	SignedCommon
	ConsistentSnapshot bool             `json:"consistent_snapshot"`
	Keys               map[string]*Key  `json:"keys"`
	Roles              map[string]*Role `json:"roles"`
}

// SignedTargets is the signed body of the targets role and of every
// delegated targets role.
type SignedTargets struct {
	SignedCommon
	Targets     map[string]*TargetFile `json:"targets"`
	Delegations *Delegations           `json:"delegations,omitempty"`
}

// SignedSnapshot lists the version of every non-timestamp role file.
type SignedSnapshot struct {
	SignedCommon
	Meta map[string]*MetaFile `json:"meta"`
}

// SignedTimestamp carries the version of the current snapshot.
type SignedTimestamp struct {
	SignedCommon
	Meta map[string]*MetaFile `json:"meta"`
}

// SnapshotMeta returns the timestamp's entry for snapshot.json.
func (s *SignedTimestamp) SnapshotMeta() *MetaFile {
	if m, ok := s.Meta[RoleSnapshot+".json"]; ok {
		return m
	}
	return &MetaFile{Version: 0}
}

// MetaFile describes a role file pinned by snapshot or timestamp.
type MetaFile struct {
	Length  int64             `json:"length,omitempty"`
	Hashes  map[string]string `json:"hashes,omitempty"`
	Version int               `json:"version"`
}

// TargetFile is the recorded state of one file under targets/.
type TargetFile struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom json.RawMessage   `json:"custom,omitempty"`
}

// Delegations is the optional block of a targets role authorizing child
// roles for subsets of target paths.
type Delegations struct {
	Keys  map[string]*Key  `json:"keys"`
	Roles []*DelegatedRole `json:"roles"`
}

// DelegatedRole declares one child of a targets role. Paths are fnmatch
// patterns relative to the targets directory; a terminating role stops the
// delegation search when one of its patterns matches.
type DelegatedRole struct {
	Name        string   `json:"name"`
	KeyIDs      []string `json:"keyids"`
	Threshold   int      `json:"threshold"`
	Paths       []string `json:"paths"`
	Terminating bool     `json:"terminating"`
}

// Named returns the delegation entry for name, if declared.
func (d *Delegations) Named(name string) *DelegatedRole {
	if d == nil {
		return nil
	}
	for _, role := range d.Roles {
		if role.Name == name {
			return role
		}
	}
	return nil
}

func (meta *Metadata[T]) common() *SignedCommon {
	return any(&meta.Signed).(roleCommon).common()
}

// Version of the signed body.
func (meta *Metadata[T]) Version() int { return meta.common().Version }

// Expires of the signed body.
func (meta *Metadata[T]) Expires() time.Time { return meta.common().Expires }

// SignedBytes returns the canonical JSON encoding of the signed body,
// the exact bytes signatures are computed over.
func (meta *Metadata[T]) SignedBytes() ([]byte, error) {
	b, err := cjson.MarshalCanonical(meta.Signed)
	if err != nil {
		return nil, errors.Wrap(err, "canonical encoding of signed body")
	}
	return b, nil
}

// MarshalBytes serializes the whole envelope canonically, the form
// persisted to disk.
func (meta *Metadata[T]) MarshalBytes() ([]byte, error) {
	b, err := cjson.MarshalCanonical(meta)
	if err != nil {
		return nil, errors.Wrap(err, "canonical encoding of metadata envelope")
	}
	return b, nil
}

// Sign appends a signature over the canonical signed body.
func (meta *Metadata[T]) Sign(signer Signer) error {
	payload, err := meta.SignedBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return errors.Wrap(err, "signing metadata")
	}
	meta.Signatures = append(meta.Signatures, sig)
	return nil
}

// ClearSignatures drops all signatures from the envelope.
func (meta *Metadata[T]) ClearSignatures() {
	meta.Signatures = []Signature{}
}

func roleType[T RoleSigned]() string {
	switch any(new(T)).(type) {
	case *SignedRoot:
		return RoleRoot
	case *SignedTargets:
		return RoleTargets
	case *SignedSnapshot:
		return RoleSnapshot
	default:
		return RoleTimestamp
	}
}

// ParseMetadata decodes a signed envelope, checking that the body type
// matches T and that no key id signs twice.
func ParseMetadata[T RoleSigned](data []byte) (*Metadata[T], error) {
	var meta Metadata[T]
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(ErrMetadataInvalid, err.Error())
	}
	wantType := roleType[T]()
	if got := meta.common().Type; got != wantType {
		return nil, errors.Wrapf(ErrMetadataInvalid, "expected type %q, got %q", wantType, got)
	}
	seen := make(map[string]bool, len(meta.Signatures))
	for _, sig := range meta.Signatures {
		if seen[sig.KeyID] {
			return nil, errors.Wrapf(ErrMetadataInvalid, "multiple signatures found for key id %s", sig.KeyID)
		}
		seen[sig.KeyID] = true
	}
	return &meta, nil
}

// NewSignedRoot returns a root body at version 0 with empty role entries
// for the four top-level roles; close bumps it to its first valid version.
func NewSignedRoot(expires time.Time) *SignedRoot {
	roles := make(map[string]*Role, len(TopLevelRoles))
	for _, name := range TopLevelRoles {
		roles[name] = &Role{KeyIDs: []string{}, Threshold: 1}
	}
	return &SignedRoot{
		SignedCommon: SignedCommon{
			Type:        RoleRoot,
			SpecVersion: specVersion,
			Expires:     expires,
		},
		ConsistentSnapshot: false,
		Keys:               map[string]*Key{},
		Roles:              roles,
	}
}

// NewSignedTargets returns an empty targets body at version 0.
func NewSignedTargets(expires time.Time) *SignedTargets {
	return &SignedTargets{
		SignedCommon: SignedCommon{
			Type:        RoleTargets,
			SpecVersion: specVersion,
			Expires:     expires,
		},
		Targets: map[string]*TargetFile{},
	}
}

// NewSignedSnapshot returns a snapshot body at version 0 pinning targets v1.
func NewSignedSnapshot(expires time.Time) *SignedSnapshot {
	return &SignedSnapshot{
		SignedCommon: SignedCommon{
			Type:        RoleSnapshot,
			SpecVersion: specVersion,
			Expires:     expires,
		},
		Meta: map[string]*MetaFile{
			RoleTargets + ".json": {Version: 1},
		},
	}
}

// NewSignedTimestamp returns a timestamp body at version 0 pinning snapshot v1.
func NewSignedTimestamp(expires time.Time) *SignedTimestamp {
	return &SignedTimestamp{
		SignedCommon: SignedCommon{
			Type:        RoleTimestamp,
			SpecVersion: specVersion,
			Expires:     expires,
		},
		Meta: map[string]*MetaFile{
			RoleSnapshot + ".json": {Version: 1},
		},
	}
}
