package tuf

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// TargetData describes one target entry to register. When Target is
// non-nil the blob is written to the targets directory first; otherwise the
// file must already exist on disk. Custom is attached to the signed entry
// verbatim.
type TargetData struct {
	Target []byte
	Custom []byte
}

// AddTargetFiles writes the supplied target blobs, computes their digests,
// registers each entry in the most specific role claiming its path, and
// runs the snapshot/timestamp cascade.
func (r *Repository) AddTargetFiles(targetFiles map[string]TargetData) error {
	return r.ModifyTargets(targetFiles, nil)
}

// ModifyTargets registers added entries and removes the named paths, using
// one edit per affected role, then cascades snapshot and timestamp.
func (r *Repository) ModifyTargets(added map[string]TargetData, removed []string) error {
	paths := make([]string, 0, len(added)+len(removed))
	for path := range added {
		paths = append(paths, path)
	}
	paths = append(paths, removed...)
	if len(paths) == 0 {
		return nil
	}
	roles, err := r.MapSigningRoles(paths)
	if err != nil {
		return err
	}

	addedByRole := map[string]map[string]*TargetFile{}
	for path, data := range added {
		content := data.Target
		diskPath := filepath.Join(r.TargetsPath(), filepath.FromSlash(path))
		if content != nil {
			if err := os.MkdirAll(filepath.Dir(diskPath), 0755); err != nil {
				return errors.Wrap(err, "creating target directory")
			}
			if err := atomicWriteFile(diskPath, content); err != nil {
				return errors.Wrapf(err, "writing target %q", path)
			}
		} else {
			content, err = os.ReadFile(diskPath)
			if err != nil {
				return errors.Wrapf(err, "reading target %q", path)
			}
		}
		entry, err := NewTargetFile(content, data.Custom)
		if err != nil {
			return err
		}
		role := roles[path]
		if addedByRole[role] == nil {
			addedByRole[role] = map[string]*TargetFile{}
		}
		addedByRole[role][path] = entry
	}

	removedByRole := map[string][]string{}
	for _, path := range removed {
		role := roles[path]
		removedByRole[role] = append(removedByRole[role], path)
	}

	for _, role := range sortedRoleSet(addedByRole, removedByRole) {
		role := role
		err := r.EditTargets(role, func(t *SignedTargets) error {
			for path, entry := range addedByRole[role] {
				t.Targets[path] = entry
			}
			for _, path := range removedByRole[role] {
				if _, ok := t.Targets[path]; !ok {
					return errors.Wrap(ErrTargetNotFound, path)
				}
				delete(t.Targets, path)
			}
			return nil
		})
		if err != nil {
			return err
		}
		level.Debug(r.logger).Log("msg", "updated targets role", "role", role, "added", len(addedByRole[role]), "removed", len(removedByRole[role]))
	}
	for _, path := range removed {
		diskPath := filepath.Join(r.TargetsPath(), filepath.FromSlash(path))
		if err := os.Remove(diskPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing target %q", path)
		}
	}
	return r.UpdateSnapshotAndTimestamp()
}

// SignedTargetFiles returns the union of every registered target entry
// across all targets-family roles, keyed by target path.
func (r *Repository) SignedTargetFiles() (map[string]*TargetFile, error) {
	roles, err := r.AllTargetsRoles()
	if err != nil {
		return nil, err
	}
	signed := map[string]*TargetFile{}
	for _, name := range roles {
		md, err := r.TargetsRole(name)
		if err != nil {
			return nil, err
		}
		for path, entry := range md.Signed.Targets {
			if _, ok := signed[path]; !ok {
				signed[path] = entry
			}
		}
	}
	return signed, nil
}

// TargetFilesState is the drift between the targets directory and the
// signed state: files to (re)register and signed entries whose files are
// gone.
type TargetFilesState struct {
	ToAdd    []string
	ToRemove []string
}

// AllTargetFilesState diffs the on-disk targets tree against every signed
// targets map. A file on disk with no entry, or whose content no longer
// matches its entry, lands in ToAdd; an entry with no file lands in
// ToRemove.
func (r *Repository) AllTargetFilesState() (*TargetFilesState, error) {
	signed, err := r.SignedTargetFiles()
	if err != nil {
		return nil, err
	}
	onDisk, err := r.diskTargetFiles()
	if err != nil {
		return nil, err
	}
	state := &TargetFilesState{}
	for path := range onDisk {
		entry, ok := signed[path]
		if !ok {
			state.ToAdd = append(state.ToAdd, path)
			continue
		}
		content, err := os.ReadFile(filepath.Join(r.TargetsPath(), filepath.FromSlash(path)))
		if err != nil {
			return nil, errors.Wrapf(err, "reading target %q", path)
		}
		if err := entry.VerifyLengthHashes(content); err != nil {
			state.ToAdd = append(state.ToAdd, path)
		}
	}
	for path := range signed {
		if !onDisk[path] {
			state.ToRemove = append(state.ToRemove, path)
		}
	}
	sort.Strings(state.ToAdd)
	sort.Strings(state.ToRemove)
	return state, nil
}

// DeleteUnregisteredTargetFiles removes files from the targets directory
// that are not registered under the named roles, or under any role when
// none are given.
func (r *Repository) DeleteUnregisteredTargetFiles(roles ...string) error {
	if len(roles) == 0 {
		all, err := r.AllTargetsRoles()
		if err != nil {
			return err
		}
		roles = all
	}
	registered := map[string]bool{}
	for _, name := range roles {
		md, err := r.TargetsRole(name)
		if err != nil {
			return err
		}
		for path := range md.Signed.Targets {
			registered[path] = true
		}
	}
	onDisk, err := r.diskTargetFiles()
	if err != nil {
		return err
	}
	for path := range onDisk {
		if registered[path] {
			continue
		}
		if err := os.Remove(filepath.Join(r.TargetsPath(), filepath.FromSlash(path))); err != nil {
			return errors.Wrapf(err, "deleting unregistered target %q", path)
		}
		level.Debug(r.logger).Log("msg", "deleted unregistered target", "path", path)
	}
	return nil
}

// VerifyTargetFile checks one on-disk target against its signed entry.
func (r *Repository) VerifyTargetFile(path string) error {
	signed, err := r.SignedTargetFiles()
	if err != nil {
		return err
	}
	entry, ok := signed[path]
	if !ok {
		return errors.Wrap(ErrTargetNotFound, path)
	}
	content, err := os.ReadFile(filepath.Join(r.TargetsPath(), filepath.FromSlash(path)))
	if err != nil {
		return errors.Wrapf(err, "reading target %q", path)
	}
	return entry.VerifyLengthHashes(content)
}

// diskTargetFiles walks the targets directory, returning relative
// slash-separated paths.
func (r *Repository) diskTargetFiles() (map[string]bool, error) {
	found := map[string]bool{}
	root := r.TargetsPath()
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipAll
		}
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		found[filepath.ToSlash(rel)] = true
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walking targets directory")
	}
	return found, nil
}

func sortedRoleSet(added map[string]map[string]*TargetFile, removed map[string][]string) []string {
	set := map[string]bool{}
	for role := range added {
		set[role] = true
	}
	for role := range removed {
		set[role] = true
	}
	roles := make([]string, 0, len(set))
	for role := range set {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
