package tuf

import (
	"github.com/go-kit/kit/log/level"
)

// RoleKeyRef names a (role, key id) pair in a key management report.
type RoleKeyRef struct {
	Role  string
	KeyID string
}

// KeyAdditionReport summarizes an AddMetadataKeys call.
type KeyAdditionReport struct {
	Added          []RoleKeyRef
	AlreadyPresent []RoleKeyRef
	Invalid        []RoleKeyRef
}

// KeyRevocationReport summarizes a RevokeMetadataKey call. Roles listed in
// BelowThreshold were left unchanged because removal would make the role
// unsignable.
type KeyRevocationReport struct {
	RemovedFrom    []string
	NotPresentIn   []string
	BelowThreshold []string
}

// AddMetadataKeys authorizes new public keys for roles. Keys for top-level
// roles are recorded both in the role's keyid list and in root's key map;
// keys for delegated roles are recorded in the parent targets role. Root
// is bumped when any top-level authorization changed, the targets role is
// additionally re-signed when its own keys changed, and the snapshot and
// timestamp cascade runs when anything was written.
func (r *Repository) AddMetadataKeys(rolesKeys map[string][]*Key) (*KeyAdditionReport, error) {
	report := &KeyAdditionReport{}

	root, err := r.Root()
	if err != nil {
		return nil, err
	}

	// Partition the request into fresh top-level additions, fresh delegated
	// additions grouped by parent, keys already authorized, and keys for
	// roles that do not exist. Edits only happen for fresh additions, so
	// re-adding a key never bumps anything.
	topLevel := map[string][]*Key{}
	byParent := map[string]map[string][]*Key{}
	for roleName, roleKeys := range rolesKeys {
		if role, ok := root.Signed.Roles[roleName]; ok {
			for _, key := range roleKeys {
				ref := RoleKeyRef{Role: roleName, KeyID: key.ID()}
				if containsString(role.KeyIDs, key.ID()) {
					report.AlreadyPresent = append(report.AlreadyPresent, ref)
					continue
				}
				topLevel[roleName] = append(topLevel[roleName], key)
			}
			continue
		}
		parent, err := r.FindDelegatedRolesParent(roleName)
		if err != nil {
			for _, key := range roleKeys {
				report.Invalid = append(report.Invalid, RoleKeyRef{Role: roleName, KeyID: key.ID()})
			}
			continue
		}
		parentMeta, err := r.TargetsRole(parent)
		if err != nil {
			return nil, err
		}
		delegation := parentMeta.Signed.Delegations.Named(roleName)
		if delegation == nil {
			for _, key := range roleKeys {
				report.Invalid = append(report.Invalid, RoleKeyRef{Role: roleName, KeyID: key.ID()})
			}
			continue
		}
		for _, key := range roleKeys {
			ref := RoleKeyRef{Role: roleName, KeyID: key.ID()}
			if containsString(delegation.KeyIDs, key.ID()) {
				report.AlreadyPresent = append(report.AlreadyPresent, ref)
				continue
			}
			if byParent[parent] == nil {
				byParent[parent] = map[string][]*Key{}
			}
			byParent[parent][roleName] = append(byParent[parent][roleName], key)
		}
	}

	changed := false
	if len(topLevel) > 0 {
		err := r.EditRoot(func(root *SignedRoot) error {
			for roleName, roleKeys := range topLevel {
				role := root.Roles[roleName]
				for _, key := range roleKeys {
					role.KeyIDs = append(role.KeyIDs, key.ID())
					root.Keys[key.ID()] = key
					report.Added = append(report.Added, RoleKeyRef{Role: roleName, KeyID: key.ID()})
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		changed = true
	}

	// Make sure the targets role gets signed with its new key even though
	// its body did not change.
	if len(topLevel[RoleTargets]) > 0 {
		if err := r.EditTargets(RoleTargets, nil); err != nil {
			return nil, err
		}
	}

	for parent, children := range byParent {
		err := r.EditTargets(parent, func(t *SignedTargets) error {
			for roleName, roleKeys := range children {
				delegation := t.Delegations.Named(roleName)
				if delegation == nil {
					return roleErr(roleName, ErrUnknownRole)
				}
				for _, key := range roleKeys {
					delegation.KeyIDs = append(delegation.KeyIDs, key.ID())
					t.Delegations.Keys[key.ID()] = key
					report.Added = append(report.Added, RoleKeyRef{Role: roleName, KeyID: key.ID()})
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		changed = true
	}

	if changed {
		if err := r.UpdateSnapshotAndTimestamp(); err != nil {
			return nil, err
		}
	}
	level.Info(r.logger).Log("msg", "added metadata keys", "added", len(report.Added), "already_present", len(report.AlreadyPresent), "invalid", len(report.Invalid))
	return report, nil
}

// RevokeMetadataKey removes keyID from the listed roles. A role whose key
// count would drop below its threshold is reported and left unchanged.
func (r *Repository) RevokeMetadataKey(keyID string, roles []string) (*KeyRevocationReport, error) {
	report := &KeyRevocationReport{}

	var topLevel []string
	var delegated []string
	for _, roleName := range roles {
		keyIDs, err := r.RoleKeyIDs(roleName)
		if err != nil {
			return nil, err
		}
		if !containsString(keyIDs, keyID) {
			report.NotPresentIn = append(report.NotPresentIn, roleName)
			continue
		}
		threshold, err := r.RoleThreshold(roleName)
		if err != nil {
			return nil, err
		}
		if len(keyIDs)-1 < threshold {
			report.BelowThreshold = append(report.BelowThreshold, roleName)
			continue
		}
		if isTopLevel(roleName) {
			topLevel = append(topLevel, roleName)
		} else {
			delegated = append(delegated, roleName)
		}
	}

	changed := false
	if len(topLevel) > 0 {
		err := r.EditRoot(func(root *SignedRoot) error {
			for _, roleName := range topLevel {
				role := root.Roles[roleName]
				role.KeyIDs = removeString(role.KeyIDs, keyID)
				report.RemovedFrom = append(report.RemovedFrom, roleName)
			}
			// Drop the key from root's key map once no role references it.
			referenced := false
			for _, role := range root.Roles {
				if containsString(role.KeyIDs, keyID) {
					referenced = true
					break
				}
			}
			if !referenced {
				delete(root.Keys, keyID)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		changed = true
	}

	for _, roleName := range delegated {
		parent, err := r.FindDelegatedRolesParent(roleName)
		if err != nil {
			return nil, err
		}
		err = r.EditTargets(parent, func(t *SignedTargets) error {
			delegation := t.Delegations.Named(roleName)
			if delegation == nil {
				return roleErr(roleName, ErrUnknownRole)
			}
			delegation.KeyIDs = removeString(delegation.KeyIDs, keyID)
			referenced := false
			for _, sibling := range t.Delegations.Roles {
				if containsString(sibling.KeyIDs, keyID) {
					referenced = true
					break
				}
			}
			if !referenced {
				delete(t.Delegations.Keys, keyID)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		report.RemovedFrom = append(report.RemovedFrom, roleName)
		changed = true
	}

	if changed {
		if err := r.UpdateSnapshotAndTimestamp(); err != nil {
			return nil, err
		}
	}
	level.Info(r.logger).Log("msg", "revoked metadata key", "keyid", keyID, "removed_from", len(report.RemovedFrom), "below_threshold", len(report.BelowThreshold))
	return report, nil
}

func isTopLevel(name string) bool {
	for _, role := range TopLevelRoles {
		if role == name {
			return true
		}
	}
	return false
}

func containsString(list []string, value string) bool {
	for _, existing := range list {
		if existing == value {
			return true
		}
	}
	return false
}

func removeString(list []string, value string) []string {
	filtered := list[:0]
	for _, existing := range list {
		if existing != value {
			filtered = append(filtered, existing)
		}
	}
	return filtered
}
