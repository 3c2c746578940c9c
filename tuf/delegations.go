package tuf

import (
	"os"

	"github.com/danwakefield/fnmatch"
	"github.com/pkg/errors"
)

// FindDelegatedRolesParent returns the name of the targets role that
// delegates to name, searching breadth-first from the top-level targets
// role.
func (r *Repository) FindDelegatedRolesParent(name string) (string, error) {
	queue := []string{RoleTargets}
	visited := map[string]bool{}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		if visited[parent] {
			return "", roleErr(parent, ErrDelegationLoop)
		}
		visited[parent] = true
		md, err := r.TargetsRole(parent)
		if err != nil {
			return "", err
		}
		if md.Signed.Delegations == nil {
			continue
		}
		for _, child := range md.Signed.Delegations.Roles {
			if child.Name == name {
				return parent, nil
			}
			queue = append(queue, child.Name)
		}
	}
	return "", roleErr(name, ErrUnknownRole)
}

// AllTargetsRoles returns the names of every targets-family role on disk,
// top-level targets first.
func (r *Repository) AllTargetsRoles() ([]string, error) {
	var all []string
	queue := []string{RoleTargets}
	visited := map[string]bool{}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			return nil, roleErr(name, ErrDelegationLoop)
		}
		visited[name] = true
		all = append(all, name)
		md, err := r.TargetsRole(name)
		if err != nil {
			return nil, err
		}
		if md.Signed.Delegations == nil {
			continue
		}
		for _, child := range md.Signed.Delegations.Roles {
			queue = append(queue, child.Name)
		}
	}
	return all, nil
}

// AllRoles returns every role on disk: the four top-level roles plus all
// delegated targets roles.
func (r *Repository) AllRoles() ([]string, error) {
	targetsRoles, err := r.AllTargetsRoles()
	if err != nil {
		return nil, err
	}
	all := []string{RoleRoot}
	all = append(all, targetsRoles...)
	all = append(all, RoleSnapshot, RoleTimestamp)
	return all, nil
}

// RolePaths returns the path patterns a delegated role is trusted for.
func (r *Repository) RolePaths(name string) ([]string, error) {
	parentName, err := r.FindDelegatedRolesParent(name)
	if err != nil {
		return nil, err
	}
	parent, err := r.TargetsRole(parentName)
	if err != nil {
		return nil, err
	}
	delegation := parent.Signed.Delegations.Named(name)
	if delegation == nil {
		return nil, roleErr(name, ErrUnknownRole)
	}
	return delegation.Paths, nil
}

// Matches reports whether the delegated role is trusted for targetPath.
func (d *DelegatedRole) Matches(targetPath string) bool {
	for _, pattern := range d.Paths {
		if fnmatch.Match(pattern, targetPath, 0) {
			return true
		}
	}
	return false
}

// MapSigningRoles resolves each target path to the role responsible for
// signing it: the deepest delegated role whose path patterns match, with
// declaration order breaking ties at each level and terminating roles
// stopping the descent. Paths no delegation claims belong to the top-level
// targets role.
func (r *Repository) MapSigningRoles(paths []string) (map[string]string, error) {
	mapping := make(map[string]string, len(paths))
	for _, targetPath := range paths {
		owner, err := r.signingRoleFor(RoleTargets, targetPath, map[string]bool{})
		if err != nil {
			return nil, err
		}
		mapping[targetPath] = owner
	}
	return mapping, nil
}

func (r *Repository) signingRoleFor(current, targetPath string, visited map[string]bool) (string, error) {
	if visited[current] {
		return "", roleErr(current, ErrDelegationLoop)
	}
	visited[current] = true
	md, err := r.TargetsRole(current)
	if err != nil {
		return "", err
	}
	if md.Signed.Delegations == nil {
		return current, nil
	}
	for _, child := range md.Signed.Delegations.Roles {
		if !child.Matches(targetPath) {
			continue
		}
		if child.Terminating {
			return child.Name, nil
		}
		return r.signingRoleFor(child.Name, targetPath, visited)
	}
	return current, nil
}

// AddDelegation declares a new delegated role under parent, authorizing the
// given keys, and writes the child's initial role file signed with signers.
func (r *Repository) AddDelegation(parent string, cfg *DelegatedRoleConfig, keys []*Key, signers []Signer) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	existing, err := r.AllTargetsRoles()
	if err != nil {
		return err
	}
	for _, name := range existing {
		if name == cfg.Name {
			return errors.Wrap(roleErr(cfg.Name, ErrAlreadyExists), "delegated role already declared")
		}
	}
	r.LoadSigners(map[string][]Signer{cfg.Name: signers})

	err = r.EditTargets(parent, func(t *SignedTargets) error {
		if t.Delegations == nil {
			t.Delegations = &Delegations{Keys: map[string]*Key{}}
		}
		role := &DelegatedRole{
			Name:        cfg.Name,
			KeyIDs:      []string{},
			Threshold:   cfg.Threshold,
			Paths:       cfg.Paths,
			Terminating: cfg.Terminating,
		}
		for _, key := range keys {
			t.Delegations.Keys[key.ID()] = key
			role.KeyIDs = appendUnique(role.KeyIDs, key.ID())
		}
		t.Delegations.Roles = append(t.Delegations.Roles, role)
		return nil
	})
	if err != nil {
		return err
	}
	body := NewSignedTargets(r.clk.Now())
	if err := closeRole(r, cfg.Name, &Metadata[SignedTargets]{Signed: *body}); err != nil {
		return err
	}
	return r.UpdateSnapshotAndTimestamp()
}

// RemoveDelegation removes a delegated role: its declaration in the parent,
// its role file, and its snapshot meta entry. This is the only way a role
// file is destroyed.
func (r *Repository) RemoveDelegation(name string) error {
	parentName, err := r.FindDelegatedRolesParent(name)
	if err != nil {
		return err
	}
	err = r.EditTargets(parentName, func(t *SignedTargets) error {
		var kept []*DelegatedRole
		removedKeyIDs := map[string]bool{}
		for _, child := range t.Delegations.Roles {
			if child.Name == name {
				for _, id := range child.KeyIDs {
					removedKeyIDs[id] = true
				}
				continue
			}
			kept = append(kept, child)
		}
		// Keys still referenced by surviving siblings stay in the key map.
		for _, child := range kept {
			for _, id := range child.KeyIDs {
				delete(removedKeyIDs, id)
			}
		}
		for id := range removedKeyIDs {
			delete(t.Delegations.Keys, id)
		}
		t.Delegations.Roles = kept
		if len(t.Delegations.Roles) == 0 {
			t.Delegations = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := os.Remove(rolePath(r, name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing role file for %q", name)
	}
	delete(r.targetsInfos, name+".json")
	return r.UpdateSnapshotAndTimestamp()
}
