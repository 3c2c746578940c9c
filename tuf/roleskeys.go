package tuf

import (
	"github.com/pkg/errors"
)

// ErrInvalidRolesKeysData reports a malformed roles/keys description.
var ErrInvalidRolesKeysData = errors.New("invalid roles keys data")

// RoleKeysConfig describes the key arrangement of one role: how many keys
// it has, how many must sign, and whether the keys live on hardware tokens.
type RoleKeysConfig struct {
	Number    int  `json:"number"`
	Threshold int  `json:"threshold"`
	YubiKey   bool `json:"yubikey"`
}

// TargetsRoleConfig extends RoleKeysConfig with an ordered delegation tree.
// Declaration order matters: it is the tie-break when several delegations
// match a target path.
type TargetsRoleConfig struct {
	RoleKeysConfig
	Delegations []*DelegatedRoleConfig `json:"delegations,omitempty"`
}

// DelegatedRoleConfig declares one delegated targets role.
type DelegatedRoleConfig struct {
	TargetsRoleConfig
	Name        string   `json:"name"`
	Paths       []string `json:"paths"`
	Terminating bool     `json:"terminating"`
}

// RolesKeysData is the validated description a repository is created from.
type RolesKeysData struct {
	Root      RoleKeysConfig    `json:"root"`
	Targets   TargetsRoleConfig `json:"targets"`
	Snapshot  RoleKeysConfig    `json:"snapshot"`
	Timestamp RoleKeysConfig    `json:"timestamp"`
}

func (c *RoleKeysConfig) validateCounts(role string) error {
	if c.Threshold < 1 {
		return errors.Wrapf(ErrInvalidRolesKeysData, "role %q: threshold must be at least 1", role)
	}
	if c.Number != 0 && c.Number < c.Threshold {
		return errors.Wrapf(ErrInvalidRolesKeysData, "role %q: number of keys %d is below threshold %d", role, c.Number, c.Threshold)
	}
	return nil
}

func (c *DelegatedRoleConfig) validate() error {
	if c.Name == "" {
		return errors.Wrap(ErrInvalidRolesKeysData, "delegated role has no name")
	}
	for _, reserved := range TopLevelRoles {
		if c.Name == reserved {
			return errors.Wrapf(ErrInvalidRolesKeysData, "delegated role may not use reserved name %q", c.Name)
		}
	}
	if len(c.Paths) == 0 {
		return errors.Wrapf(ErrInvalidRolesKeysData, "delegated role %q declares no paths", c.Name)
	}
	return c.validateCounts(c.Name)
}

// Validate checks thresholds, key counts, and delegation tree consistency
// before any metadata is produced from the description.
func (d *RolesKeysData) Validate() error {
	for role, cfg := range map[string]*RoleKeysConfig{
		RoleRoot:      &d.Root,
		RoleTargets:   &d.Targets.RoleKeysConfig,
		RoleSnapshot:  &d.Snapshot,
		RoleTimestamp: &d.Timestamp,
	} {
		if err := cfg.validateCounts(role); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	return validateDelegations(&d.Targets, seen)
}

func validateDelegations(cfg *TargetsRoleConfig, seen map[string]bool) error {
	for _, child := range cfg.Delegations {
		if err := child.validate(); err != nil {
			return err
		}
		if seen[child.Name] {
			return errors.Wrapf(ErrInvalidRolesKeysData, "delegated role %q declared twice", child.Name)
		}
		seen[child.Name] = true
		if err := validateDelegations(&child.TargetsRoleConfig, seen); err != nil {
			return err
		}
	}
	return nil
}

func (d *RolesKeysData) roleConfig(name string) *RoleKeysConfig {
	switch name {
	case RoleRoot:
		return &d.Root
	case RoleTargets:
		return &d.Targets.RoleKeysConfig
	case RoleSnapshot:
		return &d.Snapshot
	case RoleTimestamp:
		return &d.Timestamp
	}
	return nil
}
