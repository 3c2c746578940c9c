package tuf_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlawlibrary/taf-go/keys"
	"github.com/openlawlibrary/taf-go/tuf"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testSigners(t *testing.T, counts map[string]int) (map[string][]tuf.Signer, map[string][]*tuf.Key) {
	t.Helper()
	signers := map[string][]tuf.Signer{}
	publics := map[string][]*tuf.Key{}
	for role, count := range counts {
		for i := 0; i < count; i++ {
			privPEM, _, err := keys.GenerateKeypair(2048, "")
			require.NoError(t, err)
			signer, err := keys.LoadSignerFromPEM(privPEM, "")
			require.NoError(t, err)
			signers[role] = append(signers[role], signer)
			publics[role] = append(publics[role], signer.Public())
		}
	}
	return signers, publics
}

func defaultRolesKeys() *tuf.RolesKeysData {
	return &tuf.RolesKeysData{
		Root:      tuf.RoleKeysConfig{Number: 3, Threshold: 2},
		Targets:   tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Number: 2, Threshold: 1}},
		Snapshot:  tuf.RoleKeysConfig{Number: 1, Threshold: 1},
		Timestamp: tuf.RoleKeysConfig{Number: 1, Threshold: 1},
	}
}

func createTestRepository(t *testing.T, rolesKeys *tuf.RolesKeysData, counts map[string]int) (*tuf.Repository, map[string][]tuf.Signer, map[string][]*tuf.Key) {
	t.Helper()
	dir := t.TempDir()
	signers, publics := testSigners(t, counts)
	repo := tuf.NewRepository(dir, tuf.WithClock(clock.NewMockClock(testTime)))
	require.NoError(t, repo.Create(rolesKeys, signers))
	return repo, signers, publics
}

func TestCreateRepository(t *testing.T) {
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), map[string]int{
		"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1,
	})

	for _, fname := range []string{"1.root.json", "root.json", "targets.json", "snapshot.json", "timestamp.json"} {
		_, err := os.Stat(filepath.Join(repo.MetadataPath(), fname))
		assert.NoError(t, err, fname)
	}

	root, err := repo.Root()
	require.NoError(t, err)
	assert.Equal(t, 1, root.Version())
	assert.Equal(t, 2, root.Signed.Roles["root"].Threshold)
	assert.Len(t, root.Signed.Roles["root"].KeyIDs, 3)
	assert.Len(t, root.Signed.Keys, 7)

	sn, err := repo.Snapshot()
	require.NoError(t, err)
	require.Contains(t, sn.Signed.Meta, "root.json")
	require.Contains(t, sn.Signed.Meta, "targets.json")
	assert.Equal(t, 1, sn.Signed.Meta["root.json"].Version)
	assert.Equal(t, 1, sn.Signed.Meta["targets.json"].Version)

	ts, err := repo.Timestamp()
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Signed.SnapshotMeta().Version)
}

func TestCreateFailsWhenMetadataExists(t *testing.T) {
	counts := map[string]int{"root": 1, "targets": 1, "snapshot": 1, "timestamp": 1}
	rolesKeys := &tuf.RolesKeysData{
		Root:      tuf.RoleKeysConfig{Threshold: 1},
		Targets:   tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Threshold: 1}},
		Snapshot:  tuf.RoleKeysConfig{Threshold: 1},
		Timestamp: tuf.RoleKeysConfig{Threshold: 1},
	}
	repo, signers, _ := createTestRepository(t, rolesKeys, counts)
	err := repo.Create(rolesKeys, signers)
	assert.ErrorIs(t, err, tuf.ErrAlreadyExists)
}

func TestAddTargetFiles(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	err := repo.AddTargetFiles(map[string]tuf.TargetData{
		"a/b.txt": {Target: []byte("hello")},
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(repo.TargetsPath(), "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	targets, err := repo.Targets()
	require.NoError(t, err)
	entry, ok := targets.Signed.Targets["a/b.txt"]
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.Length)
	assert.Contains(t, entry.Hashes, "sha256")
	assert.Contains(t, entry.Hashes, "sha512")
	assert.Equal(t, 2, targets.Version())

	sn, err := repo.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, sn.Version())
	assert.Equal(t, 2, sn.Signed.Meta["targets.json"].Version)

	ts, err := repo.Timestamp()
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Version())
	assert.Equal(t, 2, ts.Signed.SnapshotMeta().Version)

	// The filesystem and the signed state agree.
	state, err := repo.AllTargetFilesState()
	require.NoError(t, err)
	assert.Empty(t, state.ToAdd)
	assert.Empty(t, state.ToRemove)
}

func delegatedRolesKeys() *tuf.RolesKeysData {
	rolesKeys := defaultRolesKeys()
	rolesKeys.Targets.Delegations = []*tuf.DelegatedRoleConfig{
		{
			TargetsRoleConfig: tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Number: 2, Threshold: 1}},
			Name:              "delegated_role",
			Paths:             []string{"dir1/*", "dir2/path1"},
		},
	}
	return rolesKeys
}

func TestDelegationRouting(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1, "delegated_role": 2}
	repo, _, _ := createTestRepository(t, delegatedRolesKeys(), counts)

	tt := []struct {
		path string
		role string
	}{
		{"dir1/x", "delegated_role"},
		{"dir2/path1", "delegated_role"},
		{"dir2/path2", "targets"},
		{"unclaimed.txt", "targets"},
	}
	paths := make([]string, 0, len(tt))
	for _, tc := range tt {
		paths = append(paths, tc.path)
	}
	mapping, err := repo.MapSigningRoles(paths)
	require.NoError(t, err)
	for _, tc := range tt {
		assert.Equal(t, tc.role, mapping[tc.path], tc.path)
	}

	err = repo.AddTargetFiles(map[string]tuf.TargetData{
		"dir1/x":     {Target: []byte("one")},
		"dir2/path2": {Target: []byte("two")},
	})
	require.NoError(t, err)

	delegated, err := repo.TargetsRole("delegated_role")
	require.NoError(t, err)
	assert.Contains(t, delegated.Signed.Targets, "dir1/x")
	assert.NotContains(t, delegated.Signed.Targets, "dir2/path2")

	targets, err := repo.Targets()
	require.NoError(t, err)
	assert.Contains(t, targets.Signed.Targets, "dir2/path2")
	assert.NotContains(t, targets.Signed.Targets, "dir1/x")
}

func TestTerminatingDelegationStopsDescent(t *testing.T) {
	rolesKeys := defaultRolesKeys()
	rolesKeys.Targets.Delegations = []*tuf.DelegatedRoleConfig{
		{
			TargetsRoleConfig: tuf.TargetsRoleConfig{
				RoleKeysConfig: tuf.RoleKeysConfig{Number: 1, Threshold: 1},
				Delegations: []*tuf.DelegatedRoleConfig{
					{
						TargetsRoleConfig: tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Number: 1, Threshold: 1}},
						Name:              "inner",
						Paths:             []string{"dir1/deep/*"},
					},
				},
			},
			Name:        "outer",
			Paths:       []string{"dir1/*"},
			Terminating: true,
		},
	}
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1, "outer": 1, "inner": 1}
	repo, _, _ := createTestRepository(t, rolesKeys, counts)

	mapping, err := repo.MapSigningRoles([]string{"dir1/deep/file"})
	require.NoError(t, err)
	// outer terminates the search even though inner also matches
	assert.Equal(t, "outer", mapping["dir1/deep/file"])
}

func TestRevokeKeyBelowThresholdRefused(t *testing.T) {
	rolesKeys := defaultRolesKeys()
	rolesKeys.Targets.Threshold = 2
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, publics := createTestRepository(t, rolesKeys, counts)

	targetsBefore, err := repo.Targets()
	require.NoError(t, err)

	report, err := repo.RevokeMetadataKey(publics["targets"][0].ID(), []string{"targets"})
	require.NoError(t, err)
	assert.Equal(t, []string{"targets"}, report.BelowThreshold)
	assert.Empty(t, report.RemovedFrom)

	targetsAfter, err := repo.Targets()
	require.NoError(t, err)
	assert.Equal(t, targetsBefore.Version(), targetsAfter.Version())
	root, err := repo.Root()
	require.NoError(t, err)
	assert.Len(t, root.Signed.Roles["targets"].KeyIDs, 2)
}

func TestAddMetadataKeys(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1, "delegated_role": 2}
	repo, _, _ := createTestRepository(t, delegatedRolesKeys(), counts)

	_, newKeys := testSigners(t, map[string]int{"extra": 2})
	report, err := repo.AddMetadataKeys(map[string][]*tuf.Key{
		"targets":        {newKeys["extra"][0]},
		"delegated_role": {newKeys["extra"][1]},
	})
	require.NoError(t, err)
	assert.Len(t, report.Added, 2)
	assert.Empty(t, report.AlreadyPresent)
	assert.Empty(t, report.Invalid)

	root, err := repo.Root()
	require.NoError(t, err)
	assert.Equal(t, 2, root.Version())
	assert.Contains(t, root.Signed.Roles["targets"].KeyIDs, newKeys["extra"][0].ID())
	assert.Contains(t, root.Signed.Keys, newKeys["extra"][0].ID())

	targets, err := repo.Targets()
	require.NoError(t, err)
	assert.Equal(t, 3, targets.Version())
	delegation := targets.Signed.Delegations.Named("delegated_role")
	require.NotNil(t, delegation)
	assert.Contains(t, delegation.KeyIDs, newKeys["extra"][1].ID())

	// Adding the same keys again changes nothing.
	before, err := repo.Snapshot()
	require.NoError(t, err)
	report, err = repo.AddMetadataKeys(map[string][]*tuf.Key{
		"targets": {newKeys["extra"][0]},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Added)
	assert.Len(t, report.AlreadyPresent, 1)
	after, err := repo.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, before.Version(), after.Version())
}

func TestAddMetadataKeysUnknownRole(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)
	_, newKeys := testSigners(t, map[string]int{"extra": 1})
	report, err := repo.AddMetadataKeys(map[string][]*tuf.Key{
		"no_such_role": {newKeys["extra"][0]},
	})
	require.NoError(t, err)
	assert.Len(t, report.Invalid, 1)
	assert.Equal(t, "no_such_role", report.Invalid[0].Role)
}

func TestSnapshotCascadeIsIdempotent(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	require.NoError(t, repo.AddTargetFiles(map[string]tuf.TargetData{
		"a.txt": {Target: []byte("a")},
	}))
	snBefore, err := repo.Snapshot()
	require.NoError(t, err)
	tsBefore, err := repo.Timestamp()
	require.NoError(t, err)

	require.NoError(t, repo.UpdateSnapshotAndTimestamp())
	require.NoError(t, repo.UpdateSnapshotAndTimestamp())

	snAfter, err := repo.Snapshot()
	require.NoError(t, err)
	tsAfter, err := repo.Timestamp()
	require.NoError(t, err)
	assert.Equal(t, snBefore.Version(), snAfter.Version())
	assert.Equal(t, tsBefore.Version(), tsAfter.Version())
}

func TestModifyTargetsRemove(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	require.NoError(t, repo.AddTargetFiles(map[string]tuf.TargetData{
		"keep.txt":   {Target: []byte("keep")},
		"remove.txt": {Target: []byte("remove")},
	}))
	require.NoError(t, repo.ModifyTargets(nil, []string{"remove.txt"}))

	targets, err := repo.Targets()
	require.NoError(t, err)
	assert.Contains(t, targets.Signed.Targets, "keep.txt")
	assert.NotContains(t, targets.Signed.Targets, "remove.txt")
	_, err = os.Stat(filepath.Join(repo.TargetsPath(), "remove.txt"))
	assert.True(t, os.IsNotExist(err))

	state, err := repo.AllTargetFilesState()
	require.NoError(t, err)
	assert.Empty(t, state.ToAdd)
	assert.Empty(t, state.ToRemove)
}

func TestAllTargetFilesStateDetectsDrift(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	require.NoError(t, repo.AddTargetFiles(map[string]tuf.TargetData{
		"signed.txt": {Target: []byte("signed")},
		"gone.txt":   {Target: []byte("gone")},
	}))

	// Unsigned file appears on disk, a signed one disappears, a third
	// changes content.
	require.NoError(t, os.WriteFile(filepath.Join(repo.TargetsPath(), "new.txt"), []byte("new"), 0644))
	require.NoError(t, os.Remove(filepath.Join(repo.TargetsPath(), "gone.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(repo.TargetsPath(), "signed.txt"), []byte("changed"), 0644))

	state, err := repo.AllTargetFilesState()
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt", "signed.txt"}, state.ToAdd)
	assert.Equal(t, []string{"gone.txt"}, state.ToRemove)
}

func TestDeleteUnregisteredTargetFiles(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	require.NoError(t, repo.AddTargetFiles(map[string]tuf.TargetData{
		"signed.txt": {Target: []byte("signed")},
	}))
	require.NoError(t, os.WriteFile(filepath.Join(repo.TargetsPath(), "stray.txt"), []byte("stray"), 0644))

	require.NoError(t, repo.DeleteUnregisteredTargetFiles())
	_, err := os.Stat(filepath.Join(repo.TargetsPath(), "stray.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(repo.TargetsPath(), "signed.txt"))
	assert.NoError(t, err)
}

func TestEditBumpsVersionByExactlyOne(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	for expected := 2; expected <= 4; expected++ {
		require.NoError(t, repo.EditTargets("targets", nil))
		targets, err := repo.Targets()
		require.NoError(t, err)
		assert.Equal(t, expected, targets.Version())
	}
}

func TestEditRefreshesExpiration(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	targets, err := repo.Targets()
	require.NoError(t, err)
	assert.True(t, targets.Expires().Equal(testTime.AddDate(0, 0, 90)))

	ts, err := repo.Timestamp()
	require.NoError(t, err)
	assert.True(t, ts.Expires().Equal(testTime.AddDate(0, 0, 1)))

	require.NoError(t, repo.EditTargets("targets", nil, tuf.WithExpirationDays(7)))
	targets, err = repo.Targets()
	require.NoError(t, err)
	assert.True(t, targets.Expires().Equal(testTime.AddDate(0, 0, 7)))
}

func TestFindDelegatedRolesParent(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1, "delegated_role": 2}
	repo, _, _ := createTestRepository(t, delegatedRolesKeys(), counts)

	parent, err := repo.FindDelegatedRolesParent("delegated_role")
	require.NoError(t, err)
	assert.Equal(t, "targets", parent)

	_, err = repo.FindDelegatedRolesParent("missing")
	assert.ErrorIs(t, err, tuf.ErrUnknownRole)

	roles, err := repo.AllTargetsRoles()
	require.NoError(t, err)
	assert.Equal(t, []string{"targets", "delegated_role"}, roles)

	paths, err := repo.RolePaths("delegated_role")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir1/*", "dir2/path1"}, paths)

	threshold, err := repo.RoleThreshold("delegated_role")
	require.NoError(t, err)
	assert.Equal(t, 1, threshold)
}

func TestRemoveDelegation(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1, "delegated_role": 2}
	repo, _, _ := createTestRepository(t, delegatedRolesKeys(), counts)

	require.NoError(t, repo.RemoveDelegation("delegated_role"))

	_, err := os.Stat(filepath.Join(repo.MetadataPath(), "delegated_role.json"))
	assert.True(t, os.IsNotExist(err))

	sn, err := repo.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, sn.Signed.Meta, "delegated_role.json")

	targets, err := repo.Targets()
	require.NoError(t, err)
	assert.Nil(t, targets.Signed.Delegations)
}

func TestInsufficientSignersRefused(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	targetsBefore, err := repo.Targets()
	require.NoError(t, err)

	repo.ClearSigners()
	err = repo.EditTargets("targets", nil)
	assert.ErrorIs(t, err, tuf.ErrInsufficientSigners)

	// Nothing was written.
	targetsAfter, err := repo.Targets()
	require.NoError(t, err)
	assert.Equal(t, targetsBefore.Version(), targetsAfter.Version())
}

func TestCheckRolesExpirationDates(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	// timestamp expires in 1 day, snapshot in 7: both inside a 30 day
	// horizon; root and targets are not.
	summary, err := repo.CheckRolesExpirationDates(0, testTime, nil)
	require.NoError(t, err)
	assert.Empty(t, summary.Expired)
	require.Len(t, summary.WillExpire, 2)
	assert.Equal(t, "timestamp", summary.WillExpire[0].Role)
	assert.Equal(t, "snapshot", summary.WillExpire[1].Role)

	// A start date after everything has lapsed reports all roles expired.
	summary, err = repo.CheckRolesExpirationDates(0, testTime.AddDate(2, 0, 0), nil)
	require.NoError(t, err)
	assert.Len(t, summary.Expired, 4)
}

func TestRolesKeysDataValidation(t *testing.T) {
	tt := []struct {
		name   string
		mutate func(*tuf.RolesKeysData)
	}{
		{"zero threshold", func(d *tuf.RolesKeysData) { d.Root.Threshold = 0 }},
		{"number below threshold", func(d *tuf.RolesKeysData) { d.Targets.Number = 1; d.Targets.Threshold = 2 }},
		{"reserved delegation name", func(d *tuf.RolesKeysData) {
			d.Targets.Delegations = []*tuf.DelegatedRoleConfig{{
				TargetsRoleConfig: tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Threshold: 1}},
				Name:              "snapshot",
				Paths:             []string{"*"},
			}}
		}},
		{"delegation without paths", func(d *tuf.RolesKeysData) {
			d.Targets.Delegations = []*tuf.DelegatedRoleConfig{{
				TargetsRoleConfig: tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Threshold: 1}},
				Name:              "child",
			}}
		}},
		{"duplicate delegation", func(d *tuf.RolesKeysData) {
			child := &tuf.DelegatedRoleConfig{
				TargetsRoleConfig: tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Threshold: 1}},
				Name:              "child",
				Paths:             []string{"*"},
			}
			d.Targets.Delegations = []*tuf.DelegatedRoleConfig{child, child}
		}},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			data := defaultRolesKeys()
			tc.mutate(data)
			assert.ErrorIs(t, data.Validate(), tuf.ErrInvalidRolesKeysData)
		})
	}
}
