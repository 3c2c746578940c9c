package tuf_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlawlibrary/taf-go/tuf"
)

func TestMetadataRoundTrip(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1, "delegated_role": 2}
	repo, _, _ := createTestRepository(t, delegatedRolesKeys(), counts)

	t.Run("root", func(t *testing.T) {
		original, err := repo.Root()
		require.NoError(t, err)
		data, err := original.MarshalBytes()
		require.NoError(t, err)
		parsed, err := tuf.ParseMetadata[tuf.SignedRoot](data)
		require.NoError(t, err)
		assert.Equal(t, original.Version(), parsed.Version())
		assert.Equal(t, original.Signatures, parsed.Signatures)
		assert.Equal(t, len(original.Signed.Keys), len(parsed.Signed.Keys))
		reserialized, err := parsed.MarshalBytes()
		require.NoError(t, err)
		assert.Equal(t, data, reserialized)
	})

	t.Run("targets", func(t *testing.T) {
		original, err := repo.Targets()
		require.NoError(t, err)
		data, err := original.MarshalBytes()
		require.NoError(t, err)
		parsed, err := tuf.ParseMetadata[tuf.SignedTargets](data)
		require.NoError(t, err)
		require.NotNil(t, parsed.Signed.Delegations)
		assert.Equal(t, "delegated_role", parsed.Signed.Delegations.Roles[0].Name)
		reserialized, err := parsed.MarshalBytes()
		require.NoError(t, err)
		assert.Equal(t, data, reserialized)
	})

	t.Run("snapshot and timestamp", func(t *testing.T) {
		sn, err := repo.Snapshot()
		require.NoError(t, err)
		data, err := sn.MarshalBytes()
		require.NoError(t, err)
		parsedSnapshot, err := tuf.ParseMetadata[tuf.SignedSnapshot](data)
		require.NoError(t, err)
		assert.Equal(t, sn.Signed.Meta["targets.json"].Version, parsedSnapshot.Signed.Meta["targets.json"].Version)

		ts, err := repo.Timestamp()
		require.NoError(t, err)
		data, err = ts.MarshalBytes()
		require.NoError(t, err)
		parsedTimestamp, err := tuf.ParseMetadata[tuf.SignedTimestamp](data)
		require.NoError(t, err)
		assert.Equal(t, ts.Signed.SnapshotMeta().Version, parsedTimestamp.Signed.SnapshotMeta().Version)
	})
}

func TestParseMetadataRejectsWrongType(t *testing.T) {
	counts := map[string]int{"root": 3, "targets": 2, "snapshot": 1, "timestamp": 1}
	repo, _, _ := createTestRepository(t, defaultRolesKeys(), counts)

	data := readRole(t, repo, "root")
	_, err := tuf.ParseMetadata[tuf.SignedTargets](data)
	assert.ErrorIs(t, err, tuf.ErrMetadataInvalid)
}

func TestParseMetadataRejectsDuplicateSignatures(t *testing.T) {
	counts := map[string]int{"root": 1, "targets": 1, "snapshot": 1, "timestamp": 1}
	rolesKeys := &tuf.RolesKeysData{
		Root:      tuf.RoleKeysConfig{Threshold: 1},
		Targets:   tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Threshold: 1}},
		Snapshot:  tuf.RoleKeysConfig{Threshold: 1},
		Timestamp: tuf.RoleKeysConfig{Threshold: 1},
	}
	repo, _, _ := createTestRepository(t, rolesKeys, counts)

	parsed, err := tuf.ParseMetadata[tuf.SignedRoot](readRole(t, repo, "root"))
	require.NoError(t, err)
	parsed.Signatures = append(parsed.Signatures, parsed.Signatures[0])
	data, err := parsed.MarshalBytes()
	require.NoError(t, err)
	_, err = tuf.ParseMetadata[tuf.SignedRoot](data)
	assert.ErrorIs(t, err, tuf.ErrMetadataInvalid)
}

func TestParseMetadataRejectsGarbage(t *testing.T) {
	_, err := tuf.ParseMetadata[tuf.SignedRoot]([]byte("not json"))
	assert.ErrorIs(t, err, tuf.ErrMetadataInvalid)
}

func TestSignedEnvelopeShape(t *testing.T) {
	counts := map[string]int{"root": 1, "targets": 1, "snapshot": 1, "timestamp": 1}
	rolesKeys := &tuf.RolesKeysData{
		Root:      tuf.RoleKeysConfig{Threshold: 1},
		Targets:   tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Threshold: 1}},
		Snapshot:  tuf.RoleKeysConfig{Threshold: 1},
		Timestamp: tuf.RoleKeysConfig{Threshold: 1},
	}
	repo, _, _ := createTestRepository(t, rolesKeys, counts)

	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(readRole(t, repo, "root"), &envelope))
	require.Contains(t, envelope, "signed")
	require.Contains(t, envelope, "signatures")

	var signatures []map[string]string
	require.NoError(t, json.Unmarshal(envelope["signatures"], &signatures))
	require.Len(t, signatures, 1)
	assert.Len(t, signatures[0]["keyid"], 64)
	assert.NotEmpty(t, signatures[0]["sig"])

	var signed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(envelope["signed"], &signed))
	for _, field := range []string{"_type", "spec_version", "version", "expires", "keys", "roles", "consistent_snapshot"} {
		assert.Contains(t, signed, field)
	}
}

func TestTargetFileVerification(t *testing.T) {
	entry, err := tuf.NewTargetFile([]byte("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Length)

	require.NoError(t, entry.VerifyLengthHashes([]byte("hello")))
	assert.ErrorIs(t, entry.VerifyLengthHashes([]byte("hellx")), tuf.ErrHashMismatch)
	assert.ErrorIs(t, entry.VerifyLengthHashes([]byte("longer content")), tuf.ErrLengthMismatch)

	other, err := tuf.NewTargetFile([]byte("hello"), nil)
	require.NoError(t, err)
	assert.True(t, entry.Equal(other))
	different, err := tuf.NewTargetFile([]byte("bye"), nil)
	require.NoError(t, err)
	assert.False(t, entry.Equal(different))
}

func TestHashTargetDataHexDigests(t *testing.T) {
	hashes, err := tuf.HashTargetData([]byte("hello"))
	require.NoError(t, err)
	// Well-known sha256 of "hello".
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hashes["sha256"])
	assert.Len(t, hashes["sha512"], 128)

	_, err = tuf.HashTargetData([]byte("x"), "md5")
	assert.ErrorIs(t, err, tuf.ErrUnsupportedHash)
}
