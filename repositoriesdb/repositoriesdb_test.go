package repositoriesdb_test

import (
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlawlibrary/taf-go/gitstore"
	"github.com/openlawlibrary/taf-go/keys"
	"github.com/openlawlibrary/taf-go/repositoriesdb"
	"github.com/openlawlibrary/taf-go/tuf"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const repositoriesJSON = `{
  "repositories": {
    "law/xml": {"custom": {"type": "xml"}},
    "law/html": {"custom": {"type": "html"}},
    "law/pdf": {"urls": ["https://example.org/law/pdf.git"], "custom": {"type": "pdf"}}
  }
}`

const mirrorsJSON = `{
  "mirrors": [
    "https://github.com/{org_name}/{repo_name}.git",
    "https://gitlab.example/{org_name}/{repo_name}.git"
  ]
}`

const dependenciesJSON = `{
  "dependencies": {
    "law/root-archive": {
      "out-of-band-authentication": "1111111111111111111111111111111111111111",
      "branch": "main"
    }
  }
}`

// newAuthRepo builds a committed authentication repository whose targets
// include the declaration files.
func newAuthRepo(t *testing.T) (*gitstore.Repository, []plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	signers := map[string][]tuf.Signer{}
	for _, role := range tuf.TopLevelRoles {
		privPEM, _, err := keys.GenerateKeypair(2048, "")
		require.NoError(t, err)
		signer, err := keys.LoadSignerFromPEM(privPEM, "")
		require.NoError(t, err)
		signers[role] = []tuf.Signer{signer}
	}
	repo := tuf.NewRepository(dir, tuf.WithClock(clock.NewMockClock(testTime)))
	rolesKeys := &tuf.RolesKeysData{
		Root:      tuf.RoleKeysConfig{Threshold: 1},
		Targets:   tuf.TargetsRoleConfig{RoleKeysConfig: tuf.RoleKeysConfig{Threshold: 1}},
		Snapshot:  tuf.RoleKeysConfig{Threshold: 1},
		Timestamp: tuf.RoleKeysConfig{Threshold: 1},
	}
	require.NoError(t, repo.Create(rolesKeys, signers))
	require.NoError(t, repo.AddTargetFiles(map[string]tuf.TargetData{
		"repositories.json": {Target: []byte(repositoriesJSON)},
		"mirrors.json":      {Target: []byte(mirrorsJSON)},
		"dependencies.json": {Target: []byte(dependenciesJSON)},
		"law/xml":           {Target: []byte("{}")},
		"law/html":          {Target: []byte("{}")},
	}))

	store, err := gitstore.Init(dir)
	require.NoError(t, err)
	first, err := store.Commit("initial declarations", nil)
	require.NoError(t, err)

	// Second commit drops law/html and adds law/docs.
	updated := `{
  "repositories": {
    "law/xml": {"custom": {"type": "xml", "primary": true}},
    "law/docs": {"custom": {"type": "docs"}}
  }
}`
	require.NoError(t, repo.AddTargetFiles(map[string]tuf.TargetData{
		"repositories.json": {Target: []byte(updated)},
	}))
	second, err := store.Commit("update declarations", nil)
	require.NoError(t, err)

	return store, []plumbing.Hash{first, second}
}

func TestLoadRepositories(t *testing.T) {
	store, commits := newAuthRepo(t)
	db := repositoriesdb.New(store)

	repos, err := db.Repositories(commits[0])
	require.NoError(t, err)
	require.Len(t, repos, 3)

	xml := repos["law/xml"]
	require.NotNil(t, xml)
	assert.Equal(t, []string{
		"https://github.com/law/xml.git",
		"https://gitlab.example/law/xml.git",
	}, xml.URLs)

	// Explicit urls override the mirror templates.
	pdf := repos["law/pdf"]
	require.NotNil(t, pdf)
	assert.Equal(t, []string{"https://example.org/law/pdf.git"}, pdf.URLs)
}

func TestRepositoriesAtHead(t *testing.T) {
	store, commits := newAuthRepo(t)
	db := repositoriesdb.New(store)

	repos, err := db.Repositories(plumbing.ZeroHash)
	require.NoError(t, err)
	assert.Contains(t, repos, "law/docs")
	assert.NotContains(t, repos, "law/html")

	// Cached per commit: both revisions stay addressable.
	older, err := db.Repositories(commits[0])
	require.NoError(t, err)
	assert.Contains(t, older, "law/html")
}

func TestDeduplicatedRepositories(t *testing.T) {
	store, commits := newAuthRepo(t)
	db := repositoriesdb.New(store)

	deduplicated, err := db.DeduplicatedRepositories(commits)
	require.NoError(t, err)
	// Union over both commits, the most recent declaration winning.
	assert.Len(t, deduplicated, 4)
	xml := deduplicated["law/xml"]
	require.NotNil(t, xml)
	assert.Equal(t, true, xml.Custom["primary"])
}

func TestRepositoriesByCustomData(t *testing.T) {
	store, commits := newAuthRepo(t)
	db := repositoriesdb.New(store)

	matched, err := db.RepositoriesByCustomData(commits[0], map[string]interface{}{"type": "xml"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "law/xml", matched[0].Name)

	none, err := db.RepositoriesByCustomData(commits[0], map[string]interface{}{"type": "nope"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepoURLs(t *testing.T) {
	store, commits := newAuthRepo(t)
	db := repositoriesdb.New(store)

	urls, err := db.RepoURLs(commits[0], "law/xml")
	require.NoError(t, err)
	assert.Len(t, urls, 2)

	_, err = db.RepoURLs(commits[0], "not-an-org-name")
	assert.ErrorIs(t, err, repositoriesdb.ErrBadName)
}

func TestDependencies(t *testing.T) {
	store, commits := newAuthRepo(t)
	db := repositoriesdb.New(store)

	deps, err := db.Dependencies(commits[0])
	require.NoError(t, err)
	require.Len(t, deps, 1)
	dep := deps["law/root-archive"]
	require.NotNil(t, dep)
	assert.Equal(t, "1111111111111111111111111111111111111111", dep.OutOfBandCommit)
	assert.Equal(t, "main", dep.Branch)
}

func TestOnlyLoadTargetsFiltersUnsigned(t *testing.T) {
	store, commits := newAuthRepo(t)
	db := repositoriesdb.New(store)

	// law/pdf is declared but never registered as a target file.
	require.NoError(t, db.LoadRepositories([]plumbing.Hash{commits[0]}, repositoriesdb.OnlyLoadTargets()))
	repos, err := db.Repositories(commits[0])
	require.NoError(t, err)
	assert.Contains(t, repos, "law/xml")
	assert.Contains(t, repos, "law/html")
	assert.NotContains(t, repos, "law/pdf")
}

func TestClearDropsCaches(t *testing.T) {
	store, commits := newAuthRepo(t)
	db := repositoriesdb.New(store)

	require.NoError(t, db.LoadRepositories([]plumbing.Hash{commits[0]}, repositoriesdb.OnlyLoadTargets()))
	db.Clear()

	// A fresh unfiltered load sees everything again.
	repos, err := db.Repositories(commits[0])
	require.NoError(t, err)
	assert.Len(t, repos, 3)
}
