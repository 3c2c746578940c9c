package gitstore

import (
	git "github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

// BareRepository is a bare clone used by the updater as a read-only
// validation oracle. It never shares object storage with the user's
// working repository; validated state reaches the user repo only through a
// fetch once validation succeeds.
type BareRepository struct {
	Repository
}

// BareClone clones url into dest as a bare repository.
func BareClone(url, dest string) (*BareRepository, error) {
	repo, err := git.PlainClone(dest, true, &git.CloneOptions{URL: url})
	if err != nil {
		return nil, errors.Wrapf(err, "bare cloning %q", url)
	}
	return &BareRepository{Repository{path: dest, repo: repo}}, nil
}

// OpenBare opens an existing bare repository at path.
func OpenBare(path string) (*BareRepository, error) {
	repo, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &BareRepository{*repo}, nil
}
