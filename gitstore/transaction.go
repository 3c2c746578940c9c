package gitstore

import (
	"github.com/pkg/errors"
)

// WithTransaction records the head commit, runs fn, and on any error hard
// resets the repository to the recorded head and removes untracked files,
// discarding uncommitted metadata mutations. The original error is
// returned; rollback failures are attached to it.
func WithTransaction(r *Repository, fn func() error) error {
	head, err := r.HeadCommit()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		if resetErr := r.ResetHard(head); resetErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", resetErr)
		}
		if cleanErr := r.CleanUntracked(); cleanErr != nil {
			return errors.Wrapf(err, "rollback cleanup failed: %v", cleanErr)
		}
		return err
	}
	return nil
}
