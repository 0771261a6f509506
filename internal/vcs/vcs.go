// Package vcs reads repository metadata recorded on executions.
package vcs

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
)

// Revision returns the commit hash at HEAD for the repository containing
// dir. Returns "" without error when dir is not inside a repository;
// selection works fine without revision metadata.
func Revision(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("opening repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		// Freshly initialized repo with no commits.
		return "", nil
	}
	return head.Hash().String(), nil
}
