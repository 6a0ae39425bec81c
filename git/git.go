// Package git resolves the project root for invocations that do not name one.
package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const commandTimeout = 5 * time.Second

// Toplevel returns the work tree root containing path, as reported by
// `git rev-parse --show-toplevel`.
func Toplevel(path string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("not a git repository: %w (stderr: %s)", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to execute git command (is git installed?): %w", err)
	}
	return filepath.Clean(strings.TrimSpace(string(out))), nil
}

// IsGitRepo returns true if the given path is within a git repository.
// Returns false on any error (git not installed, not a repo, etc.).
func IsGitRepo(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	return exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--git-dir").Run() == nil
}

// ProjectRoot picks the directory a project is rooted at: the enclosing git
// work tree when there is one, otherwise path itself.
func ProjectRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if root, err := Toplevel(abs); err == nil {
		return root, nil
	}
	return abs, nil
}
