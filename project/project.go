// Package project derives the stable identity of an indexed project.
//
// A project is a filesystem tree owned by a user. Its id is a truncated
// SHA-256 digest of the owner and the symlink-resolved absolute path, so the
// same tree always maps to the same data directory and daemon, whichever
// spelling of the path the caller used.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

// idLength is the number of hex characters kept from the digest.
const idLength = 16

// ErrInvalidPath is returned when a project path cannot be resolved.
var ErrInvalidPath = errors.New("invalid project path")

// Identity is recomputed per invocation and never persisted.
type Identity struct {
	OwnerID      string `json:"owner_id"`
	AbsolutePath string `json:"absolute_path"`
	ProjectID    string `json:"project_id"`
	DataDir      string `json:"data_dir"`
}

// ComputeProjectID returns the project id for ownerID and path.
func ComputeProjectID(ownerID, path string) (string, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return "", err
	}
	return digest(ownerID, resolved), nil
}

// ResolvePath returns the cleaned, absolute, symlink-free form of path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, path, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidPath, path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, path)
	}
	return filepath.Clean(resolved), nil
}

// Resolve builds the full identity of the project at path. dataRoot is the
// directory under which per-project data directories live.
func Resolve(ownerID, path, dataRoot string) (*Identity, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}
	id := digest(ownerID, resolved)
	return &Identity{
		OwnerID:      ownerID,
		AbsolutePath: resolved,
		ProjectID:    id,
		DataDir:      DataDir(dataRoot, id),
	}, nil
}

// DataDir returns the data directory for a project id.
func DataDir(dataRoot, projectID string) string {
	return filepath.Join(dataRoot, "projects", projectID)
}

// DefaultOwner returns the login name of the current OS user, or its uid
// when the name cannot be looked up.
func DefaultOwner() string {
	u, err := user.Current()
	if err != nil {
		return fmt.Sprintf("uid-%d", os.Getuid())
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Uid
}

func digest(ownerID, resolved string) string {
	sum := sha256.Sum256([]byte(ownerID + "\x00" + resolved))
	return hex.EncodeToString(sum[:])[:idLength]
}
