package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TokenFileName holds the freshness token of a data directory.
const TokenFileName = "index.token"

// EmptyToken is reported for a data directory that was never committed to.
const EmptyToken = "empty"

// TokenPath returns the token location inside dataDir.
func TokenPath(dataDir string) string {
	return filepath.Join(dataDir, TokenFileName)
}

// ReadToken returns the current freshness token of dataDir.
func ReadToken(dataDir string) (string, error) {
	data, err := os.ReadFile(TokenPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return EmptyToken, nil
		}
		return "", fmt.Errorf("failed to read index token: %w", err)
	}
	token := string(bytes.TrimSpace(data))
	if token == "" {
		return EmptyToken, nil
	}
	return token, nil
}

// WriteToken publishes a new freshness token for dataDir and returns it.
// Readers holding the previous token see their handles as stale.
func WriteToken(dataDir string) (string, error) {
	token := uuid.NewString()
	if err := writeFile(TokenPath(dataDir), []byte(token+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write index token: %w", err)
	}
	return token, nil
}
