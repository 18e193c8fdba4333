// Package cli holds helpers behind interlease's administrative commands.
package cli

import (
	"fmt"
	"strings"

	"github.com/mistakeknot/interlease/internal/auth"
)

// InitKeysFile adds a fresh API key for userID to the keys file at path,
// creating the file if needed, and returns the key. Existing users and the
// localhost policy are preserved. storeAccess also grants the user the raw
// record store export; it never revokes an existing grant.
func InitKeysFile(path, userID string, storeAccess bool) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	f, _, err := auth.ReadKeysFile(path)
	if err != nil {
		return "", err
	}
	key, err := f.AddKey(userID)
	if err != nil {
		return "", err
	}
	if storeAccess {
		f.GrantStoreAccess(strings.TrimSpace(userID))
	}
	// Refuse to write a file the server would then fail to load.
	if _, err := f.Keyring(); err != nil {
		return "", err
	}
	if err := f.Write(path); err != nil {
		return "", err
	}
	return key, nil
}
