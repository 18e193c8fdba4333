package auth

import (
	"fmt"
	"os"
)

// BootstrapResult reports what BootstrapDevKey did.
type BootstrapResult struct {
	KeysFile string
	UserID   string
	Key      string
	Created  bool
	// File is the written file, nil when nothing was created.
	File *KeysFile
}

// BootstrapDevKey creates a keys file holding one fresh key for userID
// unless the file already exists, in which case it is left untouched.
func BootstrapDevKey(keysPath, userID string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if userID == "" {
		userID = "dev"
	}
	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	f := &KeysFile{}
	key, err := f.AddKey(userID)
	if err != nil {
		return nil, err
	}
	if err := f.Write(keysPath); err != nil {
		return nil, fmt.Errorf("bootstrap dev key: %w", err)
	}
	return &BootstrapResult{KeysFile: keysPath, UserID: userID, Key: key, Created: true, File: f}, nil
}
