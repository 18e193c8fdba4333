package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeysFile is the YAML document behind a Keyring:
//
//	default_policy:
//	  allow_localhost_without_auth: true
//	users:
//	  alice:
//	    keys: [...]
//	  replica:
//	    keys: [...]
//	    store_access: true
type KeysFile struct {
	DefaultPolicy Policy              `yaml:"default_policy"`
	Users         map[string]UserKeys `yaml:"users"`
}

type Policy struct {
	// Nil means true.
	AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
}

type UserKeys struct {
	Keys []string `yaml:"keys"`
	// StoreAccess admits the user's keys to the raw record store export.
	StoreAccess bool `yaml:"store_access,omitempty"`
}

// ReadKeysFile parses the file at path. A missing file is reported through
// exists rather than as an error, with an empty KeysFile.
func ReadKeysFile(path string) (f *KeysFile, exists bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &KeysFile{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read keys file: %w", err)
	}
	f = &KeysFile{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, true, fmt.Errorf("parse keys file: %w", err)
	}
	return f, true, nil
}

// AddKey generates a key for user and returns it.
func (f *KeysFile) AddKey(user string) (string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return "", errors.New("user required")
	}
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	if f.Users == nil {
		f.Users = make(map[string]UserKeys)
	}
	uk := f.Users[user]
	uk.Keys = append(uk.Keys, key)
	f.Users[user] = uk
	return key, nil
}

// Write saves the file with owner-only permissions. The localhost policy is
// written out explicitly so operators can see and flip it.
func (f *KeysFile) Write(path string) error {
	if f.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		allow := true
		f.DefaultPolicy.AllowLocalhostWithoutAuth = &allow
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write keys file: %w", err)
	}
	return nil
}

// GrantStoreAccess marks user as allowed on the record store export.
func (f *KeysFile) GrantStoreAccess(user string) {
	if f.Users == nil {
		f.Users = make(map[string]UserKeys)
	}
	uk := f.Users[user]
	uk.StoreAccess = true
	f.Users[user] = uk
}

// Keyring indexes the file by key. Blank keys are skipped; a key listed
// under two users is an error.
func (f *KeysFile) Keyring() (*Keyring, error) {
	ring := defaultKeyring()
	if f.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *f.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for user, uk := range f.Users {
		if uk.StoreAccess {
			ring.storeUsers[user] = true
		}
		for _, key := range uk.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToUser[key]; ok && existing != user {
				return nil, fmt.Errorf("key reused across users: %q", key)
			}
			ring.keyToUser[key] = user
		}
	}
	return ring, nil
}

// GenerateKey returns 32 random bytes, base64url encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
