package auth

import (
	"maps"
	"os"
	"path/filepath"
	"strings"
)

const defaultKeysFile = "interlease.keys.yaml"

// Keyring maps API keys to the user they act as, and records which users may
// use the raw record store export.
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToUser                 map[string]string
	storeUsers                map[string]bool
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("INTERLEASE_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

// LoadKeyring reads a keys file, bootstrapping one with a dev key when it
// does not exist. An empty path yields a keyring that only admits localhost.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	f, exists, err := ReadKeysFile(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		res, err := BootstrapDevKey(path, "dev")
		if err != nil {
			return nil, err
		}
		if res.File == nil {
			// Created concurrently by someone else.
			return LoadKeyring(path)
		}
		f = res.File
	}
	return f.Keyring()
}

func defaultKeyring() *Keyring {
	return &Keyring{
		AllowLocalhostWithoutAuth: true,
		keyToUser:                 make(map[string]string),
		storeUsers:                make(map[string]bool),
	}
}

func NewKeyring(allowLocalhost bool, keyToUser map[string]string) *Keyring {
	ring := defaultKeyring()
	ring.AllowLocalhostWithoutAuth = allowLocalhost
	maps.Copy(ring.keyToUser, keyToUser)
	return ring
}

// GrantStoreAccess lets users reach /api/store/ with their API keys.
func (k *Keyring) GrantStoreAccess(users ...string) *Keyring {
	for _, u := range users {
		k.storeUsers[u] = true
	}
	return k
}

// StoreAccess reports whether user may use the record store export.
func (k *Keyring) StoreAccess(user string) bool {
	if k == nil || user == "" {
		return false
	}
	return k.storeUsers[user]
}

func (k *Keyring) UserForKey(key string) (string, bool) {
	if k == nil {
		return "", false
	}
	user, ok := k.keyToUser[key]
	return user, ok
}
