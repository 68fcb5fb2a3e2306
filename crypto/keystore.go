package crypto

import (
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveToKeystore writes the provided private key to an Ethereum v3 keystore file at the given path.
// If the parent directory does not exist it will be created with 0700 permissions.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.LightScryptN, keystore.LightScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// IsKeystoreFile reports whether the file looks like a v3 keystore rather than
// a raw hex key.
func IsKeystoreFile(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "{"), nil
}

// LoadHexKey reads a private key stored as a hex string, optionally 0x-prefixed.
func LoadHexKey(path string) (*PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, errors.New("crypto: key file is not hex encoded")
	}
	return PrivateKeyFromBytes(decoded)
}

// LoadKeyFile loads either a v3 keystore or a raw hex key. passphrase is only
// consulted for keystores.
func LoadKeyFile(path string, passphrase func() (string, error)) (*PrivateKey, error) {
	isKeystore, err := IsKeystoreFile(path)
	if err != nil {
		return nil, err
	}
	if !isKeystore {
		return LoadHexKey(path)
	}
	if passphrase == nil {
		return nil, errors.New("crypto: keystore passphrase required")
	}
	pass, err := passphrase()
	if err != nil {
		return nil, err
	}
	return LoadFromKeystore(path, pass)
}
