package crypto

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.PubKey().Address()
	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("decoded address mismatch: %s != %s", decoded, addr)
	}
	if decoded != addr {
		t.Fatalf("expected comparable addresses to be equal")
	}
	if decoded.Prefix() != AccountPrefix {
		t.Fatalf("unexpected prefix %q", decoded.Prefix())
	}
}

func TestZeroAddress(t *testing.T) {
	var zero Address
	if !zero.IsZero() {
		t.Fatalf("expected zero address")
	}
	if zero.String() != "" {
		t.Fatalf("zero address should render empty, got %q", zero.String())
	}
	custody := ContractAddress("custody")
	if custody.IsZero() {
		t.Fatalf("contract address should not be zero")
	}
	if custody.Prefix() != ContractPrefix {
		t.Fatalf("unexpected prefix %q", custody.Prefix())
	}
	if ContractAddress("custody") != custody {
		t.Fatalf("contract address should be deterministic")
	}
}

func TestSignRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := Digest([]byte("POST"), []byte("/v1/settle"), []byte(`{}`))
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != key.PubKey().Address() {
		t.Fatalf("recovered %s, want %s", recovered, key.PubKey().Address())
	}

	other := Digest([]byte("tampered"))
	tampered, err := RecoverAddress(other, sig)
	if err == nil && tampered == key.PubKey().Address() {
		t.Fatalf("signature must not verify a different digest")
	}
	if _, err := RecoverAddress(digest, sig[:10]); err == nil {
		t.Fatalf("expected short signature to fail")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "admin.keystore")
	if err := SaveToKeystore(path, key, "secret"); err != nil {
		t.Fatalf("save: %v", err)
	}
	isKeystore, err := IsKeystoreFile(path)
	if err != nil || !isKeystore {
		t.Fatalf("expected keystore file, got %v (%v)", isKeystore, err)
	}
	loaded, err := LoadFromKeystore(path, "secret")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("loaded key mismatch")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestLoadHexKey(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.hex")
	if err := os.WriteFile(path, []byte("0x"+hex.EncodeToString(key.Bytes())+"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := LoadHexKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PubKey().Address() != key.PubKey().Address() {
		t.Fatalf("address mismatch")
	}
}

func TestLoadKeyFileDispatches(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	dir := t.TempDir()
	hexPath := filepath.Join(dir, "key.hex")
	if err := os.WriteFile(hexPath, []byte(hex.EncodeToString(key.Bytes())), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	asked := false
	loaded, err := LoadKeyFile(hexPath, func() (string, error) { asked = true; return "", nil })
	if err != nil || asked {
		t.Fatalf("hex key: asked=%v err=%v", asked, err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("hex key mismatch")
	}

	ksPath := filepath.Join(dir, "key.keystore")
	if err := SaveToKeystore(ksPath, key, "pw"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := LoadKeyFile(ksPath, nil); err == nil {
		t.Fatalf("expected missing passphrase to fail")
	}
	loaded, err = LoadKeyFile(ksPath, func() (string, error) { return "pw", nil })
	if err != nil || !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("keystore load: %v", err)
	}
}
