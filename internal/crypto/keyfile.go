package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alphabill-org/automaton/internal/types"
)

// ErrPassphraseRequired is returned when key file is encrypted and no passphrase was given.
var ErrPassphraseRequired = errors.New("key file is encrypted, passphrase required")

type keyFile struct {
	Address   types.Address `json:"address"`
	Seed      hexutil.Bytes `json:"seed,omitempty"`
	Encrypted string        `json:"encrypted,omitempty"`
}

// WriteKeyFile stores signer's seed to a file, encrypted when passphrase is not empty.
func WriteKeyFile(path string, s *Ed25519Signer, passphrase string) error {
	kf := keyFile{Address: s.Address()}
	if passphrase == "" {
		kf.Seed = s.Seed()
	} else {
		enc, err := Encrypt(passphrase, s.Seed())
		if err != nil {
			return fmt.Errorf("encrypting key: %w", err)
		}
		kf.Encrypted = enc
	}
	b, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	return os.WriteFile(path, b, 0600)
}

// ReadKeyFile loads signer from file written by WriteKeyFile.
func ReadKeyFile(path string, passphrase string) (*Ed25519Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	seed := []byte(kf.Seed)
	if kf.Encrypted != "" {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		if seed, err = Decrypt(passphrase, kf.Encrypted); err != nil {
			return nil, err
		}
	}
	s, err := NewEd25519SignerFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if s.Address() != kf.Address {
		return nil, fmt.Errorf("key file address %s does not match key %s", kf.Address, s.Address())
	}
	return s, nil
}

// IsKeyFileEncrypted reports whether reading the file requires passphrase.
func IsKeyFileEncrypted(path string) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return false, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	return kf.Encrypted != "", nil
}
