package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/tyler-smith/go-bip39"

	"github.com/alphabill-org/automaton/internal/types"
)

var ErrNilSigner = errors.New("signer is nil")

// Ed25519Signer holds ed25519 private key in memory.
type Ed25519Signer struct {
	key  ed25519.PrivateKey
	addr types.Address
}

// NewEd25519Signer generates new random key.
func NewEd25519Signer() (*Ed25519Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewEd25519SignerFromSeed(privateKey.Seed())
}

func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d, expected %d", len(seed), ed25519.SeedSize)
	}
	key := ed25519.NewKeyFromSeed(seed)
	s := &Ed25519Signer{key: key}
	copy(s.addr[:], key.Public().(ed25519.PublicKey))
	return s, nil
}

/*
NewEd25519SignerFromMnemonic derives the key from BIP-39 mnemonic, first 32
bytes of the BIP-39 seed are used as the ed25519 seed.
*/
func NewEd25519SignerFromMnemonic(mnemonic, password string) (*Ed25519Signer, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, password)
	return NewEd25519SignerFromSeed(seed[:ed25519.SeedSize])
}

// NewMnemonic returns new 24 word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("generating entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

func (s *Ed25519Signer) Address() types.Address {
	return s.addr
}

func (s *Ed25519Signer) SignBytes(data []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrNilSigner
	}
	return s.key.Sign(rand.Reader, data, crypto.Hash(0))
}

func (s *Ed25519Signer) Seed() []byte {
	return s.key.Seed()
}

// Verify checks ed25519 signature of data against address used as public key.
func Verify(addr types.Address, data []byte, sig types.Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(addr[:]), data, sig[:])
}
