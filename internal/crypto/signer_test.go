package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/automaton/internal/types"
)

func TestEd25519Signer_SignAndVerify(t *testing.T) {
	s, err := NewEd25519Signer()
	require.NoError(t, err)
	data := []byte("hello")
	b, err := s.SignBytes(data)
	require.NoError(t, err)
	var sig types.Signature
	copy(sig[:], b)
	require.True(t, Verify(s.Address(), data, sig))
	require.False(t, Verify(s.Address(), []byte("other"), sig))

	var nilSigner *Ed25519Signer
	_, err = nilSigner.SignBytes(data)
	require.ErrorIs(t, err, ErrNilSigner)
}

func TestEd25519Signer_FromMnemonicIsDeterministic(t *testing.T) {
	m, err := NewMnemonic()
	require.NoError(t, err)
	s1, err := NewEd25519SignerFromMnemonic(m, "")
	require.NoError(t, err)
	s2, err := NewEd25519SignerFromMnemonic(m, "")
	require.NoError(t, err)
	require.Equal(t, s1.Address(), s2.Address())

	s3, err := NewEd25519SignerFromMnemonic(m, "pwd")
	require.NoError(t, err)
	require.NotEqual(t, s1.Address(), s3.Address())

	_, err = NewEd25519SignerFromMnemonic("not a mnemonic", "")
	require.ErrorContains(t, err, "invalid mnemonic")
}

func TestNewEd25519SignerFromSeed_InvalidLength(t *testing.T) {
	_, err := NewEd25519SignerFromSeed([]byte{1, 2, 3})
	require.ErrorContains(t, err, "invalid seed length")
}

func TestKeyFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewEd25519Signer()
	require.NoError(t, err)

	plain := filepath.Join(dir, "plain.json")
	require.NoError(t, WriteKeyFile(plain, s, ""))
	enc, err := IsKeyFileEncrypted(plain)
	require.NoError(t, err)
	require.False(t, enc)
	loaded, err := ReadKeyFile(plain, "")
	require.NoError(t, err)
	require.Equal(t, s.Address(), loaded.Address())

	secret := filepath.Join(dir, "keys", "secret.json")
	require.NoError(t, WriteKeyFile(secret, s, "passw0rd"))
	enc, err = IsKeyFileEncrypted(secret)
	require.NoError(t, err)
	require.True(t, enc)
	_, err = ReadKeyFile(secret, "")
	require.ErrorIs(t, err, ErrPassphraseRequired)
	_, err = ReadKeyFile(secret, "wrong")
	require.ErrorContains(t, err, "incorrect passphrase")
	loaded, err = ReadKeyFile(secret, "passw0rd")
	require.NoError(t, err)
	require.Equal(t, s.Address(), loaded.Address())
}
