package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type testSigner struct {
	key ed25519.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	_, k, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testSigner{key: k}
}

func (s *testSigner) Address() (a Address) {
	copy(a[:], s.key.Public().(ed25519.PublicKey))
	return a
}

func (s *testSigner) SignBytes(data []byte) ([]byte, error) {
	return ed25519.Sign(s.key, data), nil
}

func TestAddress_Base58(t *testing.T) {
	a := DeriveAddress(ZeroAddress, []byte("seed"))
	s := a.String()
	b, err := ParseAddress(s)
	require.NoError(t, err)
	require.Equal(t, a, b)

	_, err = ParseAddress("abc")
	require.ErrorIs(t, err, ErrInvalidAddress)

	js, err := json.Marshal(struct{ A Address }{a})
	require.NoError(t, err)
	require.Contains(t, string(js), s)
	var out struct{ A Address }
	require.NoError(t, json.Unmarshal(js, &out))
	require.Equal(t, a, out.A)
}

func TestDeriveAddress(t *testing.T) {
	p1 := DeriveAddress(ZeroAddress, []byte("program1"))
	p2 := DeriveAddress(ZeroAddress, []byte("program2"))
	require.NotEqual(t, DeriveAddress(p1, []byte("x")), DeriveAddress(p2, []byte("x")))
	require.NotEqual(t, DeriveAddress(p1, []byte("x")), DeriveAddress(p1, []byte("y")))
	require.Equal(t, DeriveAddress(p1, []byte("x"), []byte("y")), DeriveAddress(p1, []byte("x"), []byte("y")))
}

func TestTransaction_SignVerify(t *testing.T) {
	payer := newTestSigner(t)
	other := newTestSigner(t)
	program := DeriveAddress(ZeroAddress, []byte("program"))
	ix := &Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			NewAccountMeta(payer.Address(), true, true),
			NewAccountMeta(other.Address(), true, false),
		},
		Data: []byte{1, 2, 3},
	}
	tx := NewTransaction(payer.Address(), Hash{1}, ix)
	require.Equal(t, []Address{payer.Address(), other.Address()}, tx.Message.Signers())

	sizeUnsigned, err := tx.Size()
	require.NoError(t, err)

	require.NoError(t, tx.Sign(payer, other))
	require.Len(t, tx.Signatures, 2)
	sizeSigned, err := tx.Size()
	require.NoError(t, err)
	require.Equal(t, sizeSigned, sizeUnsigned)

	signed, err := tx.VerifySignatures()
	require.NoError(t, err)
	require.Contains(t, signed, payer.Address())
	require.Contains(t, signed, other.Address())

	b, err := tx.Bytes()
	require.NoError(t, err)
	decoded, err := DecodeTransaction(b)
	require.NoError(t, err)
	require.Equal(t, tx.Signature(), decoded.Signature())
	_, err = decoded.VerifySignatures()
	require.NoError(t, err)

	// tamper with data
	decoded.Message.Instructions[0].Data = []byte{9}
	_, err = decoded.VerifySignatures()
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestTransaction_SignWithoutFeePayer(t *testing.T) {
	payer := newTestSigner(t)
	tx := NewTransaction(payer.Address(), Hash{})
	require.ErrorContains(t, tx.Sign(newTestSigner(t)), "did not sign")
}

func TestInstruction_Clone(t *testing.T) {
	ix := &Instruction{Accounts: []AccountMeta{{IsSigner: true}}, Data: []byte{1}}
	c := ix.Clone()
	c.Data[0] = 2
	c.Accounts[0].IsSigner = false
	require.EqualValues(t, 1, ix.Data[0])
	require.True(t, ix.Accounts[0].IsSigner)
	require.Nil(t, (*Instruction)(nil).Clone())
}

func TestDiscriminator(t *testing.T) {
	type body struct {
		_ struct{} `cbor:",toarray"`
		A uint64
		B string
	}
	d := AccountDiscriminator("Thing")
	require.NotEqual(t, d, InstructionDiscriminator("Thing"))

	data, err := d.Encode(&body{A: 5, B: "x"})
	require.NoError(t, err)
	require.True(t, d.Matches(data))

	var out body
	require.NoError(t, d.Decode(data, &out))
	require.EqualValues(t, 5, out.A)
	require.Equal(t, "x", out.B)

	require.ErrorIs(t, AccountDiscriminator("Other").Decode(data, &out), ErrDiscriminatorMismatch)
	require.ErrorIs(t, d.Decode([]byte{1}, &out), ErrDiscriminatorMismatch)
}

func TestComputeUnitLimit(t *testing.T) {
	ix := NewSetComputeUnitLimit(51_000)
	units, err := ComputeUnitLimit(ix)
	require.NoError(t, err)
	require.EqualValues(t, 51_000, units)

	_, err = ComputeUnitLimit(&Instruction{ProgramID: SystemProgramID})
	require.ErrorContains(t, err, "not a compute budget instruction")
	_, err = ComputeUnitLimit(&Instruction{ProgramID: ComputeBudgetProgramID, Data: []byte{1}})
	require.ErrorContains(t, err, "invalid compute budget instruction data")
	require.NotEqual(t, SystemProgramID, ComputeBudgetProgramID)
}
