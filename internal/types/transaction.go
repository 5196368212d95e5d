package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxTransactionSize is the wire size limit of a serialized transaction.
const MaxTransactionSize = 1232

var ErrTransactionTooLarge = errors.New("transaction exceeds wire size limit")

type (
	AccountMeta struct {
		_          struct{} `cbor:",toarray"`
		Address    Address  `json:"address"`
		IsSigner   bool     `json:"isSigner"`
		IsWritable bool     `json:"isWritable"`
	}

	Instruction struct {
		_         struct{}      `cbor:",toarray"`
		ProgramID Address       `json:"programId"`
		Accounts  []AccountMeta `json:"accounts"`
		Data      []byte        `json:"data"`
	}

	Message struct {
		_               struct{} `cbor:",toarray"`
		FeePayer        Address
		RecentBlockhash Hash
		Instructions    []*Instruction
	}

	Transaction struct {
		_          struct{} `cbor:",toarray"`
		Signatures []Signature
		Message    *Message
	}

	// Signer signs transaction messages.
	Signer interface {
		Address() Address
		SignBytes(data []byte) ([]byte, error)
	}
)

func NewAccountMeta(addr Address, signer, writable bool) AccountMeta {
	return AccountMeta{Address: addr, IsSigner: signer, IsWritable: writable}
}

// Clone returns deep copy of the instruction.
func (ix *Instruction) Clone() *Instruction {
	if ix == nil {
		return nil
	}
	c := &Instruction{ProgramID: ix.ProgramID}
	if ix.Accounts != nil {
		c.Accounts = append([]AccountMeta{}, ix.Accounts...)
	}
	if ix.Data != nil {
		c.Data = append([]byte{}, ix.Data...)
	}
	return c
}

// NewTransaction creates unsigned transaction.
func NewTransaction(feePayer Address, blockhash Hash, ixs ...*Instruction) *Transaction {
	return &Transaction{
		Message: &Message{
			FeePayer:        feePayer,
			RecentBlockhash: blockhash,
			Instructions:    ixs,
		},
	}
}

func (m *Message) Bytes() ([]byte, error) {
	return cbor.Marshal(m)
}

// Signers returns the list of addresses required to sign the message, fee payer first.
func (m *Message) Signers() []Address {
	signers := []Address{m.FeePayer}
	seen := map[Address]struct{}{m.FeePayer: {}}
	for _, ix := range m.Instructions {
		for _, am := range ix.Accounts {
			if !am.IsSigner {
				continue
			}
			if _, ok := seen[am.Address]; !ok {
				seen[am.Address] = struct{}{}
				signers = append(signers, am.Address)
			}
		}
	}
	return signers
}

/*
Sign signs the message with given signers, signature order follows Message.Signers.
Derived addresses can't sign, program must be the one vouching for them so these
are not required to be among signers.
*/
func (t *Transaction) Sign(signers ...Signer) error {
	if t.Message == nil {
		return errors.New("transaction message is nil")
	}
	data, err := t.Message.Bytes()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	byAddr := make(map[Address]Signer, len(signers))
	for _, s := range signers {
		byAddr[s.Address()] = s
	}
	t.Signatures = t.Signatures[:0]
	for _, addr := range t.Message.Signers() {
		s, ok := byAddr[addr]
		if !ok {
			continue
		}
		b, err := s.SignBytes(data)
		if err != nil {
			return fmt.Errorf("signing with %s: %w", addr, err)
		}
		var sig Signature
		copy(sig[:], b)
		t.Signatures = append(t.Signatures, sig)
	}
	if len(t.Signatures) == 0 {
		return fmt.Errorf("fee payer %s did not sign", t.Message.FeePayer)
	}
	return nil
}

// Signature returns the fee payer's signature which identifies the transaction.
func (t *Transaction) Signature() Signature {
	if len(t.Signatures) == 0 {
		return Signature{}
	}
	return t.Signatures[0]
}

/*
VerifySignatures checks that the fee payer signature is valid and returns the
set of addresses which have valid signatures.
*/
func (t *Transaction) VerifySignatures() (map[Address]struct{}, error) {
	if t.Message == nil {
		return nil, errors.New("transaction message is nil")
	}
	data, err := t.Message.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	signed := make(map[Address]struct{})
	signers := t.Message.Signers()
	idx := 0
	for _, addr := range signers {
		if idx >= len(t.Signatures) {
			break
		}
		if ed25519.Verify(ed25519.PublicKey(addr[:]), data, t.Signatures[idx][:]) {
			signed[addr] = struct{}{}
			idx++
		}
	}
	if _, ok := signed[t.Message.FeePayer]; !ok {
		return nil, fmt.Errorf("%w: fee payer %s", ErrInvalidSignature, t.Message.FeePayer)
	}
	return signed, nil
}

func (t *Transaction) Bytes() ([]byte, error) {
	return cbor.Marshal(t)
}

// Size returns the serialized size of the transaction. Unsigned transactions are
// measured as if all required signatures were present.
func (t *Transaction) Size() (int, error) {
	c := *t
	if c.Message != nil {
		if missing := len(c.Message.Signers()) - len(c.Signatures); missing > 0 {
			c.Signatures = append(append([]Signature{}, c.Signatures...), make([]Signature, missing)...)
		}
	}
	b, err := c.Bytes()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func DecodeTransaction(data []byte) (*Transaction, error) {
	tx := &Transaction{}
	if err := cbor.Unmarshal(data, tx); err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", err)
	}
	if tx.Message == nil {
		return nil, errors.New("transaction message is nil")
	}
	return tx, nil
}
