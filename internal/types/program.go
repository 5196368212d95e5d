package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxComputeUnits is the hard per-transaction compute ceiling.
	MaxComputeUnits = 1_400_000
	// DefaultComputeUnits is consumed by transactions without compute budget instruction.
	DefaultComputeUnits = 200_000
)

var (
	SystemProgramID        = ProgramAddress("system")
	ComputeBudgetProgramID = ProgramAddress("compute-budget")
	MemoProgramID          = ProgramAddress("memo")

	IxSystemTransfer = InstructionDiscriminator("system_transfer")
)

type TransferArgs struct {
	_      struct{} `cbor:",toarray"`
	Amount uint64
}

// ProgramAddress returns well known address of a built-in program.
func ProgramAddress(name string) Address {
	return DeriveAddress(ZeroAddress, []byte("program"), []byte(name))
}

// NewSetComputeUnitLimit returns compute budget instruction limiting the
// transaction to the given amount of compute units.
func NewSetComputeUnitLimit(units uint32) *Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)
	return &Instruction{ProgramID: ComputeBudgetProgramID, Accounts: []AccountMeta{}, Data: data}
}

// ComputeUnitLimit returns the limit requested by compute budget instruction.
func ComputeUnitLimit(ix *Instruction) (uint32, error) {
	if ix.ProgramID != ComputeBudgetProgramID {
		return 0, errors.New("not a compute budget instruction")
	}
	if len(ix.Data) != 5 || ix.Data[0] != 2 {
		return 0, fmt.Errorf("invalid compute budget instruction data %x", ix.Data)
	}
	return binary.LittleEndian.Uint32(ix.Data[1:]), nil
}

// NewTransferInstruction moves amount lamports from "from" to "to".
func NewTransferInstruction(from, to Address, amount uint64) (*Instruction, error) {
	data, err := IxSystemTransfer.Encode(&TransferArgs{Amount: amount})
	if err != nil {
		return nil, err
	}
	return &Instruction{
		ProgramID: SystemProgramID,
		Accounts:  []AccountMeta{NewAccountMeta(from, true, true), NewAccountMeta(to, false, true)},
		Data:      data,
	}, nil
}

// NewMemoInstruction records memo in the transaction logs. Signers are
// optional.
func NewMemoInstruction(memo string, signers ...Address) *Instruction {
	ix := &Instruction{ProgramID: MemoProgramID, Accounts: []AccountMeta{}, Data: []byte(memo)}
	for _, s := range signers {
		ix.Accounts = append(ix.Accounts, NewAccountMeta(s, true, false))
	}
	return ix
}
