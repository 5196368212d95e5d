package memledger

import (
	"errors"
	"fmt"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

// Program is on-ledger code instructions are dispatched to by program id.
type Program interface {
	// Execute runs the instruction of ic. Programs used as automation
	// pipeline steps may return a response to steer the automation.
	Execute(ic *InvokeContext) (*automation.Response, error)
}

type ProgramFunc func(ic *InvokeContext) (*automation.Response, error)

func (f ProgramFunc) Execute(ic *InvokeContext) (*automation.Response, error) {
	return f(ic)
}

var (
	// EchoProgramID is a development program which burns the requested
	// compute units, optionally pays from its first account to the second and
	// then returns the requested response or fails.
	EchoProgramID = types.ProgramAddress("echo")

	IxEcho = types.InstructionDiscriminator("echo")
)

type EchoArgs struct {
	_        struct{} `cbor:",toarray"`
	Units    uint64
	Pay      uint64
	Fail     string
	Response *automation.Response
}

// NewEchoInstruction builds echo instruction. When args.Pay is set the first
// account pays the second one.
func NewEchoInstruction(args *EchoArgs, accounts ...types.AccountMeta) (*types.Instruction, error) {
	data, err := IxEcho.Encode(args)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []types.AccountMeta{}
	}
	return &types.Instruction{ProgramID: EchoProgramID, Accounts: accounts, Data: data}, nil
}

func builtinPrograms() map[types.Address]Program {
	return map[types.Address]Program{
		types.SystemProgramID: ProgramFunc(systemProgram),
		types.MemoProgramID:   ProgramFunc(memoProgram),
		EchoProgramID:         ProgramFunc(echoProgram),
		automation.ProgramID:  ProgramFunc(automationProgram),
		pool.ProgramID:        ProgramFunc(networkProgram),
	}
}

func systemProgram(ic *InvokeContext) (*automation.Response, error) {
	if err := ic.ConsumeUnits(150); err != nil {
		return nil, err
	}
	args := &types.TransferArgs{}
	if err := types.IxSystemTransfer.Decode(ic.Instruction().Data, args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	from, err := ic.AccountAt(0)
	if err != nil {
		return nil, err
	}
	to, err := ic.AccountAt(1)
	if err != nil {
		return nil, err
	}
	if err := ic.RequireSigner(from); err != nil {
		return nil, err
	}
	return nil, ic.Transfer(from, to, args.Amount)
}

func memoProgram(ic *InvokeContext) (*automation.Response, error) {
	data := ic.Instruction().Data
	if err := ic.ConsumeUnits(1000 + uint64(len(data))); err != nil {
		return nil, err
	}
	ic.Log("Memo (len %d): %q", len(data), data)
	return nil, nil
}

func echoProgram(ic *InvokeContext) (*automation.Response, error) {
	args := &EchoArgs{}
	if err := IxEcho.Decode(ic.Instruction().Data, args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if err := ic.ConsumeUnits(args.Units); err != nil {
		return nil, err
	}
	if args.Pay > 0 {
		from, err := ic.AccountAt(0)
		if err != nil {
			return nil, err
		}
		to, err := ic.AccountAt(1)
		if err != nil {
			return nil, err
		}
		if err := ic.Transfer(from, to, args.Pay); err != nil {
			return nil, err
		}
	}
	if args.Fail != "" {
		return nil, errors.New(args.Fail)
	}
	return args.Response, nil
}
