package automation

import (
	"github.com/alphabill-org/automaton/internal/types"
)

var (
	IxCreate   = types.InstructionDiscriminator("automation_create")
	IxDelete   = types.InstructionDiscriminator("automation_delete")
	IxPause    = types.InstructionDiscriminator("automation_pause")
	IxResume   = types.InstructionDiscriminator("automation_resume")
	IxReset    = types.InstructionDiscriminator("automation_reset")
	IxUpdate   = types.InstructionDiscriminator("automation_update")
	IxWithdraw = types.InstructionDiscriminator("automation_withdraw")
	IxKickoff  = types.InstructionDiscriminator("automation_kickoff")
	IxExec     = types.InstructionDiscriminator("automation_exec")
)

type (
	CreateArgs struct {
		_            struct{} `cbor:",toarray"`
		ID           []byte
		Name         string
		Instructions []*types.Instruction
		Trigger      *taggedUnion
		RateLimit    uint64
		Fee          uint64
		// Amount is deposited to the automation to pay for its execution.
		Amount uint64
	}

	WithdrawArgs struct {
		_      struct{} `cbor:",toarray"`
		Amount uint64
	}

	noArgs struct {
		_ struct{} `cbor:",toarray"`
	}

	// CrankAccounts are the accounts worker passes to kickoff and exec.
	CrankAccounts struct {
		Signer   types.Address
		Worker   types.Address
		Pool     types.Address
		Registry types.Address
	}
)

// DecodeTrigger decodes the trigger of the create arguments.
func (a *CreateArgs) DecodeTrigger() (Trigger, error) {
	return decodeTrigger(a.Trigger)
}

// DecodeTrigger decodes the replacement trigger, nil when there is none.
func (s *Settings) DecodeTrigger() (Trigger, error) {
	return decodeTrigger(s.Trigger)
}

func newInstruction(d types.Discriminator, args any, accounts ...types.AccountMeta) (*types.Instruction, error) {
	data, err := d.Encode(args)
	if err != nil {
		return nil, err
	}
	return &types.Instruction{ProgramID: ProgramID, Accounts: accounts, Data: data}, nil
}

/*
NewCreateInstruction creates automation owned by authority, payer funds the
account with amount.
*/
func NewCreateInstruction(authority, payer types.Address, id []byte, name string, instructions []*types.Instruction, trigger Trigger, rateLimit, fee, amount uint64) (*types.Instruction, error) {
	tu, err := encodeTrigger(trigger)
	if err != nil {
		return nil, err
	}
	args := &CreateArgs{ID: id, Name: name, Instructions: instructions, Trigger: tu, RateLimit: rateLimit, Fee: fee, Amount: amount}
	return newInstruction(IxCreate, args,
		types.NewAccountMeta(authority, true, false),
		types.NewAccountMeta(payer, true, true),
		types.NewAccountMeta(Address(authority, id), false, true),
		types.NewAccountMeta(types.SystemProgramID, false, false),
	)
}

// NewDeleteInstruction closes the automation and returns its balance to closeTo.
func NewDeleteInstruction(authority, automation, closeTo types.Address) (*types.Instruction, error) {
	return newInstruction(IxDelete, &noArgs{},
		types.NewAccountMeta(authority, true, false),
		types.NewAccountMeta(closeTo, false, true),
		types.NewAccountMeta(automation, false, true),
	)
}

func NewPauseInstruction(authority, automation types.Address) (*types.Instruction, error) {
	return newInstruction(IxPause, &noArgs{}, authorityAccounts(authority, automation)...)
}

func NewResumeInstruction(authority, automation types.Address) (*types.Instruction, error) {
	return newInstruction(IxResume, &noArgs{}, authorityAccounts(authority, automation)...)
}

func NewResetInstruction(authority, automation types.Address) (*types.Instruction, error) {
	return newInstruction(IxReset, &noArgs{}, authorityAccounts(authority, automation)...)
}

func NewUpdateInstruction(authority, automation types.Address, settings *Settings) (*types.Instruction, error) {
	return newInstruction(IxUpdate, settings, authorityAccounts(authority, automation)...)
}

// NewWithdrawInstruction moves amount from the automation to payTo.
func NewWithdrawInstruction(authority, automation, payTo types.Address, amount uint64) (*types.Instruction, error) {
	return newInstruction(IxWithdraw, &WithdrawArgs{Amount: amount},
		types.NewAccountMeta(authority, true, false),
		types.NewAccountMeta(payTo, false, true),
		types.NewAccountMeta(automation, false, true),
	)
}

func authorityAccounts(authority, automation types.Address) []types.AccountMeta {
	return []types.AccountMeta{
		types.NewAccountMeta(authority, true, false),
		types.NewAccountMeta(automation, false, true),
	}
}

// NewKickoffInstruction builds kickoff for the automation. Automations with
// account trigger must pass the watched account as proof.
func NewKickoffInstruction(ca CrankAccounts, a *Automation) (*types.Instruction, error) {
	accounts := []types.AccountMeta{
		types.NewAccountMeta(ca.Signer, true, true),
		types.NewAccountMeta(a.Address(), false, true),
		types.NewAccountMeta(ca.Worker, false, false),
	}
	if t, ok := a.Trigger.(*AccountTrigger); ok {
		accounts = append(accounts, types.NewAccountMeta(t.Address, false, false))
	}
	return newInstruction(IxKickoff, &noArgs{}, accounts...)
}

/*
NewExecInstruction builds exec of the automation's next instruction. The
target program and accounts of the next instruction are appended so the
ledger can load them, automation's own address is never marked as signer
as it has no key. PayerPlaceholder is covered by the signer.
*/
func NewExecInstruction(ca CrankAccounts, a *Automation) (*types.Instruction, error) {
	if a.NextInstruction == nil {
		return nil, newError(InvalidAutomationState, "automation has no next instruction")
	}
	self := a.Address()
	accounts := []types.AccountMeta{
		types.NewAccountMeta(ca.Signer, true, true),
		types.NewAccountMeta(self, false, true),
		types.NewAccountMeta(ca.Worker, false, false),
		types.NewAccountMeta(ca.Pool, false, false),
		types.NewAccountMeta(ca.Registry, false, false),
		types.NewAccountMeta(a.NextInstruction.ProgramID, false, false),
	}
	for _, am := range a.NextInstruction.Accounts {
		if am.Address == self || am.Address == ca.Signer || am.Address == PayerPlaceholder {
			continue
		}
		accounts = append(accounts, types.NewAccountMeta(am.Address, false, am.IsWritable))
	}
	return newInstruction(IxExec, &noArgs{}, accounts...)
}

// DecodeCreateArgs is used by the ledger to parse create instruction data.
func DecodeCreateArgs(data []byte) (*CreateArgs, error) {
	args := &CreateArgs{}
	if err := IxCreate.Decode(data, args); err != nil {
		return nil, err
	}
	return args, nil
}

func DecodeSettings(data []byte) (*Settings, error) {
	s := &Settings{}
	if err := IxUpdate.Decode(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func DecodeWithdrawArgs(data []byte) (*WithdrawArgs, error) {
	args := &WithdrawArgs{}
	if err := IxWithdraw.Decode(data, args); err != nil {
		return nil, err
	}
	return args, nil
}
