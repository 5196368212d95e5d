package pool

import (
	"github.com/alphabill-org/automaton/internal/types"
)

var (
	IxWorkerCreate       = types.InstructionDiscriminator("worker_create")
	IxDelegationCreate   = types.InstructionDiscriminator("delegation_create")
	IxDelegationDeposit  = types.InstructionDiscriminator("delegation_deposit")
	IxDelegationWithdraw = types.InstructionDiscriminator("delegation_withdraw")
	IxPoolCreate         = types.InstructionDiscriminator("pool_create")
	IxPoolUpdate         = types.InstructionDiscriminator("pool_update")
	IxPoolRotate         = types.InstructionDiscriminator("pool_rotate")
	IxRegistryUnlock     = types.InstructionDiscriminator("registry_unlock")
)

type (
	WorkerCreateArgs struct {
		_              struct{} `cbor:",toarray"`
		CommissionRate uint64
	}

	AmountArgs struct {
		_      struct{} `cbor:",toarray"`
		Amount uint64
	}

	PoolUpdateArgs struct {
		_    struct{} `cbor:",toarray"`
		Size uint64
	}

	noArgs struct {
		_ struct{} `cbor:",toarray"`
	}
)

func newInstruction(d types.Discriminator, args any, accounts ...types.AccountMeta) (*types.Instruction, error) {
	data, err := d.Encode(args)
	if err != nil {
		return nil, err
	}
	return &types.Instruction{ProgramID: ProgramID, Accounts: accounts, Data: data}, nil
}

// NewWorkerCreateInstruction registers worker with the id registry assigns next.
func NewWorkerCreateInstruction(authority, signatory types.Address, id uint64, commissionRate uint64) (*types.Instruction, error) {
	return newInstruction(IxWorkerCreate, &WorkerCreateArgs{CommissionRate: commissionRate},
		types.NewAccountMeta(authority, true, true),
		types.NewAccountMeta(signatory, true, false),
		types.NewAccountMeta(RegistryAddress, false, true),
		types.NewAccountMeta(WorkerAddress(id), false, true),
		types.NewAccountMeta(types.SystemProgramID, false, false),
	)
}

func NewDelegationCreateInstruction(authority, worker types.Address, id uint64) (*types.Instruction, error) {
	return newInstruction(IxDelegationCreate, &noArgs{},
		types.NewAccountMeta(authority, true, true),
		types.NewAccountMeta(RegistryAddress, false, false),
		types.NewAccountMeta(worker, false, true),
		types.NewAccountMeta(DelegationAddress(worker, id), false, true),
		types.NewAccountMeta(types.SystemProgramID, false, false),
	)
}

func NewDelegationDepositInstruction(authority, delegation types.Address, amount uint64) (*types.Instruction, error) {
	return newInstruction(IxDelegationDeposit, &AmountArgs{Amount: amount},
		types.NewAccountMeta(authority, true, true),
		types.NewAccountMeta(RegistryAddress, false, false),
		types.NewAccountMeta(delegation, false, true),
	)
}

func NewDelegationWithdrawInstruction(authority, delegation, worker, payTo types.Address, amount uint64) (*types.Instruction, error) {
	return newInstruction(IxDelegationWithdraw, &AmountArgs{Amount: amount},
		types.NewAccountMeta(authority, true, false),
		types.NewAccountMeta(RegistryAddress, false, false),
		types.NewAccountMeta(delegation, false, true),
		types.NewAccountMeta(worker, false, true),
		types.NewAccountMeta(payTo, false, true),
	)
}

func NewPoolCreateInstruction(admin types.Address, id uint64, size uint64) (*types.Instruction, error) {
	return newInstruction(IxPoolCreate, &PoolUpdateArgs{Size: size},
		types.NewAccountMeta(admin, true, true),
		types.NewAccountMeta(RegistryAddress, false, true),
		types.NewAccountMeta(PoolAddress(id), false, true),
		types.NewAccountMeta(types.SystemProgramID, false, false),
	)
}

func NewPoolUpdateInstruction(admin, pool types.Address, size uint64) (*types.Instruction, error) {
	return newInstruction(IxPoolUpdate, &PoolUpdateArgs{Size: size},
		types.NewAccountMeta(admin, true, false),
		types.NewAccountMeta(RegistryAddress, false, false),
		types.NewAccountMeta(pool, false, true),
	)
}

// NewPoolRotateInstruction asks the ledger to push worker into the pool. Ledger
// checks that the worker is the one sampled from the current snapshot.
func NewPoolRotateInstruction(signatory, worker, pool types.Address, epoch uint64) (*types.Instruction, error) {
	return newInstruction(IxPoolRotate, &noArgs{},
		types.NewAccountMeta(signatory, true, false),
		types.NewAccountMeta(worker, false, false),
		types.NewAccountMeta(pool, false, true),
		types.NewAccountMeta(RegistryAddress, false, true),
		types.NewAccountMeta(SnapshotAddress(epoch), false, false),
	)
}

func NewRegistryUnlockInstruction(admin types.Address) (*types.Instruction, error) {
	return newInstruction(IxRegistryUnlock, &noArgs{},
		types.NewAccountMeta(admin, true, false),
		types.NewAccountMeta(RegistryAddress, false, true),
	)
}
