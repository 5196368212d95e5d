package memledger

import (
	"errors"
	"fmt"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

const networkUnits = 3000

var (
	errNotAdmin       = errors.New("signer is not the registry admin")
	errRegistryLocked = errors.New("registry is locked")
)

func networkProgram(ic *InvokeContext) (*automation.Response, error) {
	if err := ic.ConsumeUnits(networkUnits); err != nil {
		return nil, err
	}
	data := ic.Instruction().Data
	var err error
	switch {
	case pool.IxWorkerCreate.Matches(data):
		err = workerCreate(ic)
	case pool.IxDelegationCreate.Matches(data):
		err = delegationCreate(ic)
	case pool.IxDelegationDeposit.Matches(data):
		err = delegationDeposit(ic)
	case pool.IxDelegationWithdraw.Matches(data):
		err = delegationWithdraw(ic)
	case pool.IxPoolCreate.Matches(data):
		err = poolCreate(ic)
	case pool.IxPoolUpdate.Matches(data):
		err = poolUpdate(ic)
	case pool.IxPoolRotate.Matches(data):
		err = poolRotate(ic)
	case pool.IxRegistryUnlock.Matches(data):
		err = registryUnlock(ic)
	default:
		err = fmt.Errorf("%w: unknown network instruction", ErrInvalidInstruction)
	}
	return nil, err
}

func loadRegistry(ic *InvokeContext) (*pool.Registry, error) {
	acc, err := ic.OwnedAccount(pool.RegistryAddress, pool.ProgramID)
	if err != nil {
		return nil, err
	}
	return pool.DecodeRegistry(acc.Data)
}

func loadWorker(ic *InvokeContext, addr types.Address) (*pool.Worker, error) {
	acc, err := ic.OwnedAccount(addr, pool.ProgramID)
	if err != nil {
		return nil, err
	}
	return pool.DecodeWorker(acc.Data)
}

func loadPool(ic *InvokeContext, addr types.Address) (*pool.Pool, error) {
	acc, err := ic.OwnedAccount(addr, pool.ProgramID)
	if err != nil {
		return nil, err
	}
	return pool.DecodePool(acc.Data)
}

func loadDelegation(ic *InvokeContext, addr types.Address) (*pool.Delegation, error) {
	acc, err := ic.OwnedAccount(addr, pool.ProgramID)
	if err != nil {
		return nil, err
	}
	return pool.DecodeDelegation(acc.Data)
}

func store[T any](ic *InvokeContext, addr types.Address, v T, encode func(T) ([]byte, error)) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return ic.SetData(addr, data)
}

func create[T any](ic *InvokeContext, addr types.Address, v T, encode func(T) ([]byte, error)) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return ic.CreateAccount(addr, data)
}

// signerAt returns account #n after checking it has signed.
func signerAt(ic *InvokeContext, n int) (types.Address, error) {
	addr, err := ic.AccountAt(n)
	if err != nil {
		return addr, err
	}
	return addr, ic.RequireSigner(addr)
}

// admin checks that account #0 is the registry admin and has signed.
func admin(ic *InvokeContext) (*pool.Registry, error) {
	signer, err := signerAt(ic, 0)
	if err != nil {
		return nil, err
	}
	reg, err := loadRegistry(ic)
	if err != nil {
		return nil, err
	}
	if reg.Admin != signer {
		return nil, errNotAdmin
	}
	return reg, nil
}

func workerCreate(ic *InvokeContext) error {
	args := &pool.WorkerCreateArgs{}
	if err := pool.IxWorkerCreate.Decode(ic.Instruction().Data, args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	authority, err := signerAt(ic, 0)
	if err != nil {
		return err
	}
	signatory, err := signerAt(ic, 1)
	if err != nil {
		return err
	}
	addr, err := ic.AccountAt(3)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(ic)
	if err != nil {
		return err
	}
	if expected := pool.WorkerAddress(reg.TotalWorkers); expected != addr {
		return fmt.Errorf("next worker address is %s, got %s", expected, addr)
	}
	w := &pool.Worker{Authority: authority, Signatory: signatory, ID: reg.TotalWorkers, CommissionRate: args.CommissionRate}
	if err := w.Validate(); err != nil {
		return err
	}
	if err := create(ic, addr, w, pool.EncodeWorker); err != nil {
		return err
	}
	reg.TotalWorkers++
	ic.Log("created worker %d %s", w.ID, addr)
	return store(ic, pool.RegistryAddress, reg, pool.EncodeRegistry)
}

func delegationCreate(ic *InvokeContext) error {
	authority, err := signerAt(ic, 0)
	if err != nil {
		return err
	}
	workerAddr, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	addr, err := ic.AccountAt(3)
	if err != nil {
		return err
	}
	w, err := loadWorker(ic, workerAddr)
	if err != nil {
		return err
	}
	if expected := pool.DelegationAddress(workerAddr, w.TotalDelegations); expected != addr {
		return fmt.Errorf("next delegation address is %s, got %s", expected, addr)
	}
	d := &pool.Delegation{Authority: authority, Worker: workerAddr, ID: w.TotalDelegations}
	if err := create(ic, addr, d, pool.EncodeDelegation); err != nil {
		return err
	}
	w.TotalDelegations++
	return store(ic, workerAddr, w, pool.EncodeWorker)
}

func delegationDeposit(ic *InvokeContext) error {
	args := &pool.AmountArgs{}
	if err := pool.IxDelegationDeposit.Decode(ic.Instruction().Data, args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	authority, err := signerAt(ic, 0)
	if err != nil {
		return err
	}
	addr, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	d, err := loadDelegation(ic, addr)
	if err != nil {
		return err
	}
	if d.Authority != authority {
		return errors.New("signer is not the delegation authority")
	}
	if err := ic.Transfer(authority, addr, args.Amount); err != nil {
		return err
	}
	d.Deposit(args.Amount)
	return store(ic, addr, d, pool.EncodeDelegation)
}

func delegationWithdraw(ic *InvokeContext) error {
	args := &pool.AmountArgs{}
	if err := pool.IxDelegationWithdraw.Decode(ic.Instruction().Data, args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	authority, err := signerAt(ic, 0)
	if err != nil {
		return err
	}
	addr, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	workerAddr, err := ic.AccountAt(3)
	if err != nil {
		return err
	}
	payTo, err := ic.AccountAt(4)
	if err != nil {
		return err
	}
	d, err := loadDelegation(ic, addr)
	if err != nil {
		return err
	}
	if d.Authority != authority {
		return errors.New("signer is not the delegation authority")
	}
	if d.Worker != workerAddr {
		return fmt.Errorf("delegation belongs to worker %s, got %s", d.Worker, workerAddr)
	}
	w, err := loadWorker(ic, workerAddr)
	if err != nil {
		return err
	}
	fromStake, err := d.Withdraw(args.Amount)
	if err != nil {
		return err
	}
	if fromStake > w.TotalStake {
		fromStake = w.TotalStake
	}
	w.TotalStake -= fromStake
	if err := ic.Transfer(addr, payTo, args.Amount); err != nil {
		return err
	}
	if err := store(ic, addr, d, pool.EncodeDelegation); err != nil {
		return err
	}
	return store(ic, workerAddr, w, pool.EncodeWorker)
}

func poolCreate(ic *InvokeContext) error {
	args := &pool.PoolUpdateArgs{}
	if err := pool.IxPoolCreate.Decode(ic.Instruction().Data, args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	reg, err := admin(ic)
	if err != nil {
		return err
	}
	addr, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	if expected := pool.PoolAddress(reg.TotalPools); expected != addr {
		return fmt.Errorf("next pool address is %s, got %s", expected, addr)
	}
	size := args.Size
	if size == 0 {
		size = pool.DefaultPoolSize
	}
	if err := create(ic, addr, &pool.Pool{ID: reg.TotalPools, Size: size, Workers: []types.Address{}}, pool.EncodePool); err != nil {
		return err
	}
	reg.TotalPools++
	return store(ic, pool.RegistryAddress, reg, pool.EncodeRegistry)
}

func poolUpdate(ic *InvokeContext) error {
	args := &pool.PoolUpdateArgs{}
	if err := pool.IxPoolUpdate.Decode(ic.Instruction().Data, args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if args.Size == 0 {
		return errors.New("pool size must be greater than zero")
	}
	if _, err := admin(ic); err != nil {
		return err
	}
	addr, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	p, err := loadPool(ic, addr)
	if err != nil {
		return err
	}
	p.Resize(args.Size)
	return store(ic, addr, p, pool.EncodePool)
}

/*
poolRotate pushes the worker into the pool when it is the one sampled from
the current epoch's snapshot with the registry nonce. The nonce advances on
every rotation so the next sample is independent.
*/
func poolRotate(ic *InvokeContext) error {
	signer, err := signerAt(ic, 0)
	if err != nil {
		return err
	}
	workerAddr, err := ic.AccountAt(1)
	if err != nil {
		return err
	}
	poolAddr, err := ic.AccountAt(2)
	if err != nil {
		return err
	}
	snapshotAddr, err := ic.AccountAt(4)
	if err != nil {
		return err
	}
	w, err := loadWorker(ic, workerAddr)
	if err != nil {
		return err
	}
	if w.Signatory != signer {
		return fmt.Errorf("signer %s is not the signatory of worker %s", signer, workerAddr)
	}
	reg, err := loadRegistry(ic)
	if err != nil {
		return err
	}
	if reg.Locked {
		return errRegistryLocked
	}
	if expected := pool.SnapshotAddress(reg.CurrentEpoch); expected != snapshotAddr {
		return fmt.Errorf("snapshot of epoch %d is %s, got %s", reg.CurrentEpoch, expected, snapshotAddr)
	}
	acc, err := ic.OwnedAccount(snapshotAddr, pool.ProgramID)
	if err != nil {
		return err
	}
	snapshot, err := pool.DecodeSnapshot(acc.Data)
	if err != nil {
		return err
	}
	sampled, ok := snapshot.Sample(reg.Nonce)
	if !ok {
		return errors.New("snapshot is empty")
	}
	if sampled != workerAddr {
		return fmt.Errorf("worker %s was not sampled for rotation", workerAddr)
	}
	p, err := loadPool(ic, poolAddr)
	if err != nil {
		return err
	}
	if !p.Rotate(workerAddr) {
		return fmt.Errorf("worker %s already is in pool %d", workerAddr, p.ID)
	}
	reg.Nonce = pool.NextNonce(reg.Nonce, ic.Clock().Slot)
	ic.Log("worker %s rotated into pool %d", workerAddr, p.ID)
	if err := store(ic, poolAddr, p, pool.EncodePool); err != nil {
		return err
	}
	return store(ic, pool.RegistryAddress, reg, pool.EncodeRegistry)
}

func registryUnlock(ic *InvokeContext) error {
	reg, err := admin(ic)
	if err != nil {
		return err
	}
	reg.Locked = false
	return store(ic, pool.RegistryAddress, reg, pool.EncodeRegistry)
}
