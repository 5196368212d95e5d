package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/automaton/internal/ledger"
	test "github.com/alphabill-org/automaton/internal/testutils"
	"github.com/alphabill-org/automaton/internal/types"
)

type fakeAccounts map[types.Address][]byte

func (f fakeAccounts) GetAccount(_ context.Context, addr types.Address) (*ledger.Account, error) {
	data, ok := f[addr]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{Address: addr, Owner: ProgramID, Data: data}, nil
}

func (f fakeAccounts) put(t *testing.T, addr types.Address, data []byte, err error) {
	require.NoError(t, err)
	f[addr] = data
}

type fakeSubmitter struct {
	submitted [][]*types.Instruction
}

func (f *fakeSubmitter) SubmitInstructions(_ context.Context, ixs ...*types.Instruction) (types.Signature, error) {
	f.submitted = append(f.submitted, ixs)
	return types.Signature{byte(len(f.submitted))}, nil
}

func setupRotator(t *testing.T, workerID uint64, snapshotWorkers []*Worker, poolWorkers ...types.Address) (*Rotator, fakeAccounts, *fakeSubmitter) {
	accounts := fakeAccounts{}
	data, err := EncodeRegistry(&Registry{CurrentEpoch: 1, Nonce: nonceFromUint(0)})
	accounts.put(t, RegistryAddress, data, err)
	data, err = EncodeSnapshot(BuildSnapshot(1, snapshotWorkers))
	accounts.put(t, SnapshotAddress(1), data, err)
	data, err = EncodePool(&Pool{ID: 0, Size: 1, Workers: poolWorkers})
	accounts.put(t, PoolAddress(0), data, err)

	sub := &fakeSubmitter{}
	r, err := NewRotator(RotatorConfig{
		Interval:  10,
		Grace:     5,
		Worker:    WorkerAddress(workerID),
		Signatory: test.RandomAddress(),
		Pool:      PoolAddress(0),
	}, accounts, sub)
	require.NoError(t, err)
	return r, accounts, sub
}

func TestRotator_SubmitsWhenSampled(t *testing.T) {
	// nonce 0 samples the first worker
	r, _, sub := setupRotator(t, 0, []*Worker{{ID: 0, TotalStake: 10}, {ID: 1, TotalStake: 10}})
	ctx := context.Background()

	sig, err := r.OnSlotConfirmed(ctx, types.Clock{Slot: 100})
	require.NoError(t, err)
	require.False(t, sig.IsZero())
	require.Len(t, sub.submitted, 1)
	require.True(t, IxPoolRotate.Matches(sub.submitted[0][0].Data))

	// not due before interval has passed
	sig, err = r.OnSlotConfirmed(ctx, types.Clock{Slot: 109})
	require.NoError(t, err)
	require.True(t, sig.IsZero())
	require.Len(t, sub.submitted, 1)

	_, err = r.OnSlotConfirmed(ctx, types.Clock{Slot: 110})
	require.NoError(t, err)
	require.Len(t, sub.submitted, 2)
}

func TestRotator_NotSampled(t *testing.T) {
	r, _, sub := setupRotator(t, 1, []*Worker{{ID: 0, TotalStake: 10}, {ID: 1, TotalStake: 10}})
	sig, err := r.OnSlotConfirmed(context.Background(), types.Clock{Slot: 1})
	require.NoError(t, err)
	require.True(t, sig.IsZero())
	require.Empty(t, sub.submitted)
}

func TestRotator_EmptySnapshot(t *testing.T) {
	r, _, sub := setupRotator(t, 0, nil)
	_, err := r.OnSlotConfirmed(context.Background(), types.Clock{Slot: 1})
	require.NoError(t, err)
	require.Empty(t, sub.submitted)
}

func TestRotator_AlreadyInPool(t *testing.T) {
	r, _, sub := setupRotator(t, 0, []*Worker{{ID: 0, TotalStake: 10}}, WorkerAddress(0))
	_, err := r.OnSlotConfirmed(context.Background(), types.Clock{Slot: 1})
	require.NoError(t, err)
	require.Empty(t, sub.submitted)
	require.True(t, r.InPool())
}

func TestRotator_MayCrank(t *testing.T) {
	r, accounts, _ := setupRotator(t, 0, nil)
	ctx := context.Background()
	_, err := r.Refresh(ctx)
	require.NoError(t, err)
	require.False(t, r.InPool())

	require.False(t, r.MayCrank(100, 100))
	require.False(t, r.MayCrank(100, 104))
	require.True(t, r.MayCrank(100, 105), "grace period has elapsed")

	data, err := EncodePool(&Pool{Size: 1, Workers: []types.Address{WorkerAddress(0)}})
	accounts.put(t, PoolAddress(0), data, err)
	_, err = r.Refresh(ctx)
	require.NoError(t, err)
	require.True(t, r.MayCrank(100, 100), "pool members crank right away")
}

func TestNewRotator_Validation(t *testing.T) {
	_, err := NewRotator(RotatorConfig{}, fakeAccounts{}, &fakeSubmitter{})
	require.ErrorContains(t, err, "rotation interval")
	_, err = NewRotator(RotatorConfig{Interval: 1}, nil, nil)
	require.ErrorContains(t, err, "required")
}

func TestRotator_MissingPool(t *testing.T) {
	r, accounts, _ := setupRotator(t, 0, nil)
	delete(accounts, PoolAddress(0))
	_, err := r.OnSlotConfirmed(context.Background(), types.Clock{Slot: 1})
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
