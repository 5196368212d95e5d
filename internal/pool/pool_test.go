package pool

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"

	test "github.com/alphabill-org/automaton/internal/testutils"
	"github.com/alphabill-org/automaton/internal/types"
)

func TestPool_Rotate(t *testing.T) {
	w1, w2, w3 := test.RandomAddress(), test.RandomAddress(), test.RandomAddress()
	p := &Pool{Size: 2}
	require.True(t, p.Rotate(w1))
	require.True(t, p.Rotate(w2))
	require.False(t, p.Rotate(w2), "already in pool")
	require.Equal(t, []types.Address{w1, w2}, p.Workers)

	require.True(t, p.Rotate(w3))
	require.Equal(t, []types.Address{w2, w3}, p.Workers, "oldest is evicted")
	require.Equal(t, 1, p.Position(w3))
	require.Equal(t, -1, p.Position(w1))

	p.Resize(1)
	require.Equal(t, []types.Address{w3}, p.Workers)
	p.Resize(0)
	require.Empty(t, p.Workers)
}

func TestBuildSnapshot(t *testing.T) {
	workers := []*Worker{
		{ID: 0, TotalStake: 10},
		{ID: 1, TotalStake: 0},
		{ID: 2, TotalStake: 30},
	}
	s := BuildSnapshot(4, workers)
	require.EqualValues(t, 4, s.ID)
	require.EqualValues(t, 40, s.TotalStake)
	require.Len(t, s.Entries, 2)
	require.Equal(t, &SnapshotEntry{Worker: WorkerAddress(2), StakeOffset: 10, StakeAmount: 30}, s.Entries[1])
}

func nonceFromUint(v uint64) types.Hash {
	var n types.Hash
	binary.BigEndian.PutUint64(n[24:], v)
	return n
}

func TestSnapshot_Sample(t *testing.T) {
	s := BuildSnapshot(0, []*Worker{{ID: 0, TotalStake: 10}, {ID: 1, TotalStake: 20}, {ID: 2, TotalStake: 5}})
	tests := []struct {
		point uint64
		want  types.Address
	}{
		{0, WorkerAddress(0)},
		{9, WorkerAddress(0)},
		{10, WorkerAddress(1)},
		{29, WorkerAddress(1)},
		{30, WorkerAddress(2)},
		{34, WorkerAddress(2)},
		{35, WorkerAddress(0)}, // wraps around
	}
	for _, tt := range tests {
		got, ok := s.Sample(nonceFromUint(tt.point))
		require.True(t, ok)
		require.Equal(t, tt.want, got, "point %d", tt.point)
	}

	_, ok := (&Snapshot{}).Sample(nonceFromUint(1))
	require.False(t, ok)
}

func TestSnapshot_SampleIsStakeWeighted(t *testing.T) {
	stakes := []uint64{10, 20, 30, 40, 100}
	workers := make([]*Worker, len(stakes))
	for i, s := range stakes {
		workers[i] = &Worker{ID: uint64(i), TotalStake: s}
	}
	snap := BuildSnapshot(0, workers)
	index := map[types.Address]int{}
	for i := range workers {
		index[WorkerAddress(uint64(i))] = i
	}

	const samples = 50_000
	observed := make([]float64, len(stakes))
	for i := uint64(0); i < samples; i++ {
		nonce := types.Hash(sha256.Sum256(binary.BigEndian.AppendUint64(nil, i)))
		w, ok := snap.Sample(nonce)
		require.True(t, ok)
		observed[index[w]]++
	}

	var chi2 float64
	for i, s := range stakes {
		expected := samples * float64(s) / float64(snap.TotalStake)
		d := observed[i] - expected
		chi2 += d * d / expected
	}
	dist := distuv.ChiSquared{K: float64(len(stakes) - 1)}
	pValue := 1 - dist.CDF(chi2)
	require.Greater(t, pValue, 0.001, "chi2=%f observed=%v", chi2, observed)
}

func TestNextNonce(t *testing.T) {
	n := NextNonce(types.Hash{}, 1)
	require.NotEqual(t, types.Hash{}, n)
	require.NotEqual(t, n, NextNonce(types.Hash{}, 2))
	require.Equal(t, n, NextNonce(types.Hash{}, 1))
}

func TestDelegation(t *testing.T) {
	d := &Delegation{}
	d.Deposit(100)
	require.EqualValues(t, 100, d.Pending)
	require.EqualValues(t, 100, d.Settle())
	require.EqualValues(t, 100, d.Stake)
	d.Deposit(50)

	fromStake, err := d.Withdraw(70)
	require.NoError(t, err)
	require.EqualValues(t, 20, fromStake)
	require.EqualValues(t, 0, d.Pending)
	require.EqualValues(t, 80, d.Stake)

	_, err = d.Withdraw(81)
	require.ErrorIs(t, err, ErrInsufficientStake)
}

func TestRecordCodec(t *testing.T) {
	w := &Worker{Authority: test.RandomAddress(), Signatory: test.RandomAddress(), ID: 3, CommissionRate: 10, TotalStake: 5}
	data, err := EncodeWorker(w)
	require.NoError(t, err)
	w2, err := DecodeWorker(data)
	require.NoError(t, err)
	require.Equal(t, w, w2)

	_, err = DecodePool(data)
	require.ErrorIs(t, err, types.ErrDiscriminatorMismatch)

	reg := &Registry{Admin: test.RandomAddress(), Nonce: types.Hash{7}, CurrentEpoch: 2, TotalWorkers: 1}
	data, err = EncodeRegistry(reg)
	require.NoError(t, err)
	reg2, err := DecodeRegistry(data)
	require.NoError(t, err)
	require.Equal(t, reg, reg2)

	require.ErrorContains(t, (&Worker{CommissionRate: 101}).Validate(), "commission rate")
	require.NotEqual(t, WorkerAddress(1), PoolAddress(1))
	require.NotEqual(t, DelegationAddress(WorkerAddress(1), 0), DelegationAddress(WorkerAddress(2), 0))
}
