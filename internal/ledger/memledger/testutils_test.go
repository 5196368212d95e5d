package memledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/crypto"
	"github.com/alphabill-org/automaton/internal/ledger"
	"github.com/alphabill-org/automaton/internal/pool"
	"github.com/alphabill-org/automaton/internal/types"
)

const (
	genesisUnix = 1_900_000_000
	initBalance = 1_000_000_000
)

type testEnv struct {
	t          *testing.T
	l          *Ledger
	admin      *crypto.Ed25519Signer
	authority  *crypto.Ed25519Signer
	workerAuth *crypto.Ed25519Signer
	signatory  *crypto.Ed25519Signer
}

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	s, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	return s
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	e := &testEnv{
		t:          t,
		admin:      newSigner(t),
		authority:  newSigner(t),
		workerAuth: newSigner(t),
		signatory:  newSigner(t),
	}
	cfg := Config{
		SlotsPerEpoch: 10,
		SlotDuration:  time.Second,
		GenesisTime:   time.Unix(genesisUnix, 0),
		Admin:         e.admin.Address(),
		Pools:         []uint64{1},
	}
	for _, o := range opts {
		o(&cfg)
	}
	l, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	e.l = l
	for _, s := range []*crypto.Ed25519Signer{e.admin, e.authority, e.workerAuth, e.signatory} {
		require.NoError(t, l.Airdrop(context.Background(), s.Address(), initBalance))
	}
	return e
}

func (e *testEnv) tx(payer types.Signer, signers []types.Signer, ixs ...*types.Instruction) *types.Transaction {
	bh, err := e.l.GetLatestBlockhash(context.Background())
	require.NoError(e.t, err)
	tx := types.NewTransaction(payer.Address(), bh, ixs...)
	require.NoError(e.t, tx.Sign(append([]types.Signer{payer}, signers...)...))
	return tx
}

// send submits the transaction, produces a slot and returns its status.
func (e *testEnv) send(tx *types.Transaction) *ledger.SignatureStatus {
	ctx := context.Background()
	sig, err := e.l.SendTransaction(ctx, tx)
	require.NoError(e.t, err)
	_, err = e.l.Advance(1)
	require.NoError(e.t, err)
	st, err := e.l.GetSignatureStatuses(ctx, []types.Signature{sig})
	require.NoError(e.t, err)
	require.NotNil(e.t, st[0])
	require.True(e.t, st[0].Confirmed)
	return st[0]
}

func (e *testEnv) mustSend(payer types.Signer, signers []types.Signer, ixs ...*types.Instruction) {
	st := e.send(e.tx(payer, signers, ixs...))
	require.Empty(e.t, st.Err)
}

func (e *testEnv) balance(addr types.Address) uint64 {
	acc, err := e.l.GetAccount(context.Background(), addr)
	if err != nil {
		require.ErrorIs(e.t, err, ledger.ErrAccountNotFound)
		return 0
	}
	return acc.Lamports
}

// createWorker registers worker 0 with the env's signatory.
func (e *testEnv) createWorker() types.Address {
	ix, err := pool.NewWorkerCreateInstruction(e.workerAuth.Address(), e.signatory.Address(), 0, 10)
	require.NoError(e.t, err)
	e.mustSend(e.workerAuth, []types.Signer{e.signatory}, ix)
	return pool.WorkerAddress(0)
}

func (e *testEnv) crankAccounts() automation.CrankAccounts {
	return automation.CrankAccounts{
		Signer:   e.signatory.Address(),
		Worker:   pool.WorkerAddress(0),
		Pool:     pool.PoolAddress(0),
		Registry: pool.RegistryAddress,
	}
}

func (e *testEnv) createAutomation(id string, trigger automation.Trigger, amount, fee uint64, ixs ...*types.Instruction) types.Address {
	ix, err := automation.NewCreateInstruction(e.authority.Address(), e.authority.Address(), []byte(id), id, ixs, trigger, 0, fee, amount)
	require.NoError(e.t, err)
	e.mustSend(e.authority, nil, ix)
	return automation.Address(e.authority.Address(), []byte(id))
}

func (e *testEnv) automation(addr types.Address) *automation.Automation {
	acc, err := e.l.GetAccount(context.Background(), addr)
	require.NoError(e.t, err)
	a, err := automation.Decode(acc.Data)
	require.NoError(e.t, err)
	return a
}

func (e *testEnv) kickoff(addr types.Address) *ledger.SignatureStatus {
	ix, err := automation.NewKickoffInstruction(e.crankAccounts(), e.automation(addr))
	require.NoError(e.t, err)
	return e.send(e.tx(e.signatory, nil, ix))
}

func (e *testEnv) exec(addr types.Address) *ledger.SignatureStatus {
	ix, err := automation.NewExecInstruction(e.crankAccounts(), e.automation(addr))
	require.NoError(e.t, err)
	return e.send(e.tx(e.signatory, nil, ix))
}

func echo(t *testing.T, args *EchoArgs, accounts ...types.AccountMeta) *types.Instruction {
	ix, err := NewEchoInstruction(args, accounts...)
	require.NoError(t, err)
	return ix
}
