package memledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/automaton/internal/automation"
	"github.com/alphabill-org/automaton/internal/crypto"
	"github.com/alphabill-org/automaton/internal/pool"
	test "github.com/alphabill-org/automaton/internal/testutils"
	"github.com/alphabill-org/automaton/internal/types"
)

func TestAutomation_ImmediatePipeline(t *testing.T) {
	e := newTestEnv(t)
	e.createWorker()
	addr := e.createAutomation("pipeline", &automation.ImmediateTrigger{}, 100_000, 1000,
		types.NewMemoInstruction("first"), types.NewMemoInstruction("second"))
	require.EqualValues(t, 100_000, e.balance(addr))

	require.Empty(t, e.kickoff(addr).Err)
	a := e.automation(addr)
	require.Equal(t, types.NewMemoInstruction("first"), a.NextInstruction)

	st := e.kickoff(addr)
	require.EqualValues(t, automation.AutomationBusy, st.ErrCode)

	adminBefore := e.balance(e.admin.Address())
	signatoryBefore := e.balance(e.signatory.Address())
	require.Empty(t, e.exec(addr).Err)
	a = e.automation(addr)
	require.Equal(t, types.NewMemoInstruction("second"), a.NextInstruction)
	require.EqualValues(t, 1, a.ExecContext.ExecIndex)
	require.Equal(t, signatoryBefore-FeePerSignature, e.balance(e.signatory.Address()))

	require.Empty(t, e.exec(addr).Err)
	a = e.automation(addr)
	require.Nil(t, a.NextInstruction)
	require.True(t, a.Spent())
	// worker is not in the pool, fees go to admin, reimbursement at pipeline end
	require.Equal(t, adminBefore+2000, e.balance(e.admin.Address()))
	require.Equal(t, signatoryBefore-FeePerSignature, e.balance(e.signatory.Address()))
	require.EqualValues(t, 100_000-2000-automation.BaseFeeReimbursement, e.balance(addr))

	st = e.kickoff(addr)
	require.EqualValues(t, automation.InvalidAutomationState, st.ErrCode)
}

func TestInvoke_DuplicateAccountPrivilegesAreMerged(t *testing.T) {
	e := newTestEnv(t)
	recipient := test.RandomAddress()
	from := e.authority.Address()
	// first occurrence is read-only, a later one is writable
	pay := echo(t, &EchoArgs{Pay: 500},
		types.NewAccountMeta(from, true, false),
		types.NewAccountMeta(recipient, false, true),
		types.NewAccountMeta(from, false, true))
	e.mustSend(e.authority, nil, pay)
	require.EqualValues(t, 500, e.balance(recipient))

	// payer is the authority
	addr := e.createAutomation("self-funded", &automation.ImmediateTrigger{}, 10_000, 0, types.NewMemoInstruction("a"))
	require.EqualValues(t, 10_000, e.balance(addr))
}

func TestAutomation_PayerPlaceholderIsReimbursed(t *testing.T) {
	e := newTestEnv(t)
	e.createWorker()
	recipient := test.RandomAddress()
	pay := echo(t, &EchoArgs{Pay: 777},
		types.NewAccountMeta(automation.PayerPlaceholder, true, true),
		types.NewAccountMeta(recipient, false, true))
	addr := e.createAutomation("payer", &automation.ImmediateTrigger{}, 100_000, 1000, pay)
	require.Empty(t, e.kickoff(addr).Err)

	signatoryBefore := e.balance(e.signatory.Address())
	adminBefore := e.balance(e.admin.Address())
	require.Empty(t, e.exec(addr).Err)

	require.EqualValues(t, 777, e.balance(recipient))
	// transaction fee and the advanced amount are paid back
	require.Equal(t, signatoryBefore, e.balance(e.signatory.Address()))
	require.Equal(t, adminBefore+1000, e.balance(e.admin.Address()))
	require.EqualValues(t, 100_000-777-1000-automation.BaseFeeReimbursement, e.balance(addr))
}

func TestAutomation_CloseTo(t *testing.T) {
	e := newTestEnv(t)
	e.createWorker()
	closeTo := test.RandomAddress()
	resp, err := automation.NewResponse(&closeTo, nil, nil)
	require.NoError(t, err)
	addr := e.createAutomation("closer", &automation.ImmediateTrigger{}, 100_000, 1000,
		echo(t, &EchoArgs{Response: resp}), types.NewMemoInstruction("never"))
	require.Empty(t, e.kickoff(addr).Err)
	require.Empty(t, e.exec(addr).Err)

	_, err = e.l.GetAccount(context.Background(), addr)
	require.Error(t, err)
	require.EqualValues(t, 100_000-1000-automation.BaseFeeReimbursement, e.balance(closeTo))
}

func TestAutomation_DynamicInstruction(t *testing.T) {
	e := newTestEnv(t)
	e.createWorker()
	resp, err := automation.NewResponse(nil, types.NewMemoInstruction("dynamic"), nil)
	require.NoError(t, err)
	addr := e.createAutomation("dyn", &automation.ImmediateTrigger{}, 100_000, 0, echo(t, &EchoArgs{Response: resp}))
	require.Empty(t, e.kickoff(addr).Err)
	require.Empty(t, e.exec(addr).Err)
	a := e.automation(addr)
	require.Equal(t, types.NewMemoInstruction("dynamic"), a.NextInstruction)
	require.EqualValues(t, 0, a.ExecContext.ExecIndex)

	// dynamic instruction targeting the automation program is rejected
	bad := &types.Instruction{ProgramID: automation.ProgramID, Accounts: []types.AccountMeta{}}
	resp, err = automation.NewResponse(nil, bad, nil)
	require.NoError(t, err)
	addr = e.createAutomation("bad", &automation.ImmediateTrigger{}, 100_000, 0, echo(t, &EchoArgs{Response: resp}))
	require.Empty(t, e.kickoff(addr).Err)
	st := e.exec(addr)
	require.EqualValues(t, automation.UnauthorizedWrite, st.ErrCode)
}

func TestAutomation_TriggerReplacedByResponse(t *testing.T) {
	e := newTestEnv(t)
	e.createWorker()
	resp, err := automation.NewResponse(nil, nil, &automation.SlotTrigger{Slot: 1000})
	require.NoError(t, err)
	addr := e.createAutomation("retrigger", &automation.SlotTrigger{Slot: 1}, 100_000, 0,
		echo(t, &EchoArgs{Response: resp}), types.NewMemoInstruction("second"))
	require.Empty(t, e.kickoff(addr).Err)
	require.Empty(t, e.exec(addr).Err)

	a := e.automation(addr)
	require.Equal(t, &automation.SlotTrigger{Slot: 1000}, a.Trigger)
	require.Equal(t, types.NewMemoInstruction("second"), a.NextInstruction)
	require.EqualValues(t, 1, a.ExecContext.ExecIndex)

	// replacement must keep the trigger variant
	resp, err = automation.NewResponse(nil, nil, &automation.EpochTrigger{Epoch: 10})
	require.NoError(t, err)
	addr = e.createAutomation("variant", &automation.SlotTrigger{Slot: 1}, 100_000, 0, echo(t, &EchoArgs{Response: resp}))
	require.Empty(t, e.kickoff(addr).Err)
	st := e.exec(addr)
	require.EqualValues(t, automation.InvalidTriggerVariant, st.ErrCode)
	require.Equal(t, &automation.SlotTrigger{Slot: 1}, e.automation(addr).Trigger)
}

func TestAutomation_FailingStep(t *testing.T) {
	e := newTestEnv(t)
	e.createWorker()
	addr := e.createAutomation("fail", &automation.ImmediateTrigger{}, 100_000, 0, echo(t, &EchoArgs{Fail: "boom"}))
	require.Empty(t, e.kickoff(addr).Err)
	st := e.exec(addr)
	require.Contains(t, st.Err, "boom")
	// state is unchanged, step can be retried
	require.NotNil(t, e.automation(addr).NextInstruction)
}

func TestAutomation_Management(t *testing.T) {
	e := newTestEnv(t)
	e.createWorker()
	addr := e.createAutomation("mgmt", &automation.SlotTrigger{Slot: 5}, 100_000, 0, types.NewMemoInstruction("a"))

	// only the authority may manage
	intruder := newSigner(t)
	require.NoError(t, e.l.Airdrop(context.Background(), intruder.Address(), initBalance))
	ix, err := automation.NewPauseInstruction(intruder.Address(), addr)
	require.NoError(t, err)
	st := e.send(e.tx(intruder, nil, ix))
	require.Contains(t, st.Err, errNotAuthority.Error())

	ix, err = automation.NewPauseInstruction(e.authority.Address(), addr)
	require.NoError(t, err)
	e.mustSend(e.authority, nil, ix)
	require.True(t, e.automation(addr).Paused)

	_, err = e.l.Advance(5)
	require.NoError(t, err)
	require.EqualValues(t, automation.AutomationPaused, e.kickoff(addr).ErrCode)

	ix, err = automation.NewResumeInstruction(e.authority.Address(), addr)
	require.NoError(t, err)
	e.mustSend(e.authority, nil, ix)
	require.Empty(t, e.kickoff(addr).Err)

	ix, err = automation.NewResetInstruction(e.authority.Address(), addr)
	require.NoError(t, err)
	e.mustSend(e.authority, nil, ix)
	require.Nil(t, e.automation(addr).ExecContext)

	name, fee := "renamed", uint64(77)
	settings := &automation.Settings{Name: &name, Fee: &fee}
	require.NoError(t, settings.SetTrigger(&automation.SlotTrigger{Slot: 50}))
	ix, err = automation.NewUpdateInstruction(e.authority.Address(), addr, settings)
	require.NoError(t, err)
	e.mustSend(e.authority, nil, ix)
	a := e.automation(addr)
	require.Equal(t, "renamed", a.Name)
	require.EqualValues(t, 77, a.Fee)
	require.Equal(t, &automation.SlotTrigger{Slot: 50}, a.Trigger)

	payTo := test.RandomAddress()
	ix, err = automation.NewWithdrawInstruction(e.authority.Address(), addr, payTo, 40_000)
	require.NoError(t, err)
	e.mustSend(e.authority, nil, ix)
	require.EqualValues(t, 40_000, e.balance(payTo))
	require.EqualValues(t, 60_000, e.balance(addr))

	ix, err = automation.NewDeleteInstruction(e.authority.Address(), addr, payTo)
	require.NoError(t, err)
	e.mustSend(e.authority, nil, ix)
	require.EqualValues(t, 100_000, e.balance(payTo))
	_, err = e.l.GetAccount(context.Background(), addr)
	require.Error(t, err)
}

func TestAutomation_CreateRejectsDuplicate(t *testing.T) {
	e := newTestEnv(t)
	e.createAutomation("dup", &automation.ImmediateTrigger{}, 1000, 0, types.NewMemoInstruction("a"))
	ix, err := automation.NewCreateInstruction(e.authority.Address(), e.authority.Address(), []byte("dup"), "dup",
		[]*types.Instruction{types.NewMemoInstruction("a")}, &automation.ImmediateTrigger{}, 0, 0, 1000)
	require.NoError(t, err)
	st := e.send(e.tx(e.authority, nil, ix))
	require.Contains(t, st.Err, ErrAccountInUse.Error())
}

func TestAutomation_KickoffRequiresWorkerSignatory(t *testing.T) {
	e := newTestEnv(t)
	e.createWorker()
	addr := e.createAutomation("w", &automation.ImmediateTrigger{}, 1000, 0, types.NewMemoInstruction("a"))

	other := newSigner(t)
	require.NoError(t, e.l.Airdrop(context.Background(), other.Address(), initBalance))
	ca := e.crankAccounts()
	ca.Signer = other.Address()
	ix, err := automation.NewKickoffInstruction(ca, e.automation(addr))
	require.NoError(t, err)
	st := e.send(e.tx(other, nil, ix))
	require.Contains(t, st.Err, "is not the signatory of worker")
}

func TestNetwork_DelegationEpochAndRotation(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.LockRegistry = true })
	ctx := context.Background()
	worker := e.createWorker()

	ix, err := pool.NewDelegationCreateInstruction(e.workerAuth.Address(), worker, 0)
	require.NoError(t, err)
	e.mustSend(e.workerAuth, nil, ix)
	delegation := pool.DelegationAddress(worker, 0)
	ix, err = pool.NewDelegationDepositInstruction(e.workerAuth.Address(), delegation, 500)
	require.NoError(t, err)
	e.mustSend(e.workerAuth, nil, ix)
	require.EqualValues(t, 500, e.balance(delegation))

	// stake is activated at the epoch boundary
	clock, err := e.l.GetClock(ctx)
	require.NoError(t, err)
	_, err = e.l.Advance(int(10 - clock.Slot))
	require.NoError(t, err)
	acc, err := e.l.GetAccount(ctx, pool.SnapshotAddress(1))
	require.NoError(t, err)
	snapshot, err := pool.DecodeSnapshot(acc.Data)
	require.NoError(t, err)
	require.EqualValues(t, 500, snapshot.TotalStake)
	require.Equal(t, worker, snapshot.Entries[0].Worker)

	acc, err = e.l.GetAccount(ctx, pool.RegistryAddress)
	require.NoError(t, err)
	reg, err := pool.DecodeRegistry(acc.Data)
	require.NoError(t, err)
	require.EqualValues(t, 1, reg.CurrentEpoch)
	nonce := reg.Nonce

	rotate, err := pool.NewPoolRotateInstruction(e.signatory.Address(), worker, pool.PoolAddress(0), 1)
	require.NoError(t, err)
	st := e.send(e.tx(e.signatory, nil, rotate))
	require.Contains(t, st.Err, errRegistryLocked.Error())

	ix, err = pool.NewRegistryUnlockInstruction(e.admin.Address())
	require.NoError(t, err)
	e.mustSend(e.admin, nil, ix)
	e.mustSend(e.signatory, nil, rotate)

	acc, err = e.l.GetAccount(ctx, pool.PoolAddress(0))
	require.NoError(t, err)
	p, err := pool.DecodePool(acc.Data)
	require.NoError(t, err)
	require.Equal(t, []types.Address{worker}, p.Workers)
	acc, err = e.l.GetAccount(ctx, pool.RegistryAddress)
	require.NoError(t, err)
	reg, err = pool.DecodeRegistry(acc.Data)
	require.NoError(t, err)
	require.NotEqual(t, nonce, reg.Nonce)

	st = e.send(e.tx(e.signatory, nil, rotate))
	require.Contains(t, st.Err, "already is in pool")

	// pool member receives the fee
	addr := e.createAutomation("member", &automation.ImmediateTrigger{}, 100_000, 1000, types.NewMemoInstruction("a"))
	require.Empty(t, e.kickoff(addr).Err)
	adminBefore := e.balance(e.admin.Address())
	signatoryBefore := e.balance(e.signatory.Address())
	require.Empty(t, e.exec(addr).Err)
	require.Equal(t, adminBefore, e.balance(e.admin.Address()))
	require.Equal(t, signatoryBefore+1000, e.balance(e.signatory.Address()))

	// withdrawal reduces the stake
	payTo := test.RandomAddress()
	ix, err = pool.NewDelegationWithdrawInstruction(e.workerAuth.Address(), delegation, worker, payTo, 200)
	require.NoError(t, err)
	e.mustSend(e.workerAuth, nil, ix)
	require.EqualValues(t, 200, e.balance(payTo))
	acc, err = e.l.GetAccount(ctx, worker)
	require.NoError(t, err)
	w, err := pool.DecodeWorker(acc.Data)
	require.NoError(t, err)
	require.EqualValues(t, 300, w.TotalStake)
}

func TestNetwork_RotateRequiresSampledWorker(t *testing.T) {
	e := newTestEnv(t)
	worker := e.createWorker()
	// no stake: snapshot of epoch 0 is empty
	rotate, err := pool.NewPoolRotateInstruction(e.signatory.Address(), worker, pool.PoolAddress(0), 0)
	require.NoError(t, err)
	st := e.send(e.tx(e.signatory, nil, rotate))
	require.Contains(t, st.Err, "snapshot is empty")

	// second worker is never sampled while it has no stake
	second, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	require.NoError(t, e.l.Airdrop(context.Background(), second.Address(), initBalance))
	ix, err := pool.NewWorkerCreateInstruction(second.Address(), second.Address(), 1, 0)
	require.NoError(t, err)
	e.mustSend(second, nil, ix)

	ix, err = pool.NewDelegationCreateInstruction(e.workerAuth.Address(), worker, 0)
	require.NoError(t, err)
	e.mustSend(e.workerAuth, nil, ix)
	ix, err = pool.NewDelegationDepositInstruction(e.workerAuth.Address(), pool.DelegationAddress(worker, 0), 100)
	require.NoError(t, err)
	e.mustSend(e.workerAuth, nil, ix)
	_, err = e.l.Advance(10)
	require.NoError(t, err)

	clock, err := e.l.GetClock(context.Background())
	require.NoError(t, err)
	rotate, err = pool.NewPoolRotateInstruction(second.Address(), pool.WorkerAddress(1), pool.PoolAddress(0), clock.Epoch)
	require.NoError(t, err)
	st = e.send(e.tx(second, nil, rotate))
	require.Contains(t, st.Err, "was not sampled")
}

func TestNetwork_AdminOnly(t *testing.T) {
	e := newTestEnv(t)
	ix, err := pool.NewPoolUpdateInstruction(e.authority.Address(), pool.PoolAddress(0), 3)
	require.NoError(t, err)
	st := e.send(e.tx(e.authority, nil, ix))
	require.Contains(t, st.Err, errNotAdmin.Error())

	ix, err = pool.NewPoolUpdateInstruction(e.admin.Address(), pool.PoolAddress(0), 3)
	require.NoError(t, err)
	e.mustSend(e.admin, nil, ix)

	ix, err = pool.NewPoolCreateInstruction(e.admin.Address(), 1, 0)
	require.NoError(t, err)
	e.mustSend(e.admin, nil, ix)
	acc, err := e.l.GetAccount(context.Background(), pool.PoolAddress(1))
	require.NoError(t, err)
	p, err := pool.DecodePool(acc.Data)
	require.NoError(t, err)
	require.EqualValues(t, pool.DefaultPoolSize, p.Size)
}
