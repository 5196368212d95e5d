package observer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/automaton/internal/automation"
	test "github.com/alphabill-org/automaton/internal/testutils"
	"github.com/alphabill-org/automaton/internal/types"
)

const t0 = 1_700_000_000

func newAutomation(t *testing.T, trigger automation.Trigger) (types.Address, *automation.Automation) {
	ix := types.NewMemoInstruction("step")
	a, err := automation.New(test.RandomAddress(), test.RandomBytes(8), "test", types.Clock{Slot: 1, UnixTimestamp: t0}, []*types.Instruction{ix}, trigger, 0, 0)
	require.NoError(t, err)
	return a.Address(), a
}

func dueAddresses(due []Due) []types.Address {
	res := make([]types.Address, len(due))
	for i, d := range due {
		res[i] = d.Address
	}
	return res
}

func TestImmediate_PlacedOnceAndCrankable(t *testing.T) {
	o := New()
	id, a := newAutomation(t, &automation.ImmediateTrigger{})

	o.OnAutomationObserved(id, a)
	require.True(t, o.IsCrankable(id))
	require.Equal(t, []types.Address{id}, dueAddresses(o.Drain()))
	require.False(t, o.IsCrankable(id))

	// kicked off
	require.NoError(t, automation.Kickoff(a, types.Clock{Slot: 2, UnixTimestamp: t0 + 1}, nil))
	o.OnAutomationObserved(id, a)
	require.True(t, o.IsCrankable(id))
	require.Len(t, o.Drain(), 1)

	// executed its only instruction
	_, err := automation.Exec(a, types.Clock{Slot: 2, UnixTimestamp: t0 + 1}, nil)
	require.NoError(t, err)
	require.Nil(t, a.NextInstruction)
	o.OnAutomationObserved(id, a)
	require.False(t, o.IsCrankable(id))
	require.Zero(t, o.Tracked())
	o.OnSlotConfirmed(types.Clock{Slot: 100, Epoch: 10, UnixTimestamp: t0 + 1000})
	require.Empty(t, o.Drain())
}

func TestPaused(t *testing.T) {
	o := New()
	id, a := newAutomation(t, &automation.ImmediateTrigger{})
	o.OnAutomationObserved(id, a)
	require.True(t, o.IsCrankable(id))

	a.Paused = true
	o.OnAutomationObserved(id, a)
	require.False(t, o.IsCrankable(id))
	require.Zero(t, o.Tracked())
	require.Empty(t, o.Drain())
}

func TestCron(t *testing.T) {
	o := New()
	id, a := newAutomation(t, &automation.CronTrigger{Schedule: "*/15 * * * * * *", Skippable: true})
	o.OnAutomationObserved(id, a)
	require.Equal(t, Stats{Timestamp: 1}, o.Stats())

	// t0 is divisible by 5 but not by 15 so the next occurrence is t0+10
	require.Zero(t, o.OnSlotConfirmed(types.Clock{Slot: 2, UnixTimestamp: t0 + 9}))
	require.False(t, o.IsCrankable(id))
	require.Equal(t, 1, o.OnSlotConfirmed(types.Clock{Slot: 3, UnixTimestamp: t0 + 100}))
	require.True(t, o.IsCrankable(id))
	require.Equal(t, Stats{Crankable: 1}, o.Stats())

	due := o.Drain()
	require.Equal(t, []Due{{Address: id, DueSince: 3}}, due)

	// skippable kickoff at t0+100 moves the reference to t0+100
	require.NoError(t, automation.Kickoff(a, types.Clock{Slot: 3, UnixTimestamp: t0 + 100}, nil))
	_, err := automation.Exec(a, types.Clock{Slot: 3, UnixTimestamp: t0 + 100}, nil)
	require.NoError(t, err)
	o.OnAutomationObserved(id, a)
	require.Zero(t, o.OnSlotConfirmed(types.Clock{Slot: 4, UnixTimestamp: t0 + 101}))
	require.Equal(t, 1, o.OnSlotConfirmed(types.Clock{Slot: 5, UnixTimestamp: t0 + 115}))
}

func TestCron_NoFutureOccurrence(t *testing.T) {
	o := New()
	id, a := newAutomation(t, &automation.CronTrigger{Schedule: "0 0 0 1 1 * 2020"})
	o.OnAutomationObserved(id, a)
	require.Zero(t, o.Tracked())
	require.Equal(t, Stats{}, o.Stats())
}

func TestAccount_DataChangeMakesCrankable(t *testing.T) {
	o := New()
	watched := test.RandomAddress()
	id, a := newAutomation(t, &automation.AccountTrigger{Address: watched, Offset: 0, Size: 32})
	o.OnAutomationObserved(id, a)
	require.Equal(t, Stats{Account: 1}, o.Stats())

	// unrelated account
	require.Zero(t, o.OnAccountUpdate(test.RandomAddress(), make([]byte, 128)))

	data := make([]byte, 128)
	data[5] = 1
	require.Equal(t, 1, o.OnAccountUpdate(watched, data))
	require.True(t, o.IsCrankable(id))
	require.Equal(t, Stats{Crankable: 1}, o.Stats())
	o.Drain()

	require.NoError(t, automation.Kickoff(a, types.Clock{Slot: 2}, &automation.AccountData{Address: watched, Data: data}))
	_, err := automation.Exec(a, types.Clock{Slot: 2}, nil)
	require.NoError(t, err)
	o.OnAutomationObserved(id, a)
	require.Equal(t, Stats{Account: 1}, o.Stats())

	// change outside of the watched range
	data[70] = 7
	require.Zero(t, o.OnAccountUpdate(watched, data))
	require.False(t, o.IsCrankable(id))
	require.Equal(t, Stats{Account: 1}, o.Stats())

	// change inside of the range
	data[31] = 9
	require.Equal(t, 1, o.OnAccountUpdate(watched, data))
	require.True(t, o.IsCrankable(id))
}

func TestThresholds(t *testing.T) {
	o := New()
	slotID, slotA := newAutomation(t, &automation.SlotTrigger{Slot: 10})
	epochID, epochA := newAutomation(t, &automation.EpochTrigger{Epoch: 2})
	tsID, tsA := newAutomation(t, &automation.TimestampTrigger{UnixTimestamp: t0 + 50})
	o.OnAutomationObserved(slotID, slotA)
	o.OnAutomationObserved(epochID, epochA)
	o.OnAutomationObserved(tsID, tsA)
	require.Equal(t, Stats{Slot: 1, Epoch: 1, Timestamp: 1}, o.Stats())

	require.Zero(t, o.OnSlotConfirmed(types.Clock{Slot: 9, Epoch: 1, UnixTimestamp: t0 + 49}))
	require.Equal(t, 2, o.OnSlotConfirmed(types.Clock{Slot: 10, Epoch: 1, UnixTimestamp: t0 + 50}))
	require.ElementsMatch(t, []types.Address{slotID, tsID}, dueAddresses(o.Drain()))
	require.Equal(t, 1, o.OnSlotConfirmed(types.Clock{Slot: 20, Epoch: 2, UnixTimestamp: t0 + 60}))
	require.Equal(t, []Due{{Address: epochID, DueSince: 20}}, o.Drain())
}

func TestMoveIsAtomic(t *testing.T) {
	o := New()
	watched, other := test.RandomAddress(), test.RandomAddress()
	id, a := newAutomation(t, &automation.AccountTrigger{Address: watched, Size: 8})
	o.OnAutomationObserved(id, a)

	// automation is moved to another index while its old bucket is being
	// processed, the stale entry must not be promoted
	b := o.accounts.pop(watched)
	a.Trigger = &automation.AccountTrigger{Address: other, Size: 8}
	o.OnAutomationObserved(id, a)
	for id, gen := range b {
		o.accounts.add(watched, id, gen)
	}
	require.Zero(t, o.OnAccountUpdate(watched, []byte{1}))
	require.False(t, o.IsCrankable(id))
	require.Equal(t, 1, o.OnAccountUpdate(other, []byte{1}))
	require.Len(t, o.Drain(), 1)
}

func TestRequeue(t *testing.T) {
	o := New()
	id, a := newAutomation(t, &automation.ImmediateTrigger{})
	o.OnSlotConfirmed(types.Clock{Slot: 7})
	o.OnAutomationObserved(id, a)
	due := o.Drain()
	require.Equal(t, []Due{{Address: id, DueSince: 7}}, due)

	o.OnSlotConfirmed(types.Clock{Slot: 9})
	o.Requeue(due...)
	require.Equal(t, due, o.Drain())

	// removed automations are not requeued
	o.Remove(id)
	o.Requeue(due...)
	require.Empty(t, o.Drain())
}

func TestConcurrentEvents(t *testing.T) {
	o := New()
	watched := test.RandomAddress()
	var ids []types.Address
	var autos []*automation.Automation
	for i := 0; i < 50; i++ {
		id, a := newAutomation(t, &automation.AccountTrigger{Address: watched, Size: 8})
		ids = append(ids, id)
		autos = append(autos, a)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := range ids {
			o.OnAutomationObserved(ids[i], autos[i])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			o.OnAccountUpdate(watched, []byte{byte(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			o.Drain()
		}
	}()
	wg.Wait()

	// every automation is in exactly one place
	o.OnAccountUpdate(watched, []byte{0xff})
	st := o.Stats()
	require.Zero(t, st.Account)
	drained := len(o.Drain())
	require.LessOrEqual(t, drained, len(ids))
	require.Equal(t, len(ids), o.Tracked())
}
