package automation

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/automaton/internal/types"
)

func TestKickoff_ImmediateSinglePipeline(t *testing.T) {
	x := testInstruction(1)
	a := newTestAutomation(t, &ImmediateTrigger{}, x)
	now := types.Clock{Slot: 10, UnixTimestamp: 1_900_000_010}

	require.NoError(t, Kickoff(a, now, nil))
	require.Equal(t, x, a.NextInstruction)
	require.EqualValues(t, 0, a.ExecContext.ExecIndex)
	require.EqualValues(t, 10, a.ExecContext.LastExecAt)
	require.IsType(t, &ImmediateContext{}, a.ExecContext.TriggerContext)

	out, err := Exec(a, now, nil)
	require.NoError(t, err)
	require.Nil(t, a.NextInstruction)
	require.True(t, a.Idle())
	require.True(t, a.Spent())
	require.True(t, out.Reimburse, "finished pipeline pays base fee reimbursement")
	require.EqualValues(t, 1000, out.Fee)

	// fires exactly once
	requireCode(t, Kickoff(a, now, nil), InvalidAutomationState)
}

func TestKickoff_PausedAndBusy(t *testing.T) {
	a := newTestAutomation(t, &ImmediateTrigger{}, testInstruction(1))
	require.NoError(t, Pause(a))
	require.ErrorIs(t, Kickoff(a, types.Clock{}, nil), ErrAutomationPaused)
	require.NoError(t, Resume(a, types.Clock{}))

	require.NoError(t, Kickoff(a, types.Clock{}, nil))
	require.ErrorIs(t, Kickoff(a, types.Clock{}, nil), ErrAutomationBusy)
}

func TestKickoff_Cron(t *testing.T) {
	t0 := int64(1_900_000_020) // multiple of 15
	tests := []struct {
		name        string
		skippable   bool
		now         int64
		wantStarted int64
		wantCode    ErrorCode
	}{
		{name: "before first occurrence", now: t0 + 14, wantCode: TriggerNotActive},
		{name: "skippable at occurrence", skippable: true, now: t0 + 15, wantStarted: t0 + 15},
		// missed occurrences are not replayed
		{name: "skippable long after", skippable: true, now: t0 + 100, wantStarted: t0 + 100},
		{name: "non-skippable long after", now: t0 + 100, wantStarted: t0 + 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAutomation(t, &CronTrigger{Schedule: "*/15 * * * * * *", Skippable: tt.skippable}, testInstruction(1))
			a.CreatedAt.UnixTimestamp = t0
			err := Kickoff(a, types.Clock{Slot: 5, UnixTimestamp: tt.now}, nil)
			if tt.wantCode != 0 {
				requireCode(t, err, tt.wantCode)
				require.Nil(t, a.ExecContext)
				require.Nil(t, a.NextInstruction)
				return
			}
			require.NoError(t, err)
			require.Equal(t, &CronContext{StartedAt: tt.wantStarted}, a.ExecContext.TriggerContext)
		})
	}
}

func TestKickoff_CronNonSkippableVisitsEveryOccurrence(t *testing.T) {
	t0 := int64(1_900_000_020)
	a := newTestAutomation(t, &CronTrigger{Schedule: "*/15 * * * * * *"}, testInstruction(1))
	a.CreatedAt.UnixTimestamp = t0
	now := types.Clock{Slot: 7, UnixTimestamp: t0 + 100}

	for i := int64(1); i <= 6; i++ {
		require.NoError(t, Kickoff(a, now, nil))
		require.Equal(t, &CronContext{StartedAt: t0 + 15*i}, a.ExecContext.TriggerContext)
		_, err := Exec(a, now, nil)
		require.NoError(t, err)
		now.Slot++
	}
	// t0+105 is in the future
	requireCode(t, Kickoff(a, now, nil), TriggerNotActive)
}

func TestKickoff_CronSkippableCollapsesMissedOccurrences(t *testing.T) {
	t0 := int64(1_900_000_020)
	a := newTestAutomation(t, &CronTrigger{Schedule: "*/15 * * * * * *", Skippable: true}, testInstruction(1))
	a.CreatedAt.UnixTimestamp = t0

	require.NoError(t, Kickoff(a, types.Clock{Slot: 1, UnixTimestamp: t0 + 100}, nil))
	_, err := Exec(a, types.Clock{Slot: 1, UnixTimestamp: t0 + 100}, nil)
	require.NoError(t, err)
	// next occurrence after t0+100 is t0+105
	requireCode(t, Kickoff(a, types.Clock{Slot: 2, UnixTimestamp: t0 + 104}, nil), TriggerNotActive)
	require.NoError(t, Kickoff(a, types.Clock{Slot: 3, UnixTimestamp: t0 + 106}, nil))
	require.Equal(t, &CronContext{StartedAt: t0 + 106}, a.ExecContext.TriggerContext)
}

func TestKickoff_AccountChangeWithinRange(t *testing.T) {
	watched := types.DeriveAddress(types.ZeroAddress, []byte("watched"))
	a := newTestAutomation(t, &AccountTrigger{Address: watched, Offset: 0, Size: 32}, testInstruction(1))
	data := make([]byte, 128)
	now := types.Clock{Slot: 3}

	// first observation is the baseline
	require.NoError(t, Kickoff(a, now, &AccountData{Address: watched, Data: data}))
	_, err := Exec(a, now, nil)
	require.NoError(t, err)

	// same data, not triggered
	requireCode(t, Kickoff(a, now, &AccountData{Address: watched, Data: data}), TriggerNotActive)

	// change within watched range
	changed := append([]byte{}, data...)
	changed[5] = 1
	require.NoError(t, Kickoff(a, now, &AccountData{Address: watched, Data: changed}))
	_, err = Exec(a, now, nil)
	require.NoError(t, err)

	// change outside of the watched range
	unrelated := append([]byte{}, changed...)
	unrelated[70] = 9
	requireCode(t, Kickoff(a, now, &AccountData{Address: watched, Data: unrelated}), TriggerNotActive)

	// wrong account and missing proof
	requireCode(t, Kickoff(a, now, &AccountData{Address: testAuthority, Data: data}), InvalidAutomationState)
	requireCode(t, Kickoff(a, now, nil), TriggerNotActive)
}

func TestDataHash_RangeIsClamped(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.Equal(t, DataHash(data, 2, 2), DataHash(data, 2, 100))
	require.Equal(t, DataHash(nil, 0, 0), DataHash(data, 10, 5))
	require.NotEqual(t, DataHash(data, 0, 2), DataHash(data, 2, 2))
	require.Equal(t, DataHash(data, 1, ^uint64(0)), DataHash(data, 1, 3))
}

func TestKickoff_Thresholds(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		early   types.Clock
		due     types.Clock
		wantCtx TriggerContext
	}{
		{
			name:    "slot",
			trigger: &SlotTrigger{Slot: 100},
			early:   types.Clock{Slot: 99},
			due:     types.Clock{Slot: 120},
			wantCtx: &SlotContext{StartedAt: 120},
		},
		{
			name:    "epoch",
			trigger: &EpochTrigger{Epoch: 3},
			early:   types.Clock{Epoch: 2},
			due:     types.Clock{Epoch: 3},
			wantCtx: &EpochContext{StartedAt: 3},
		},
		{
			name:    "timestamp",
			trigger: &TimestampTrigger{UnixTimestamp: 2_000_000_000},
			early:   types.Clock{UnixTimestamp: 1_999_999_999},
			due:     types.Clock{UnixTimestamp: 2_000_000_001},
			wantCtx: &TimestampContext{StartedAt: 2_000_000_001},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAutomation(t, tt.trigger, testInstruction(1))
			requireCode(t, Kickoff(a, tt.early, nil), TriggerNotActive)
			require.NoError(t, Kickoff(a, tt.due, nil))
			require.Equal(t, tt.wantCtx, a.ExecContext.TriggerContext)
			_, err := Exec(a, tt.due, nil)
			require.NoError(t, err)
			require.True(t, a.Spent())
			requireCode(t, Kickoff(a, tt.due, nil), InvalidAutomationState)
		})
	}
}

func TestExec_AdvancesThroughPipeline(t *testing.T) {
	ixs := []*types.Instruction{testInstruction(1), testInstruction(2), testInstruction(3)}
	a := newTestAutomation(t, &ImmediateTrigger{}, ixs...)
	now := types.Clock{Slot: 1}
	require.NoError(t, Kickoff(a, now, nil))

	for i := 1; i < len(ixs); i++ {
		out, err := Exec(a, now, nil)
		require.NoError(t, err)
		require.False(t, out.Reimburse)
		require.Equal(t, ixs[i], a.NextInstruction)
		require.EqualValues(t, i, a.ExecContext.ExecIndex)
		require.EqualValues(t, i, a.ExecContext.ExecsSinceSlot)
	}
	out, err := Exec(a, now, nil)
	require.NoError(t, err)
	require.True(t, out.Reimburse)
	require.Nil(t, a.NextInstruction)
	require.Zero(t, a.ExecContext.ExecsSinceReimbursement)
}

func TestExec_RateLimit(t *testing.T) {
	a := newTestAutomation(t, &ImmediateTrigger{}, testInstruction(1))
	a.RateLimit = 2
	now := types.Clock{Slot: 1}
	require.NoError(t, Kickoff(a, now, nil))

	loop := func() *Response {
		r, err := NewResponse(nil, testInstruction(9), nil)
		require.NoError(t, err)
		return r
	}
	out, err := Exec(a, now, loop())
	require.NoError(t, err)
	require.False(t, out.Reimburse)
	out, err = Exec(a, now, loop())
	require.NoError(t, err)
	require.True(t, out.Reimburse, "rate limit worth of execs is reimbursed")
	require.EqualValues(t, 2, a.ExecContext.ExecsSinceSlot)

	before := a.Clone()
	_, err = Exec(a, now, loop())
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	require.Equal(t, before, a, "failed exec must not modify automation")
	require.ErrorIs(t, CheckRateLimit(a, now.Slot), ErrRateLimitExceeded)

	// next slot resets the counter
	now.Slot++
	require.NoError(t, CheckRateLimit(a, now.Slot))
	_, err = Exec(a, now, loop())
	require.NoError(t, err)
	require.EqualValues(t, 1, a.ExecContext.ExecsSinceSlot)
	require.EqualValues(t, 2, a.ExecContext.LastExecAt)
}

func TestExec_DynamicResponse(t *testing.T) {
	ixs := []*types.Instruction{testInstruction(1), testInstruction(2)}
	a := newTestAutomation(t, &CronTrigger{Schedule: "0 * * * * *"}, ixs...)
	now := types.Clock{Slot: 1, UnixTimestamp: a.CreatedAt.UnixTimestamp + 3600}
	require.NoError(t, Kickoff(a, now, nil))

	dyn := testInstruction(7)
	resp, err := NewResponse(nil, dyn, &CronTrigger{Schedule: "0 0 * * * *"})
	require.NoError(t, err)
	_, err = Exec(a, now, resp)
	require.NoError(t, err)
	require.Equal(t, dyn, a.NextInstruction)
	require.EqualValues(t, 0, a.ExecContext.ExecIndex, "dynamic instruction does not advance the index")
	require.Equal(t, &CronTrigger{Schedule: "0 0 * * * *"}, a.Trigger)
	require.Equal(t, &CronContext{StartedAt: now.UnixTimestamp}, a.ExecContext.TriggerContext)

	// after dynamic instruction the static pipeline continues
	_, err = Exec(a, now, nil)
	require.NoError(t, err)
	require.Equal(t, ixs[1], a.NextInstruction)
}

func TestResponse_TriggerSurvivesEncoding(t *testing.T) {
	closeTo := types.DeriveAddress(types.ZeroAddress, []byte("refund"))
	resp, err := NewResponse(&closeTo, testInstruction(3), &CronTrigger{Schedule: "0 0 * * * *", Skippable: true})
	require.NoError(t, err)
	data, err := cbor.Marshal(resp)
	require.NoError(t, err)

	decoded := &Response{}
	require.NoError(t, cbor.Unmarshal(data, decoded))
	require.Equal(t, resp, decoded)
	trigger, err := decoded.NewTrigger()
	require.NoError(t, err)
	require.Equal(t, &CronTrigger{Schedule: "0 0 * * * *", Skippable: true}, trigger)
}

func TestExec_CloseToWinsOverDynamicInstruction(t *testing.T) {
	a := newTestAutomation(t, &ImmediateTrigger{}, testInstruction(1))
	require.NoError(t, Kickoff(a, types.Clock{}, nil))
	closeTo := types.DeriveAddress(types.ZeroAddress, []byte("refund"))
	resp, err := NewResponse(&closeTo, testInstruction(2), nil)
	require.NoError(t, err)

	out, err := Exec(a, types.Clock{}, resp)
	require.NoError(t, err)
	require.True(t, out.Closed)
	require.Equal(t, closeTo, out.CloseTo)
	require.True(t, out.Reimburse)
}

func TestExec_ResponseValidation(t *testing.T) {
	watched := types.DeriveAddress(types.ZeroAddress, []byte("watched"))
	a := newTestAutomation(t, &AccountTrigger{Address: watched, Size: 8}, testInstruction(1))
	require.NoError(t, Kickoff(a, types.Clock{}, &AccountData{Address: watched}))

	wrongVariant, err := NewResponse(nil, nil, &ImmediateTrigger{})
	require.NoError(t, err)
	_, err = Exec(a, types.Clock{}, wrongVariant)
	requireCode(t, err, InvalidTriggerVariant)

	selfCall, err := NewResponse(nil, &types.Instruction{ProgramID: ProgramID}, nil)
	require.NoError(t, err)
	_, err = Exec(a, types.Clock{}, selfCall)
	requireCode(t, err, UnauthorizedWrite)

	writeSelf, err := NewResponse(nil, &types.Instruction{
		ProgramID: testProgram,
		Accounts:  []types.AccountMeta{types.NewAccountMeta(a.Address(), true, true)},
	}, nil)
	require.NoError(t, err)
	_, err = Exec(a, types.Clock{}, writeSelf)
	requireCode(t, err, UnauthorizedWrite)

	// same variant resets the baseline
	ok, err := NewResponse(nil, nil, &AccountTrigger{Address: watched, Offset: 8, Size: 8})
	require.NoError(t, err)
	_, err = Exec(a, types.Clock{}, ok)
	require.NoError(t, err)
	require.Equal(t, &AccountContext{}, a.ExecContext.TriggerContext)
	require.NoError(t, Kickoff(a, types.Clock{}, &AccountData{Address: watched}))
}

func TestExec_NotExecuting(t *testing.T) {
	a := newTestAutomation(t, &ImmediateTrigger{}, testInstruction(1))
	_, err := Exec(a, types.Clock{}, nil)
	requireCode(t, err, InvalidAutomationState)
}
