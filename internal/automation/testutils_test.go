package automation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/automaton/internal/types"
)

var (
	testAuthority = types.DeriveAddress(types.ZeroAddress, []byte("authority"))
	testProgram   = types.MemoProgramID
)

func testInstruction(n byte) *types.Instruction {
	return &types.Instruction{
		ProgramID: testProgram,
		Accounts:  []types.AccountMeta{},
		Data:      []byte{n},
	}
}

func newTestAutomation(t *testing.T, trigger Trigger, ixs ...*types.Instruction) *Automation {
	t.Helper()
	a, err := New(testAuthority, []byte("test"), "test", types.Clock{Slot: 1, UnixTimestamp: 1_900_000_000}, ixs, trigger, 0, 1000)
	require.NoError(t, err)
	return a
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	c, ok := CodeOf(err)
	require.True(t, ok, "not a taxonomy error: %v", err)
	require.Equal(t, code, c, "unexpected error: %v", err)
}
