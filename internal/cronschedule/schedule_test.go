package cronschedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ts(y int, m time.Month, d, h, min, s int) int64 {
	return time.Date(y, m, d, h, min, s, 0, time.UTC).Unix()
}

func TestParse(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr string
	}{
		{expr: "*/15 * * * * *"},
		{expr: "*/15 * * * * * *"},
		{expr: "0 0 12 * * MON 2030-2035"},
		{expr: "0 0 0 1 1 * 2040,2050/5"},
		{expr: "@hourly"},
		{expr: "@every 10s"},
		{expr: "", wantErr: "empty cron expression"},
		{expr: "* * * * *", wantErr: "expected 6 or 7 fields"},
		{expr: "* * * * * * 1900", wantErr: "out of range"},
		{expr: "* * * * * * 2040-2030", wantErr: "invalid year range"},
		{expr: "* * * * * * */0", wantErr: "invalid year step"},
		{expr: "61 * * * * *", wantErr: "invalid cron expression"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := Parse(tt.expr)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expr, s.String())
		})
	}
}

func TestNext_StrictlyAfter(t *testing.T) {
	s, err := Parse("*/15 * * * * * *")
	require.NoError(t, err)

	t0 := ts(2030, 1, 1, 0, 0, 0)
	next, ok := s.Next(t0)
	require.True(t, ok)
	require.Equal(t, t0+15, next)

	next, ok = s.Next(t0 + 1)
	require.True(t, ok)
	require.Equal(t, t0+15, next)

	require.Equal(t, []int64{t0 + 15, t0 + 30, t0 + 45}, s.Upcoming(t0, 3))
}

func TestNext_YearField(t *testing.T) {
	s, err := Parse("0 0 0 1 1 * 2040,2042")
	require.NoError(t, err)

	next, ok := s.Next(ts(2030, 6, 1, 0, 0, 0))
	require.True(t, ok)
	require.Equal(t, ts(2040, 1, 1, 0, 0, 0), next)

	next, ok = s.Next(next)
	require.True(t, ok)
	require.Equal(t, ts(2042, 1, 1, 0, 0, 0), next)

	_, ok = s.Next(next)
	require.False(t, ok, "no occurrences after the last listed year")
}

func TestNext_Shortcut(t *testing.T) {
	next, ok, err := Next("0 0 * * * *", ts(2030, 1, 1, 10, 30, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ts(2030, 1, 1, 11, 0, 0), next)

	_, _, err = Next("bogus", 0)
	require.Error(t, err)
}
