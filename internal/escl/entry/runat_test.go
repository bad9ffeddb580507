package entry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRunAt(t *testing.T) {
	jst := FixedZone(DefaultTimezone, DefaultOffsetMinutes)
	tests := []struct {
		name string
		date string
		dt   *DispatchTime
		want time.Time
	}{
		{"midnight default", "2024-05-02", nil, time.Date(2024, 4, 30, 15, 0, 0, 0, time.UTC)},
		{"with dispatch time", "2024-05-02", &DispatchTime{Hour: 9, Minute: 30}, time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC)},
		{"month boundary", "2024-03-01", &DispatchTime{Hour: 23, Minute: 59}, time.Date(2024, 2, 29, 14, 59, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ComputeRunAt(tt.date, tt.dt, jst)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestComputeRunAtRejectsBadInput(t *testing.T) {
	for _, date := range []string{"2024-5-2", "2024-02-30", "tomorrow", ""} {
		_, err := ComputeRunAt(date, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidDate, date)
	}
	_, err := ComputeRunAt("2024-05-02", &DispatchTime{Hour: 24}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseDispatchTime(t *testing.T) {
	dt, err := ParseDispatchTime(" 9:05 ")
	require.NoError(t, err)
	assert.Equal(t, DispatchTime{Hour: 9, Minute: 5}, dt)

	for _, s := range []string{"24:00", "12:60", "noon", "1230"} {
		_, err := ParseDispatchTime(s)
		assert.ErrorIs(t, err, ErrInvalidInput, s)
	}
}

func TestFormatWait(t *testing.T) {
	assert.Equal(t, "1h 2m 3s", formatWait(time.Hour+2*time.Minute+3*time.Second+400*time.Millisecond))
}
