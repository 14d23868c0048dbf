package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "5days", want: 5 * 24 * time.Hour},
		{in: "600s", want: 600 * time.Second},
		{in: "10minutes", want: 10 * time.Minute},
		{in: "0s", want: 0},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "2 days 4 hours", want: 52 * time.Hour},
		{in: "1w", want: 7 * 24 * time.Hour},
		{in: "3600", want: time.Hour},
		{in: "", wantErr: true},
		{in: "days", wantErr: true},
		{in: "5 fortnights", wantErr: true},
		{in: "-5s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSchedule(t *testing.T) {
	last := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("interval", func(t *testing.T) {
		s, err := ParseSchedule("10minutes")
		require.NoError(t, err)
		assert.Equal(t, last.Add(10*time.Minute), s.Next(last))
	})

	t.Run("zero_interval_is_always_due", func(t *testing.T) {
		s, err := ParseSchedule("0s")
		require.NoError(t, err)
		assert.Equal(t, last, s.Next(last))
	})

	t.Run("cron_expression", func(t *testing.T) {
		s, err := ParseSchedule("0 3 * * *")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC), s.Next(last))
	})

	t.Run("cron_every", func(t *testing.T) {
		s, err := ParseSchedule("@every 2h")
		require.NoError(t, err)
		assert.Equal(t, last.Add(2*time.Hour), s.Next(last))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ParseSchedule("sometimes")
		assert.Error(t, err)
	})
}
