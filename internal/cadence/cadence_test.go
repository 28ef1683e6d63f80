package cadence

import (
	"testing"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestNextFireTime(t *testing.T) {
	tests := []struct {
		name      string
		frequency domain.Frequency
		now       time.Time
		expected  time.Time
	}{
		{
			name:      "weekly example",
			frequency: domain.FrequencyWeekly,
			now:       time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			expected:  time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily after delivery hour",
			frequency: domain.FrequencyDaily,
			now:       time.Date(2024, 1, 1, 9, 5, 0, 0, time.UTC),
			expected:  time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily before delivery hour",
			frequency: domain.FrequencyDaily,
			now:       time.Date(2024, 1, 1, 6, 30, 0, 0, time.UTC),
			expected:  time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "biweekly is three days",
			frequency: domain.FrequencyBiweekly,
			now:       time.Date(2024, 1, 1, 23, 59, 59, 999, time.UTC),
			expected:  time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "unknown falls back to weekly",
			frequency: domain.Frequency("monthly"),
			now:       time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
			expected:  time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "empty falls back to weekly",
			frequency: "",
			now:       time.Date(2024, 2, 26, 12, 0, 0, 0, time.UTC),
			expected:  time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "month rollover",
			frequency: domain.FrequencyDaily,
			now:       time.Date(2024, 1, 31, 18, 0, 0, 0, time.UTC),
			expected:  time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "leap day",
			frequency: domain.FrequencyBiweekly,
			now:       time.Date(2024, 2, 27, 8, 0, 0, 0, time.UTC),
			expected:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NextFireTime(tt.frequency, tt.now))
		})
	}
}

func TestNextFireTime_Properties(t *testing.T) {
	frequencies := []domain.Frequency{
		domain.FrequencyDaily,
		domain.FrequencyWeekly,
		domain.FrequencyBiweekly,
	}

	locations := []*time.Location{time.UTC, time.FixedZone("UTC+14", 14*3600), time.FixedZone("UTC-11", -11*3600)}

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, loc := range locations {
		for _, f := range frequencies {
			// Every 17 minutes with sub-second noise across two days.
			for i := 0; i < 2*24*60/17; i++ {
				now := start.Add(time.Duration(i)*17*time.Minute + 123456789*time.Nanosecond).In(loc)
				next := NextFireTime(f, now)

				assert.True(t, next.After(now.Add(time.Minute)), "frequency %s now %s next %s", f, now, next)
				assert.Equal(t, DeliveryHour, next.Hour())
				assert.Zero(t, next.Minute())
				assert.Zero(t, next.Second())
				assert.Zero(t, next.Nanosecond())
				assert.Equal(t, loc, next.Location())
			}
		}
	}
}

func TestNextFireTime_UnknownMatchesWeekly(t *testing.T) {
	now := time.Date(2024, 6, 15, 13, 37, 0, 0, time.UTC)
	assert.Equal(t, NextFireTime(domain.FrequencyWeekly, now), NextFireTime("fortnightly", now))
}

func TestIntervalDays(t *testing.T) {
	assert.Equal(t, 1, IntervalDays(domain.FrequencyDaily))
	assert.Equal(t, 7, IntervalDays(domain.FrequencyWeekly))
	assert.Equal(t, 3, IntervalDays(domain.FrequencyBiweekly))
	assert.Equal(t, 7, IntervalDays("bogus"))
}
