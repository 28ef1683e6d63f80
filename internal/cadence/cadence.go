// Package cadence computes delivery fire times from a subscriber's frequency.
package cadence

import (
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
)

// DeliveryHour is the wall-clock hour every digest is delivered at.
const DeliveryHour = 9

// minLead is the minimum distance between now and the next fire time.
const minLead = time.Minute

// IntervalDays returns the number of whole days between deliveries.
// Biweekly means twice a week: 3.5 days rounded down to 3.
// Unknown frequencies fall back to weekly.
func IntervalDays(f domain.Frequency) int {
	switch f {
	case domain.FrequencyDaily:
		return 1
	case domain.FrequencyWeekly:
		return 7
	case domain.FrequencyBiweekly:
		return 3
	default:
		return 7
	}
}

// NextFireTime returns the next delivery instant for f, computed in now's location.
// The result is always at DeliveryHour:00:00.000 and strictly later than now plus one minute.
func NextFireTime(f domain.Frequency, now time.Time) time.Time {
	next := atDeliveryHour(now.AddDate(0, 0, IntervalDays(f)))

	if !next.After(now.Add(minLead)) {
		next = atDeliveryHour(next.AddDate(0, 0, 1))
	}

	return next
}

func atDeliveryHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), DeliveryHour, 0, 0, 0, t.Location())
}
