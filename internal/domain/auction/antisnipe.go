package auction

import "time"

// ExtendDeadline applies the anti-snipe rule: a bid landing inside the window
// before endTime pushes the deadline to bidTime+window. A zero window disables
// extension entirely. Pure; every admitted bid re-applies it against the
// then-current deadline, so a flurry of late bids keeps moving the close
// forward.
func ExtendDeadline(endTime time.Time, window time.Duration, bidTime time.Time) time.Time {
	if window <= 0 {
		return endTime
	}
	if bidTime.Before(endTime.Add(-window)) {
		return endTime
	}
	return bidTime.Add(window)
}
