package scheduling

import "time"

// Overlaps reports whether two half-open windows [start, start+duration)
// intersect. Touching boundaries do not overlap: an appointment ending at
// 09:30 and one starting at 09:30 coexist.
func Overlaps(aStart time.Time, aDuration time.Duration, bStart time.Time, bDuration time.Duration) bool {
	aEnd := aStart.Add(aDuration)
	bEnd := bStart.Add(bDuration)
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// blocksHold reports whether an existing overlapping row prevents the given
// hold from confirming. Scheduled rows always block. A competing hold blocks
// only when it predates ours, so of two racing holds the earlier one wins
// and the later one backs off. Creation-time ties break on id.
func blocksHold(existing, hold *Appointment) bool {
	if existing.Status == StatusScheduled {
		return true
	}
	if existing.Status != StatusHeld {
		return false
	}
	if existing.CreatedAt.Equal(hold.CreatedAt) {
		return existing.ID.String() < hold.ID.String()
	}
	return existing.CreatedAt.Before(hold.CreatedAt)
}
