package service

import "time"

// dateRange is one retrieval window, both ends inclusive.
type dateRange struct {
	start time.Time
	end   time.Time
}

// monthChunks splits [start, end] into calendar-month-aligned windows: the
// first window runs from start to the last day of start's month, each
// following window covers one full month, and the final window is clipped to
// end. The remote daily endpoint caps a request at roughly one month, so long
// ranges are walked one month at a time. Returns no windows when start is not
// strictly before end.
func monthChunks(start, end time.Time) []dateRange {
	var chunks []dateRange
	cur := dateOnly(start)
	stop := dateOnly(end)
	for cur.Before(stop) {
		chunkEnd := lastOfMonth(cur)
		if stop.Before(chunkEnd) {
			chunkEnd = stop
		}
		chunks = append(chunks, dateRange{start: cur, end: chunkEnd})
		cur = firstOfNextMonth(cur)
	}
	return chunks
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func lastOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 0, -1)
}

func firstOfNextMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
}
