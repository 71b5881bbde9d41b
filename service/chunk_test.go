package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMonthChunks(t *testing.T) {
	cases := []struct {
		name  string
		start time.Time
		end   time.Time
		want  []dateRange
	}{
		{
			name:  "within one month",
			start: day(2026, time.March, 5),
			end:   day(2026, time.March, 20),
			want:  []dateRange{{day(2026, time.March, 5), day(2026, time.March, 20)}},
		},
		{
			name:  "two partial months",
			start: day(2026, time.January, 20),
			end:   day(2026, time.February, 10),
			want: []dateRange{
				{day(2026, time.January, 20), day(2026, time.January, 31)},
				{day(2026, time.February, 1), day(2026, time.February, 10)},
			},
		},
		{
			name:  "full months in the middle",
			start: day(2025, time.November, 15),
			end:   day(2026, time.February, 3),
			want: []dateRange{
				{day(2025, time.November, 15), day(2025, time.November, 30)},
				{day(2025, time.December, 1), day(2025, time.December, 31)},
				{day(2026, time.January, 1), day(2026, time.January, 31)},
				{day(2026, time.February, 1), day(2026, time.February, 3)},
			},
		},
		{
			name:  "leap february",
			start: day(2024, time.February, 1),
			end:   day(2024, time.March, 1),
			want: []dateRange{
				{day(2024, time.February, 1), day(2024, time.February, 29)},
				{day(2024, time.March, 1), day(2024, time.March, 1)},
			},
		},
		{
			name:  "start equals end",
			start: day(2026, time.June, 1),
			end:   day(2026, time.June, 1),
			want:  nil,
		},
		{
			name:  "start after end",
			start: day(2026, time.June, 2),
			end:   day(2026, time.June, 1),
			want:  nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := monthChunks(tc.start, tc.end)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMonthChunksProperties(t *testing.T) {
	start := day(2024, time.September, 10)
	end := day(2026, time.August, 29)
	chunks := monthChunks(start, end)

	require.NotEmpty(t, chunks)
	assert.Equal(t, start, chunks[0].start)
	assert.Equal(t, end, chunks[len(chunks)-1].end)

	for i, c := range chunks {
		assert.False(t, c.end.Before(c.start), "chunk %d is inverted", i)
		assert.False(t, c.end.After(end), "chunk %d runs past the overall end", i)
		if i > 0 {
			assert.Equal(t, chunks[i-1].end.AddDate(0, 0, 1), c.start, "gap before chunk %d", i)
		}
		if i > 0 && i < len(chunks)-1 {
			assert.Equal(t, 1, c.start.Day(), "middle chunk %d does not start the month", i)
			assert.Equal(t, lastOfMonth(c.start), c.end, "middle chunk %d does not cover the month", i)
		}
	}
}
