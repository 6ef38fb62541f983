package engine

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestGenerateChunks(t *testing.T) {
	tests := []struct {
		name   string
		from   time.Time
		to     time.Time
		months int
		want   []Chunk
	}{
		{
			name: "mid-month start, three-month windows",
			from: date(2024, time.April, 15), to: date(2024, time.September, 15), months: 3,
			want: []Chunk{
				{From: date(2024, time.April, 15), To: date(2024, time.June, 30), Month: "202406"},
				{From: date(2024, time.July, 1), To: date(2024, time.September, 15), Month: "202409"},
			},
		},
		{
			name: "single window shorter than the span",
			from: date(2024, time.January, 1), to: date(2024, time.February, 10), months: 3,
			want: []Chunk{
				{From: date(2024, time.January, 1), To: date(2024, time.February, 10), Month: "202402"},
			},
		},
		{
			name: "one-month windows cross a year boundary",
			from: date(2023, time.November, 20), to: date(2024, time.January, 31), months: 1,
			want: []Chunk{
				{From: date(2023, time.November, 20), To: date(2023, time.November, 30), Month: "202311"},
				{From: date(2023, time.December, 1), To: date(2023, time.December, 31), Month: "202312"},
				{From: date(2024, time.January, 1), To: date(2024, time.January, 31), Month: "202401"},
			},
		},
		{
			name: "from equals to",
			from: date(2024, time.May, 5), to: date(2024, time.May, 5), months: 3,
			want: []Chunk{
				{From: date(2024, time.May, 5), To: date(2024, time.May, 5), Month: "202405"},
			},
		},
		{
			name: "from after to yields nothing",
			from: date(2024, time.June, 1), to: date(2024, time.May, 1), months: 3,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateChunks(tt.from, tt.to, tt.months)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if !got[i].From.Equal(tt.want[i].From) || !got[i].To.Equal(tt.want[i].To) || got[i].Month != tt.want[i].Month {
					t.Errorf("chunk %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// Consecutive chunks must tile the period exactly: the first starts at
// from, the last ends at to, and each next chunk starts the day after
// the previous one ends.
func TestGenerateChunksCoverage(t *testing.T) {
	from := date(2021, time.February, 11)
	to := date(2024, time.August, 7)

	for _, months := range []int{1, 2, 3, 6, 12} {
		chunks := GenerateChunks(from, to, months)
		if len(chunks) == 0 {
			t.Fatalf("months=%d: no chunks", months)
		}
		if !chunks[0].From.Equal(from) {
			t.Errorf("months=%d: first chunk starts %v, want %v", months, chunks[0].From, from)
		}
		if !chunks[len(chunks)-1].To.Equal(to) {
			t.Errorf("months=%d: last chunk ends %v, want %v", months, chunks[len(chunks)-1].To, to)
		}
		for i := 1; i < len(chunks); i++ {
			if !chunks[i].From.Equal(chunks[i-1].To.AddDate(0, 0, 1)) {
				t.Errorf("months=%d: gap between chunk %d and %d: %v → %v",
					months, i-1, i, chunks[i-1].To, chunks[i].From)
			}
			if chunks[i].Month <= chunks[i-1].Month {
				t.Errorf("months=%d: labels not increasing: %s then %s",
					months, chunks[i-1].Month, chunks[i].Month)
			}
		}
	}
}
