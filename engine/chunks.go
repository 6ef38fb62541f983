package engine

import "time"

// Chunk is one snapshot fetch window. Month is the YYYYMM label of the
// window's end month; it is what the resume watermark stores, so two
// runs over the same period always produce identical labels.
type Chunk struct {
	From  time.Time
	To    time.Time
	Month string
}

// GenerateChunks splits [from, to] into consecutive windows of at most
// `months` calendar months. The first window starts exactly at from;
// every later window starts on the first day of a month; the last
// window is clamped at to. Windows never overlap and never leave gaps.
func GenerateChunks(from, to time.Time, months int) []Chunk {
	if months <= 0 {
		months = 3
	}
	from = truncateDay(from)
	to = truncateDay(to)

	var chunks []Chunk
	for cur := from; !cur.After(to); {
		// Last day of the month `months-1` after cur's month.
		end := time.Date(cur.Year(), cur.Month()+time.Month(months), 0, 0, 0, 0, 0, cur.Location())
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, Chunk{
			From:  cur,
			To:    end,
			Month: end.Format("200601"),
		})
		cur = end.AddDate(0, 0, 1)
	}
	return chunks
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
