package engine

import "time"

// Clock supplies timestamps to the engine.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock. Its values carry Go's monotonic reading,
// so durations computed between two of them never go negative.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// elapsedMillis returns end-start in milliseconds, clamped at zero.
func elapsedMillis(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
