package auth

import "time"

// EnforceMinDuration sleeps until at least min has elapsed since start.
// Login handlers call it last so fast failure paths are padded to the same
// floor as the slow ones.
func EnforceMinDuration(start time.Time, min time.Duration) {
	if elapsed := time.Since(start); elapsed < min {
		time.Sleep(min - elapsed)
	}
}
