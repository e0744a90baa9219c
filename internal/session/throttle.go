package session

import "time"

// errorThrottle coalesces transient upstream errors into at most one
// user-visible notification per window. Not safe for concurrent use; the
// coordinator only calls it from the event pump.
type errorThrottle struct {
	window      time.Duration
	windowStart time.Time
	suppressed  uint64
}

// allow reports whether an error occurring at now may be surfaced. The first
// error opens a window; everything else inside it is suppressed.
func (t *errorThrottle) allow(now time.Time) bool {
	if t.windowStart.IsZero() || now.Sub(t.windowStart) >= t.window {
		t.windowStart = now
		return true
	}
	t.suppressed++
	return false
}
