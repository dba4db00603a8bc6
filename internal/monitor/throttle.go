package monitor

import "time"

// throttle remembers when a recurring condition was last reported.
type throttle struct {
	last time.Time
}

// allow reports whether cooldown has passed since the last allowed report
// and, if so, records now as the new report time.
func (t *throttle) allow(now time.Time, cooldown time.Duration) bool {
	if !t.last.IsZero() && now.Sub(t.last) < cooldown {
		return false
	}
	t.last = now
	return true
}
