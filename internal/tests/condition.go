package tests

import "time"

// WaitCondition polls fn every checkEvery until it returns true or
// waitFor has elapsed. The result is fn's last answer.
func WaitCondition(waitFor, checkEvery time.Duration, fn func() bool) bool {
	timeout := time.NewTimer(waitFor)
	defer timeout.Stop()
	tick := time.NewTicker(checkEvery)
	defer tick.Stop()
	for {
		if fn() {
			return true
		}
		select {
		case <-timeout.C:
			return fn()
		case <-tick.C:
		}
	}
}
