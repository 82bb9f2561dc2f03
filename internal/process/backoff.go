package process

import "time"

// maxBackoffSeconds caps the linear backoff delay, per spec.md §4.E:
// "backoff delay grows with the restart counter (simple linear, e.g.
// counter seconds, capped modestly)."
const maxBackoffSeconds = 60

func backoffDelay(restartCount int) time.Duration {
	secs := restartCount
	if secs > maxBackoffSeconds {
		secs = maxBackoffSeconds
	}
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
