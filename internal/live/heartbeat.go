package live

import "time"

// startHeartbeat refreshes HeartbeatAt in the state file immediately
// and then on every interval, so probes can tell a live daemon from a
// stale state file even while a long sync is running. The returned
// stop function ends the refresh goroutine.
func (d *Daemon) startHeartbeat(interval time.Duration) func() {
	if interval <= 0 {
		interval = heartbeatEvery
	}
	stop := make(chan struct{})
	go func() {
		d.beat()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.beat()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
