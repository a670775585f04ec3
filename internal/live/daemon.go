package live

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultInterval = 30 * time.Minute
	defaultDebounce = 2 * time.Second
	heartbeatEvery  = 30 * time.Second
)

// Daemon runs the pipeline on a fixed interval and whenever a watched
// source location changes. A single run's failure is recorded in the
// state file and the loop continues; only a second live daemon or an
// unwritable state file aborts startup.
type Daemon struct {
	StatePath  string
	Interval   time.Duration
	Debounce   time.Duration
	WatchPaths []string
	RunOnce    func(ctx context.Context) error
	Logf       func(format string, args ...any)

	mu    sync.Mutex
	state DaemonState
}

func (d *Daemon) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}

// Run blocks until ctx is cancelled. Sync runs are serialized on the
// loop goroutine; file events coalesce through the debounce window
// and a pending kick, so a burst of writes costs one run.
func (d *Daemon) Run(ctx context.Context) error {
	if d.RunOnce == nil {
		return fmt.Errorf("daemon has no run function")
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	debounce := d.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	if st, err := ReadState(d.StatePath); err == nil && st != nil && st.PID != os.Getpid() && ProcessAlive(st.PID) {
		return fmt.Errorf("%w (pid %d)", ErrDaemonRunning, st.PID)
	}

	d.mu.Lock()
	d.state = DaemonState{PID: os.Getpid(), StartedAt: time.Now().UTC(), HeartbeatAt: time.Now().UTC()}
	d.mu.Unlock()
	if err := d.writeState(); err != nil {
		return err
	}
	defer func() {
		_ = RemoveStateIfOwner(d.StatePath, os.Getpid())
	}()

	stopHeartbeat := d.startHeartbeat(heartbeatEvery)
	defer stopHeartbeat()

	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher, err := fsnotify.NewWatcher(); err != nil {
		d.logf("file watching unavailable, interval only: %v", err)
	} else {
		defer watcher.Close()
		for _, path := range d.WatchPaths {
			if path == "" {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := watcher.Add(path); err != nil {
				d.logf("cannot watch %s: %v", path, err)
				continue
			}
			d.logf("watching %s", path)
		}
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	runSync := func() {
		start := time.Now().UTC()
		err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		d.state.LastRunAt = start
		d.state.Runs++
		if err != nil {
			d.state.LastRunStatus = "error"
			d.state.LastRunError = err.Error()
			d.state.Failures++
		} else {
			d.state.LastRunStatus = "ok"
			d.state.LastRunError = ""
		}
		d.mu.Unlock()
		if err != nil {
			d.logf("[%s] sync failed: %v", time.Now().Format("15:04:05"), err)
		} else {
			d.logf("[%s] sync ok", time.Now().Format("15:04:05"))
		}
		if werr := d.writeState(); werr != nil {
			d.logf("failed to persist daemon state: %v", werr)
		}
	}

	kicks := make(chan struct{}, 1)
	kick := func() {
		select {
		case kicks <- struct{}{}:
		default:
		}
	}

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()
	triggerSync := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(debounce, kick)
	}

	d.logf("[%s] daemon started (pid %d, interval %s)", time.Now().Format("15:04:05"), os.Getpid(), interval)
	runSync()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logf("[%s] daemon stopping", time.Now().Format("15:04:05"))
			return nil
		case <-ticker.C:
			runSync()
		case <-kicks:
			runSync()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				triggerSync()
			}
		case werr, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			d.logf("[%s] watch error: %v", time.Now().Format("15:04:05"), werr)
		}
	}
}

func (d *Daemon) beat() {
	d.mu.Lock()
	d.state.HeartbeatAt = time.Now().UTC()
	d.mu.Unlock()
	if err := d.writeState(); err != nil {
		d.logf("failed to persist heartbeat: %v", err)
	}
}

func (d *Daemon) writeState() error {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()
	return WriteState(d.StatePath, &st)
}
