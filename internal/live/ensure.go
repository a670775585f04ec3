package live

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

// defaultStaleAfter is how long the store may go without a successful
// run before the probe fires a one-shot sync.
const defaultStaleAfter = 30 * time.Minute

// Report describes what a liveness probe found and did.
type Report struct {
	DaemonAlive    bool      `json:"daemon_alive"`
	DaemonPID      int       `json:"daemon_pid,omitempty"`
	SupervisorSeen bool      `json:"supervisor_seen,omitempty"`
	Restarted      bool      `json:"restarted,omitempty"`
	Spawned        bool      `json:"spawned,omitempty"`
	SpawnedPID     int       `json:"spawned_pid,omitempty"`
	LastSuccess    time.Time `json:"last_success,omitempty"`
	StoreStale     bool      `json:"store_stale,omitempty"`
	SyncFired      bool      `json:"sync_fired,omitempty"`
	SyncPID        int       `json:"sync_pid,omitempty"`
	Notes          []string  `json:"notes,omitempty"`
}

// Unreachable reports whether the probe found no daemon and could not
// start one either.
func (r *Report) Unreachable() bool {
	return !r.DaemonAlive && !r.Restarted && !r.Spawned
}

// Err converts an unreachable probe into ErrDaemonUnreachable. A probe
// that found or started a daemon returns nil.
func (r *Report) Err() error {
	if !r.Unreachable() {
		return nil
	}
	if len(r.Notes) > 0 {
		return fmt.Errorf("%w: %s", ErrDaemonUnreachable, strings.Join(r.Notes, "; "))
	}
	return ErrDaemonUnreachable
}

// Prober checks that background enrichment is actually happening and
// escalates until it is: live process, supervisor restart, detached
// spawn, and finally a one-shot sync when the store itself has gone
// stale regardless of what the process table says.
type Prober struct {
	StatePath    string
	StorePath    string
	LogPath      string
	ServiceLabel string
	StaleAfter   time.Duration
	Exe          string
	Logf         func(format string, args ...any)
}

func (p *Prober) logf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
	}
}

// Ensure runs the probe. It never returns an error and never waits on
// daemon work; every failure along the way becomes a note in the
// report so the caller can surface it without dying.
func (p *Prober) Ensure(ctx context.Context) *Report {
	rep := &Report{}

	st, err := ReadState(p.StatePath)
	switch {
	case err != nil:
		rep.Notes = append(rep.Notes, fmt.Sprintf("state file unreadable: %v", err))
	case st == nil:
		rep.Notes = append(rep.Notes, "no daemon state file")
	case ProcessAlive(st.PID):
		rep.DaemonAlive = true
		rep.DaemonPID = st.PID
		if age := time.Since(st.HeartbeatAt); age > 5*time.Minute {
			rep.Notes = append(rep.Notes, fmt.Sprintf("daemon pid %d alive but heartbeat is %s old", st.PID, age.Round(time.Second)))
		}
	default:
		rep.Notes = append(rep.Notes, fmt.Sprintf("daemon pid %d is gone", st.PID))
		// Stale state files self-heal here so a restarted daemon never
		// refuses startup over a dead predecessor.
		if rerr := RemoveStateIfOwner(p.StatePath, st.PID); rerr != nil {
			rep.Notes = append(rep.Notes, fmt.Sprintf("stale state cleanup failed: %v", rerr))
		}
	}

	if !rep.DaemonAlive {
		p.reviveDaemon(ctx, rep)
	}

	p.checkStaleness(ctx, rep)
	return rep
}

// reviveDaemon tries the supervisor first and falls back to spawning
// the daemon directly.
func (p *Prober) reviveDaemon(ctx context.Context, rep *Report) {
	if p.ServiceLabel != "" {
		seen, note := p.supervisorStatus(ctx)
		rep.SupervisorSeen = seen
		if note != "" {
			rep.Notes = append(rep.Notes, note)
		}
		if seen {
			if err := p.restartSupervised(ctx); err != nil {
				rep.Notes = append(rep.Notes, fmt.Sprintf("supervisor restart failed: %v", err))
			} else {
				rep.Restarted = true
				p.logf("restarted %s via supervisor", p.ServiceLabel)
				if pid, ok := p.waitForDaemon(ctx); ok {
					rep.DaemonAlive = true
					rep.DaemonPID = pid
				}
				return
			}
		}
	}

	pid, err := spawnDetached(p.Exe, []string{"daemon"}, p.LogPath)
	if err != nil {
		rep.Notes = append(rep.Notes, fmt.Sprintf("daemon spawn failed: %v", err))
		return
	}
	rep.Spawned = true
	rep.SpawnedPID = pid
	p.logf("spawned detached daemon (pid %d)", pid)
}

// waitForDaemon polls briefly for a restarted supervisor service to
// write its state file.
func (p *Prober) waitForDaemon(ctx context.Context) (int, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return 0, false
		}
		if st, err := ReadState(p.StatePath); err == nil && st != nil && ProcessAlive(st.PID) {
			return st.PID, true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return 0, false
}

func (p *Prober) supervisorStatus(ctx context.Context) (bool, string) {
	switch runtime.GOOS {
	case "darwin":
		if _, err := runCmd(ctx, "launchctl", "list", p.ServiceLabel); err != nil {
			return false, fmt.Sprintf("launchd has no %s: %v", p.ServiceLabel, err)
		}
		return true, ""
	case "linux":
		out, err := runCmd(ctx, "systemctl", "--user", "is-active", p.ServiceLabel)
		if err != nil && out == "" {
			return false, fmt.Sprintf("systemd has no %s: %v", p.ServiceLabel, err)
		}
		// is-active exits non-zero for a loaded-but-stopped unit; the
		// restart attempt sorts real units from unknown ones.
		return true, ""
	default:
		return false, fmt.Sprintf("no supervisor support on %s", runtime.GOOS)
	}
}

func (p *Prober) restartSupervised(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin":
		target := fmt.Sprintf("gui/%d/%s", os.Getuid(), p.ServiceLabel)
		if out, err := runCmd(ctx, "launchctl", "kickstart", "-k", target); err != nil {
			if out != "" {
				return fmt.Errorf("launchctl kickstart %s: %v: %s", target, err, out)
			}
			return fmt.Errorf("launchctl kickstart %s: %v", target, err)
		}
		return nil
	case "linux":
		if out, err := runCmd(ctx, "systemctl", "--user", "restart", p.ServiceLabel); err != nil {
			if out != "" {
				return fmt.Errorf("systemctl restart %s: %v: %s", p.ServiceLabel, err, out)
			}
			return fmt.Errorf("systemctl restart %s: %v", p.ServiceLabel, err)
		}
		return nil
	default:
		return fmt.Errorf("no supervisor support on %s", runtime.GOOS)
	}
}

// checkStaleness looks at the store itself, independent of the process
// table. A daemon can be alive and wedged; the last successful run is
// the ground truth for whether enrichment is happening.
func (p *Prober) checkStaleness(ctx context.Context, rep *Report) {
	staleAfter := p.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	st, err := store.Open(p.StorePath)
	if err != nil {
		rep.Notes = append(rep.Notes, fmt.Sprintf("cannot read store: %v", err))
		return
	}
	if run, ok := st.Snapshot().LastSuccessfulRun(); ok {
		rep.LastSuccess = run.FinishedAt
	}
	if !rep.LastSuccess.IsZero() && time.Since(rep.LastSuccess) <= staleAfter {
		return
	}
	rep.StoreStale = true

	if ctx.Err() != nil {
		return
	}
	// Fires even when a daemon was just restarted or spawned: a revived
	// process can come up wedged, and the store lock already serializes
	// the two writers.
	pid, err := spawnDetached(p.Exe, []string{"all"}, p.LogPath)
	if err != nil {
		rep.Notes = append(rep.Notes, fmt.Sprintf("one-shot sync spawn failed: %v", err))
		return
	}
	rep.SyncFired = true
	rep.SyncPID = pid
	p.logf("store stale (last success %s); fired one-shot sync (pid %d)", formatAgo(rep.LastSuccess), pid)
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Minute).String() + " ago"
}

func runCmd(ctx context.Context, name string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
