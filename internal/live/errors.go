package live

import "errors"

var (
	// ErrDaemonRunning means another daemon process owns the state file.
	ErrDaemonRunning = errors.New("daemon already running")

	// ErrDaemonUnreachable means the probe could neither find a live
	// daemon nor bring one up.
	ErrDaemonUnreachable = errors.New("daemon unreachable")
)
