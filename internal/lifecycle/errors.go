package lifecycle

import "errors"

var (
	// ErrPortExhausted is returned when every port in the range is busy or
	// reserved. Nothing is spawned.
	ErrPortExhausted = errors.New("no free port in the configured range")
	// ErrServerBinaryMissing is returned when the terminal server binary
	// cannot be found.
	ErrServerBinaryMissing = errors.New("terminal server binary not found")
	// ErrSafetyViolation is returned when starting would add a second writer
	// to a session and force was not set.
	ErrSafetyViolation = errors.New("unsafe to start")
	// ErrSpawnHealth is returned when the spawned server never bound its
	// port or failed its health probe.
	ErrSpawnHealth = errors.New("terminal server failed health check")
	// ErrStartInProgress is returned to a concurrent caller whose wait for
	// the first start ran out.
	ErrStartInProgress = errors.New("session is being started")
	// ErrAlreadyRunning is returned when a managed instance already serves
	// the session.
	ErrAlreadyRunning = errors.New("a managed instance is already running for this session")
	// ErrNotClaudeProcess is returned by KillProcess for pids the last
	// snapshot does not attribute to a conversation session.
	ErrNotClaudeProcess = errors.New("pid is not a tracked claude process")
	// ErrInvalidSession is returned for an empty session id.
	ErrInvalidSession = errors.New("session id is required")
)
