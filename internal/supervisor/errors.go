package supervisor

import "errors"

var (
	// ErrRemoveWorkDir means the child's working directory could not be
	// cleared before a start. Status is left unchanged.
	ErrRemoveWorkDir = errors.New("remove working directory")

	// ErrSpawn means the child could not be launched. Status becomes crashed.
	ErrSpawn = errors.New("spawn child process")

	// ErrUnavailable is reported to requests that arrive after a crash.
	ErrUnavailable = errors.New("process manager unavailable")

	// ErrExited is reported to queued requests whose child exited before it
	// became ready.
	ErrExited = errors.New("child process exited before becoming ready")

	// ErrClosed is returned once the run loop has stopped.
	ErrClosed = errors.New("supervisor is shut down")

	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("supervisor is already running")
)
