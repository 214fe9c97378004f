package deploy

import "errors"

var (
	// ErrFetchFailed marks a cycle that could not learn the remote revision.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrPullFailed marks a cycle whose fast-forward did not complete.
	ErrPullFailed = errors.New("pull failed")
	// ErrInconsistentTree marks a pull that left the working copy somewhere
	// other than the old or the expected revision.
	ErrInconsistentTree = errors.New("working tree may be inconsistent")
	// ErrCycleLocked marks a cycle that could not take the cross-process
	// cycle lock and so touched nothing.
	ErrCycleLocked = errors.New("another update cycle holds the lock")
	// ErrRestartFailed marks a failed restart of a running service.
	ErrRestartFailed = errors.New("service restart failed")
	// ErrStartFailed marks a failed start of an enabled, stopped service.
	ErrStartFailed = errors.New("service start failed")
)
