package push

import "errors"

var (
	// ErrPushFailed means the commit could not be published. Nothing was
	// triggered.
	ErrPushFailed = errors.New("push failed")
	// ErrTriggerFailed means the push landed but the device could not be
	// asked to update. The device still picks the change up on schedule.
	ErrTriggerFailed = errors.New("trigger failed")
	// ErrAborted means the operator declined to continue.
	ErrAborted = errors.New("aborted by operator")
)
