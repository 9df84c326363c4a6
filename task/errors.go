package task

import "errors"

var (
	ErrNoWheel         = errors.New("task: wheel required")
	ErrInvalidCount    = errors.New("task: count must be greater than 0")
	ErrNoUnit          = errors.New("task: interval has no recognized unit")
	ErrInvalidInterval = errors.New("task: interval must be >= 0")
	ErrInvalidCron     = errors.New("task: invalid cron expression")
	ErrStarted         = errors.New("task: already scheduled")
	ErrEnded           = errors.New("task: ended")
)
