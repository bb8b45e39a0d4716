package scheduler

import "errors"

var (
	ErrJobAlreadyRegistered = errors.New("job already registered")
	ErrJobNotFound          = errors.New("job not found")
	ErrNoJobs               = errors.New("scheduler has no jobs")
	ErrJobRunning           = errors.New("job is already running")
)
