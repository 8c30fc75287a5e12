package queue

import "context"

// Job defines a unit of work run by a Pool.
type Job interface {
	// Name identifies the job in logs.
	Name() string

	// Handle runs the job.
	Handle(ctx context.Context) error
}

type funcJob struct {
	name string
	fn   func(context.Context) error
}

func (j funcJob) Name() string                     { return j.name }
func (j funcJob) Handle(ctx context.Context) error { return j.fn(ctx) }

// NewJob adapts fn to a Job.
func NewJob(name string, fn func(context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}
