package core

// Scheduler decides the execution order of steps.
type Scheduler struct{}

// NewScheduler creates a new scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Order returns the steps in declaration order. Steps are never reordered
// or run concurrently.
func (s *Scheduler) Order(pipeline *Pipeline) []Step {
	steps := make([]Step, len(pipeline.Steps))
	copy(steps, pipeline.Steps)
	return steps
}
