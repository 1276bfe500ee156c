package core

import "time"

// Scheduler hands out stages strictly in declaration order. Once aborted it
// hands out nothing more; the stages it never dispatched are reported as
// skipped(aborted).
type Scheduler struct {
	stages  []*Stage
	next    int
	aborted bool
}

// NewScheduler creates a scheduler over stages.
func NewScheduler(stages []*Stage) *Scheduler {
	return &Scheduler{stages: stages}
}

// Next returns the next stage to run and its index.
func (s *Scheduler) Next() (*Stage, int, bool) {
	if s.aborted || s.next >= len(s.stages) {
		return nil, 0, false
	}
	i := s.next
	s.next++
	return s.stages[i], i, true
}

// Abort stops dispatching.
func (s *Scheduler) Abort() { s.aborted = true }

// Aborted reports whether Abort was called.
func (s *Scheduler) Aborted() bool { return s.aborted }

// Remaining returns a skipped(aborted) result for every stage not dispatched.
func (s *Scheduler) Remaining(at time.Time) []StageResult {
	if s.next >= len(s.stages) {
		return nil
	}
	out := make([]StageResult, 0, len(s.stages)-s.next)
	for _, st := range s.stages[s.next:] {
		out = append(out, StageResult{
			Stage:      st.Name,
			Status:     StageSkipped,
			SkipReason: SkipAborted,
			StartedAt:  at,
			FinishedAt: at,
		})
	}
	s.next = len(s.stages)
	return out
}
