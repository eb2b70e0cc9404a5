package fleetagent

import (
	"sync"
	"time"
)

// TaskOutcome is the per-task result reported in batch progress.
type TaskOutcome string

const (
	TaskOutcomeCompleted   TaskOutcome = "completed"
	TaskOutcomeFailed      TaskOutcome = "failed"
	TaskOutcomeNeedsManual TaskOutcome = "needs_manual"
	// TaskOutcomeRetry means the task went back to pending with one retry consumed.
	TaskOutcomeRetry   TaskOutcome = "retry_pending"
	TaskOutcomeSkipped TaskOutcome = "skipped"
	// TaskOutcomeAborted marks the in-flight task of a crashed device lane.
	TaskOutcomeAborted TaskOutcome = "aborted"
)

// Skip reasons.
const (
	ReasonStopRequested = "stop_requested"
	ReasonOutsideWindow = "outside_window"
	ReasonCanceled      = "canceled"
	ReasonNotRunnable   = "not_runnable"
	ReasonLaneCrashed   = "lane_crashed"
	ReasonDeviceTainted = "device_tainted"
)

// TaskResult describes how a task ended within a batch.
type TaskResult struct {
	Outcome TaskOutcome `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Progress is a point-in-time snapshot of a batch.
type Progress struct {
	BatchID     string                `json:"batch_id"`
	Total       int                   `json:"total"`
	Completed   int                   `json:"completed"`
	Failed      int                   `json:"failed"`
	NeedsManual int                   `json:"needs_manual"`
	Retrying    int                   `json:"retrying"`
	Skipped     int                   `json:"skipped"`
	InProgress  int                   `json:"in_progress"`
	Running     map[string]string     `json:"running,omitempty"`
	Results     map[string]TaskResult `json:"results"`
	Stopped     bool                  `json:"stopped"`
	Done        bool                  `json:"done"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
}

// BatchState is the single mutable aggregate shared by the coordinator and
// the device lanes of one batch. All methods are safe for concurrent use and
// hold the mutex only for map updates.
type BatchState struct {
	id      string
	taskIDs []string
	done    chan struct{}

	mu         sync.Mutex
	stopped    bool
	running    map[string]string // serial -> task id
	results    map[string]TaskResult
	startedAt  time.Time
	finishedAt *time.Time
}

// NewBatchState creates the state of a batch covering taskIDs.
func NewBatchState(id string, taskIDs []string, now time.Time) *BatchState {
	ids := make([]string, len(taskIDs))
	copy(ids, taskIDs)
	return &BatchState{
		id:        id,
		taskIDs:   ids,
		done:      make(chan struct{}),
		running:   make(map[string]string),
		results:   make(map[string]TaskResult, len(ids)),
		startedAt: now,
	}
}

// ID returns the batch id.
func (s *BatchState) ID() string {
	return s.id
}

// RequestStop sets the cooperative stop flag.
func (s *BatchState) RequestStop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// StopRequested reports whether RequestStop was called.
func (s *BatchState) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// MarkRunning records the task currently in flight on serial.
func (s *BatchState) MarkRunning(serial, taskID string) {
	s.mu.Lock()
	s.running[serial] = taskID
	s.mu.Unlock()
}

// Record stores the final result of a task and clears it from the running set.
// The first result recorded for a task wins.
func (s *BatchState) Record(serial, taskID string, result TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[serial] == taskID {
		delete(s.running, serial)
	}
	if _, exists := s.results[taskID]; exists {
		return
	}
	s.results[taskID] = result
}

// InFlight returns the task running on serial, if any.
func (s *BatchState) InFlight(serial string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.running[serial]
	return id, ok
}

// HasResult reports whether taskID already has a result.
func (s *BatchState) HasResult(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.results[taskID]
	return ok
}

// Finish marks the batch done and releases Wait callers. It is idempotent.
func (s *BatchState) Finish(now time.Time) {
	s.mu.Lock()
	if s.finishedAt != nil {
		s.mu.Unlock()
		return
	}
	s.finishedAt = &now
	s.mu.Unlock()
	close(s.done)
}

// Done is closed once the batch has finished.
func (s *BatchState) Done() <-chan struct{} {
	return s.done
}

// Snapshot computes the current progress.
func (s *BatchState) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		BatchID:   s.id,
		Total:     len(s.taskIDs),
		Results:   make(map[string]TaskResult, len(s.results)),
		Running:   make(map[string]string, len(s.running)),
		Stopped:   s.stopped,
		Done:      s.finishedAt != nil,
		StartedAt: s.startedAt,
	}
	if s.finishedAt != nil {
		finished := *s.finishedAt
		p.FinishedAt = &finished
	}
	for serial, id := range s.running {
		p.Running[serial] = id
	}
	for id, res := range s.results {
		p.Results[id] = res
		switch res.Outcome {
		case TaskOutcomeCompleted:
			p.Completed++
		case TaskOutcomeFailed, TaskOutcomeAborted:
			p.Failed++
		case TaskOutcomeNeedsManual:
			p.NeedsManual++
		case TaskOutcomeRetry:
			p.Retrying++
		case TaskOutcomeSkipped:
			p.Skipped++
		}
	}
	p.InProgress = p.Total - len(s.results)
	return p
}
