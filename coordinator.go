package fleetagent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNoRunnableTasks is returned by SubmitBatch when nothing is left to run
// after resolution.
var ErrNoRunnableTasks = errors.New("no runnable tasks")

// BatchRequest selects the tasks of a batch: explicit ids, or every eligible
// pending task.
type BatchRequest struct {
	TaskIDs    []string `json:"task_ids,omitempty"`
	AllPending bool     `json:"all_pending,omitempty"`
	// MaxParallelDevices caps device lanes per wave; 0 runs every lane at once.
	MaxParallelDevices int `json:"max_parallel_devices,omitempty"`
}

// LaneRunner runs one device group. *DeviceExecutor implements it.
type LaneRunner interface {
	Run(ctx context.Context, serial string, tasks []*fleet.Task, state *BatchState) error
}

// CoordinatorConfig wires a BatchCoordinator.
type CoordinatorConfig struct {
	Tasks    TaskStore
	Accounts AccountStore
	Runner   LaneRunner
	// Eligibility filters all-pending batches by window and cooldown; nil disables filtering.
	Eligibility EligibilityChecker
	// Cooldown applies to all-pending batches; 0 disables it.
	Cooldown time.Duration
	// BaseContext scopes batch execution. Batches outlive the submitting
	// request, so this is normally the process context.
	BaseContext context.Context
	Now         func() time.Time
}

// DeviceGroup is the ordered task list of one device within a batch.
type DeviceGroup struct {
	Serial string
	Tasks  []*fleet.Task
}

// BatchCoordinator groups tasks by device, runs one lane per device and
// tracks progress per batch.
type BatchCoordinator struct {
	cfg CoordinatorConfig

	mu      sync.Mutex
	batches map[string]*BatchState
	busy    map[string]string // serial -> batch id
}

// NewBatchCoordinator validates cfg and returns a coordinator.
func NewBatchCoordinator(cfg CoordinatorConfig) (*BatchCoordinator, error) {
	switch {
	case cfg.Tasks == nil:
		return nil, errors.New("batch coordinator: task store is nil")
	case cfg.Accounts == nil:
		return nil, errors.New("batch coordinator: account store is nil")
	case cfg.Runner == nil:
		return nil, errors.New("batch coordinator: lane runner is nil")
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &BatchCoordinator{
		cfg:     cfg,
		batches: make(map[string]*BatchState),
		busy:    make(map[string]string),
	}, nil
}

// SubmitBatch resolves the task set, groups it by device and starts the
// lanes in the background. It returns the batch id.
func (c *BatchCoordinator) SubmitBatch(ctx context.Context, req BatchRequest) (string, error) {
	if !req.AllPending && len(req.TaskIDs) == 0 {
		return "", pkgerrors.Wrap(fleet.ErrValidation, "batch needs task ids or all_pending")
	}
	if req.MaxParallelDevices < 0 {
		return "", pkgerrors.Wrap(fleet.ErrValidation, "max parallel devices must not be negative")
	}
	var (
		tasks []*fleet.Task
		err   error
	)
	if req.AllPending {
		tasks, err = c.resolvePending(ctx)
	} else {
		tasks, err = c.resolveExplicit(ctx, req.TaskIDs)
	}
	if err != nil {
		return "", err
	}
	groups := GroupByDevice(tasks)

	c.mu.Lock()
	runnable := groups[:0]
	for _, g := range groups {
		if other, busy := c.busy[g.Serial]; busy {
			log.Warn().Str("serial", g.Serial).Str("busy_batch", other).Int("tasks", len(g.Tasks)).
				Msg("device already owned by another batch, tasks excluded")
			continue
		}
		// terminal tasks are reopened only once their device is admitted
		if g = c.requeueAdmitted(ctx, g); len(g.Tasks) > 0 {
			runnable = append(runnable, g)
		}
	}
	if len(runnable) == 0 {
		c.mu.Unlock()
		return "", ErrNoRunnableTasks
	}
	id := uuid.NewString()
	var taskIDs []string
	for _, g := range runnable {
		c.busy[g.Serial] = id
		for _, t := range g.Tasks {
			taskIDs = append(taskIDs, t.ID)
		}
	}
	state := NewBatchState(id, taskIDs, c.cfg.Now())
	c.batches[id] = state
	c.mu.Unlock()

	log.Info().Str("batch_id", id).Int("tasks", len(taskIDs)).Int("devices", len(runnable)).
		Int("max_parallel_devices", req.MaxParallelDevices).Msg("batch submitted")
	go c.run(state, runnable, req.MaxParallelDevices)
	return id, nil
}

// GroupByDevice splits tasks into per-device groups. Devices are sorted by
// serial; tasks keep their input order within a device.
func GroupByDevice(tasks []*fleet.Task) []DeviceGroup {
	index := make(map[string]int)
	var groups []DeviceGroup
	for _, task := range tasks {
		if task == nil {
			continue
		}
		i, ok := index[task.DeviceSerial]
		if !ok {
			i = len(groups)
			index[task.DeviceSerial] = i
			groups = append(groups, DeviceGroup{Serial: task.DeviceSerial})
		}
		groups[i].Tasks = append(groups[i].Tasks, task)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Serial < groups[j].Serial })
	return groups
}

func (c *BatchCoordinator) resolvePending(ctx context.Context) ([]*fleet.Task, error) {
	pending, err := c.cfg.Tasks.ListTasks(ctx, fleet.TaskFilter{Statuses: []fleet.TaskStatus{fleet.TaskPending}})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list pending tasks")
	}
	now := c.cfg.Now()
	verdicts := make(map[string]bool)
	var out []*fleet.Task
	for _, task := range pending {
		eligible, seen := verdicts[task.AccountID]
		if !seen {
			eligible = c.accountRunnable(ctx, task.AccountID, now)
			verdicts[task.AccountID] = eligible
		}
		if eligible {
			out = append(out, task)
		}
	}
	log.Debug().Int("pending", len(pending)).Int("eligible", len(out)).Msg("resolved pending tasks")
	return out, nil
}

func (c *BatchCoordinator) accountRunnable(ctx context.Context, accountID string, now time.Time) bool {
	logger := log.With().Str("account_id", accountID).Logger()
	acc, err := c.cfg.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		logger.Warn().Err(err).Msg("load account failed, its tasks are excluded")
		return false
	}
	if c.cfg.Eligibility == nil {
		return true
	}
	if !c.cfg.Eligibility.IsEligibleNow(acc, now) {
		logger.Debug().Msg("account outside active window")
		return false
	}
	if c.cfg.Cooldown <= 0 {
		return true
	}
	elapsed, err := c.cfg.Eligibility.HasCooldownElapsed(ctx, acc, now, c.cfg.Cooldown)
	if err != nil {
		logger.Warn().Err(err).Msg("cooldown check failed, its tasks are excluded")
		return false
	}
	if !elapsed {
		logger.Debug().Dur("cooldown", c.cfg.Cooldown).Msg("account cooling down")
	}
	return elapsed
}

func (c *BatchCoordinator) resolveExplicit(ctx context.Context, ids []string) ([]*fleet.Task, error) {
	seen := make(map[string]bool, len(ids))
	var wanted []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		wanted = append(wanted, id)
	}
	if len(wanted) == 0 {
		return nil, pkgerrors.Wrap(fleet.ErrValidation, "task ids are empty")
	}
	tasks, err := c.cfg.Tasks.ListTasks(ctx, fleet.TaskFilter{IDs: wanted})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list requested tasks")
	}
	found := make(map[string]bool, len(tasks))
	var out []*fleet.Task
	for _, task := range tasks {
		found[task.ID] = true
		switch {
		case task.Status == fleet.TaskPending, fleet.CanRequeue(task.Status):
			out = append(out, task)
		default:
			log.Warn().Str("task_id", task.ID).Str("status", string(task.Status)).Msg("task is not runnable, excluded")
		}
	}
	for _, id := range wanted {
		if !found[id] {
			log.Warn().Str("task_id", id).Msg("task not found, excluded")
		}
	}
	return out, nil
}

// requeueAdmitted reopens the failed and needs_manual tasks of an admitted
// group. Tasks that cannot be requeued are dropped from the group.
func (c *BatchCoordinator) requeueAdmitted(ctx context.Context, g DeviceGroup) DeviceGroup {
	kept := make([]*fleet.Task, 0, len(g.Tasks))
	for _, task := range g.Tasks {
		if task.Status == fleet.TaskPending {
			kept = append(kept, task)
			continue
		}
		requeued, err := c.cfg.Tasks.Requeue(ctx, task.ID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("requeue task failed, excluded")
			continue
		}
		kept = append(kept, requeued)
	}
	g.Tasks = kept
	return g
}

// run launches the lanes in waves and joins each wave before the next.
func (c *BatchCoordinator) run(state *BatchState, groups []DeviceGroup, maxParallel int) {
	ctx := c.cfg.BaseContext
	defer func() {
		c.release(state.ID(), groups)
		state.Finish(c.cfg.Now())
		p := state.Snapshot()
		log.Info().Str("batch_id", state.ID()).
			Int("completed", p.Completed).Int("failed", p.Failed).Int("needs_manual", p.NeedsManual).
			Int("retrying", p.Retrying).Int("skipped", p.Skipped).Bool("stopped", p.Stopped).
			Msg("batch finished")
	}()

	waveSize := len(groups)
	if maxParallel > 0 && maxParallel < waveSize {
		waveSize = maxParallel
	}
	for start := 0; start < len(groups); start += waveSize {
		if state.StopRequested() || ctx.Err() != nil {
			reason := ReasonStopRequested
			if !state.StopRequested() {
				reason = ReasonCanceled
			}
			for _, g := range groups[start:] {
				for _, t := range g.Tasks {
					state.Record(g.Serial, t.ID, TaskResult{Outcome: TaskOutcomeSkipped, Reason: reason})
				}
			}
			return
		}
		wave := groups[start:min(start+waveSize, len(groups))]
		sg := NewSafeGroup(ctx)
		for _, g := range wave {
			g := g
			sg.GoRecover(g.Serial, func(ctx context.Context) error {
				return c.cfg.Runner.Run(ctx, g.Serial, g.Tasks, state)
			})
		}
		_ = sg.Wait()
		failures := sg.Failures()
		for _, g := range wave {
			if err, failed := failures[g.Serial]; failed {
				c.abortLane(ctx, state, g, err)
			}
		}
	}
}

// abortLane reverts the in-flight task of a crashed lane to pending and
// reports whatever the lane left unfinished. Account status and the session
// of the in-flight task are settled by the lane itself while unwinding.
func (c *BatchCoordinator) abortLane(ctx context.Context, state *BatchState, g DeviceGroup, laneErr error) {
	storeCtx := context.WithoutCancel(ctx)
	log.Error().Err(laneErr).Str("serial", g.Serial).Str("batch_id", state.ID()).Msg("device lane crashed")
	inFlight, _ := state.InFlight(g.Serial)
	for _, task := range g.Tasks {
		if state.HasResult(task.ID) {
			continue
		}
		if task.ID != inFlight {
			state.Record(g.Serial, task.ID, TaskResult{Outcome: TaskOutcomeSkipped, Reason: ReasonLaneCrashed})
			continue
		}
		if _, err := c.cfg.Tasks.Transition(storeCtx, task.ID, fleet.TaskPending,
			fleet.TransitionResult{Error: laneErr.Error(), Reason: ReasonLaneCrashed}); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("revert crashed task failed")
		}
		state.Record(g.Serial, task.ID, TaskResult{Outcome: TaskOutcomeAborted, Reason: ReasonLaneCrashed, Error: laneErr.Error()})
	}
}

func (c *BatchCoordinator) release(batchID string, groups []DeviceGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range groups {
		if c.busy[g.Serial] == batchID {
			delete(c.busy, g.Serial)
		}
	}
}

// Progress returns the batch snapshot. Reading a finished batch purges it.
func (c *BatchCoordinator) Progress(batchID string) (Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.batches[batchID]
	if !ok {
		return Progress{}, pkgerrors.Wrapf(fleet.ErrBatchNotFound, "batch %s", batchID)
	}
	p := state.Snapshot()
	if p.Done {
		delete(c.batches, batchID)
	}
	return p, nil
}

// Wait blocks until the batch finishes or ctx is done, then returns the
// final progress.
func (c *BatchCoordinator) Wait(ctx context.Context, batchID string) (Progress, error) {
	c.mu.Lock()
	state, ok := c.batches[batchID]
	c.mu.Unlock()
	if !ok {
		return Progress{}, pkgerrors.Wrapf(fleet.ErrBatchNotFound, "batch %s", batchID)
	}
	select {
	case <-state.Done():
		return c.Progress(batchID)
	case <-ctx.Done():
		return state.Snapshot(), ctx.Err()
	}
}

// RequestStop asks a batch to stop at the next task boundary.
func (c *BatchCoordinator) RequestStop(batchID string) error {
	c.mu.Lock()
	state, ok := c.batches[batchID]
	c.mu.Unlock()
	if !ok {
		return pkgerrors.Wrapf(fleet.ErrBatchNotFound, "batch %s", batchID)
	}
	state.RequestStop()
	log.Info().Str("batch_id", batchID).Msg("stop requested")
	return nil
}

// RequestStopAll stops every unfinished batch and returns how many were signaled.
func (c *BatchCoordinator) RequestStopAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, state := range c.batches {
		select {
		case <-state.Done():
			continue
		default:
		}
		state.RequestStop()
		n++
	}
	log.Info().Int("batches", n).Msg("stop requested for all batches")
	return n
}

// ActiveBatches lists the ids of unfinished batches.
func (c *BatchCoordinator) ActiveBatches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, state := range c.batches {
		select {
		case <-state.Done():
		default:
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Drain blocks until every unfinished batch is done or ctx expires.
func (c *BatchCoordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	var pending []*BatchState
	for _, state := range c.batches {
		pending = append(pending, state)
	}
	c.mu.Unlock()
	for _, state := range pending {
		select {
		case <-state.Done():
		case <-ctx.Done():
			return pkgerrors.Wrapf(ctx.Err(), "batch %s still running", state.ID())
		}
	}
	return nil
}

// PurgeFinished drops batches that finished before cutoff and were never read
// back, and returns how many were dropped.
func (c *BatchCoordinator) PurgeFinished(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, state := range c.batches {
		p := state.Snapshot()
		if p.Done && p.FinishedAt != nil && p.FinishedAt.Before(cutoff) {
			delete(c.batches, id)
			n++
		}
	}
	return n
}
