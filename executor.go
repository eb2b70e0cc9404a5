package fleetagent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/secondfactor"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterTaskDelay    = 5 * time.Second
	DefaultAutomationTimeout = 10 * time.Minute
	DefaultAutomationGrace   = 30 * time.Second
)

// errAutomationStuck marks an automation call that outlived its timeout and
// the grace period after it.
var errAutomationStuck = errors.New("automation ignored cancellation")

// ExecutorConfig wires a DeviceExecutor to its collaborators.
type ExecutorConfig struct {
	Tasks    TaskStore
	Accounts AccountStore
	Sessions SessionLogger
	// Tokens is optional token bookkeeping.
	Tokens TokenRecorder
	// SecondFactor resolves codes for tasks that declare a token.
	SecondFactor        CodeProvider
	SecondFactorOptions secondfactor.Options
	// Eligibility re-checks the active window right before each task; nil disables the check.
	Eligibility EligibilityChecker
	Connector   DeviceConnector
	Automation  Automation

	AutomationTimeout time.Duration
	// AutomationGrace is how long a timed-out call may take to return before
	// the device is considered tainted for the rest of the lane.
	AutomationGrace time.Duration
	// InterTaskDelay paces consecutive tasks on one device; 0 disables it.
	InterTaskDelay time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DeviceExecutor runs one device's tasks strictly in order. A single
// executor is shared by every lane; per-run state lives in deviceLane.
type DeviceExecutor struct {
	cfg ExecutorConfig
}

// NewDeviceExecutor validates cfg and fills defaults.
func NewDeviceExecutor(cfg ExecutorConfig) (*DeviceExecutor, error) {
	switch {
	case cfg.Tasks == nil:
		return nil, errors.New("device executor: task store is nil")
	case cfg.Accounts == nil:
		return nil, errors.New("device executor: account store is nil")
	case cfg.Sessions == nil:
		return nil, errors.New("device executor: session logger is nil")
	case cfg.Connector == nil:
		return nil, errors.New("device executor: device connector is nil")
	case cfg.Automation == nil:
		return nil, errors.New("device executor: automation is nil")
	}
	if cfg.AutomationTimeout <= 0 {
		cfg.AutomationTimeout = DefaultAutomationTimeout
	}
	if cfg.AutomationGrace <= 0 {
		cfg.AutomationGrace = DefaultAutomationGrace
	}
	if cfg.InterTaskDelay < 0 {
		cfg.InterTaskDelay = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &DeviceExecutor{cfg: cfg}, nil
}

// deviceLane is the exclusive execution context of one device for one batch.
type deviceLane struct {
	e       *DeviceExecutor
	serial  string
	state   *BatchState
	session DeviceSession
	logger  zerolog.Logger

	accounts map[string]*fleet.Account
	prior    map[string]fleet.AccountStatus
	touched  map[string]bool
	// tainted is set once an automation call is still running on the device
	// after its timeout; no further task may start on it.
	tainted bool
}

// Run executes tasks on serial in the given order. Stop requests and context
// cancellation are observed only between tasks; every task not started is
// left pending and reported as skipped.
func (e *DeviceExecutor) Run(ctx context.Context, serial string, tasks []*fleet.Task, state *BatchState) error {
	if state == nil {
		return errors.New("device executor: batch state is nil")
	}
	lane := &deviceLane{
		e:        e,
		serial:   serial,
		state:    state,
		logger:   log.With().Str("serial", serial).Str("batch_id", state.ID()).Logger(),
		accounts: make(map[string]*fleet.Account),
		prior:    make(map[string]fleet.AccountStatus),
		touched:  make(map[string]bool),
	}
	storeCtx := context.WithoutCancel(ctx)
	lane.queueAccounts(storeCtx, tasks)
	defer lane.restoreUntouched(storeCtx)
	defer lane.release()

	lane.logger.Info().Int("tasks", len(tasks)).Msg("device lane started")
	executed := 0
	for i, task := range tasks {
		if lane.tainted {
			lane.skip(tasks[i:], ReasonDeviceTainted)
			return nil
		}
		if reason, stop := lane.shouldStop(ctx); stop {
			lane.skip(tasks[i:], reason)
			return nil
		}
		acc := lane.accounts[task.AccountID]
		if acc != nil && e.cfg.Eligibility != nil && !e.cfg.Eligibility.IsEligibleNow(acc, e.cfg.Now()) {
			lane.skip(tasks[i:i+1], ReasonOutsideWindow)
			continue
		}
		if executed > 0 && e.cfg.InterTaskDelay > 0 {
			_ = e.cfg.Sleep(ctx, e.cfg.InterTaskDelay)
			if reason, stop := lane.shouldStop(ctx); stop {
				lane.skip(tasks[i:], reason)
				return nil
			}
		}
		lane.execute(ctx, task)
		executed++
	}
	lane.logger.Info().Int("executed", executed).Msg("device lane finished")
	return nil
}

func (l *deviceLane) shouldStop(ctx context.Context) (string, bool) {
	if l.state.StopRequested() {
		return ReasonStopRequested, true
	}
	if ctx.Err() != nil {
		return ReasonCanceled, true
	}
	return "", false
}

// queueAccounts snapshots each account's status and marks it queued.
func (l *deviceLane) queueAccounts(ctx context.Context, tasks []*fleet.Task) {
	for _, task := range tasks {
		if _, seen := l.accounts[task.AccountID]; seen {
			continue
		}
		acc, err := l.e.cfg.Accounts.GetAccount(ctx, task.AccountID)
		if err != nil {
			l.logger.Warn().Err(err).Str("account_id", task.AccountID).Msg("load account failed, window check disabled for its tasks")
			l.accounts[task.AccountID] = nil
			continue
		}
		l.accounts[task.AccountID] = acc
		l.prior[acc.ID] = acc.Status
		l.setAccountStatus(ctx, acc.ID, fleet.AccountQueued, nil)
	}
}

func (l *deviceLane) restoreUntouched(ctx context.Context) {
	for id, status := range l.prior {
		if l.touched[id] {
			continue
		}
		l.setAccountStatus(ctx, id, status, nil)
	}
}

func (l *deviceLane) release() {
	if l.session == nil {
		return
	}
	if err := l.session.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("release device session failed")
	}
	l.session = nil
}

func (l *deviceLane) skip(tasks []*fleet.Task, reason string) {
	for _, task := range tasks {
		l.state.Record(l.serial, task.ID, TaskResult{Outcome: TaskOutcomeSkipped, Reason: reason})
	}
	l.logger.Info().Int("tasks", len(tasks)).Str("reason", reason).Msg("tasks skipped and left pending")
}

func (l *deviceLane) setAccountStatus(ctx context.Context, id string, status fleet.AccountStatus, lastRunAt *time.Time) {
	if _, known := l.prior[id]; !known {
		return
	}
	if err := l.e.cfg.Accounts.UpdateAccountStatus(ctx, id, status, lastRunAt); err != nil {
		l.logger.Warn().Err(err).Str("account_id", id).Str("status", string(status)).Msg("update account status failed")
	}
}

func (l *deviceLane) execute(ctx context.Context, task *fleet.Task) {
	storeCtx := context.WithoutCancel(ctx)
	logger := l.logger.With().Str("task_id", task.ID).Str("account_id", task.AccountID).Logger()

	running, err := l.e.cfg.Tasks.Transition(storeCtx, task.ID, fleet.TaskRunning, fleet.TransitionResult{Reason: "batch " + l.state.ID()})
	if err != nil {
		logger.Warn().Err(err).Msg("task not runnable, skipping")
		l.state.Record(l.serial, task.ID, TaskResult{Outcome: TaskOutcomeSkipped, Reason: ReasonNotRunnable, Error: err.Error()})
		return
	}
	l.state.MarkRunning(l.serial, task.ID)
	l.touched[task.AccountID] = true
	l.setAccountStatus(storeCtx, task.AccountID, fleet.AccountRunning, nil)

	rec := newSessionRecorder(storeCtx, l.e.cfg.Sessions, logger)
	rec.open(l.serial, task.AccountID, task.ID)
	defer func() {
		if r := recover(); r != nil {
			rec.close(fleet.TaskPending, TaskResult{Outcome: TaskOutcomeAborted, Error: fmt.Sprint(r)})
			l.setAccountStatus(storeCtx, task.AccountID, l.prior[task.AccountID], nil)
			panic(r)
		}
	}()

	execErr := l.attempt(ctx, running, rec)
	final, result := l.settle(ctx, running, execErr, logger)

	rec.close(final, result)
	now := l.e.cfg.Now()
	if final.Terminal() {
		l.setAccountStatus(storeCtx, task.AccountID, fleet.AccountStatusFor(final), &now)
	} else {
		l.setAccountStatus(storeCtx, task.AccountID, l.prior[task.AccountID], &now)
	}
	l.state.Record(l.serial, task.ID, result)

	event := logger.Info()
	if result.Outcome != TaskOutcomeCompleted {
		event = logger.Warn()
	}
	event.Str("outcome", string(result.Outcome)).Str("error", result.Error).Msg("task finished")
}

// attempt connects, resolves the second factor and runs the automation. The
// returned error is always an *fleet.ExecError.
func (l *deviceLane) attempt(ctx context.Context, task *fleet.Task, rec *sessionRecorder) error {
	if l.session == nil {
		sess, err := l.e.cfg.Connector.Connect(ctx, l.serial)
		rec.action("connect", l.serial, err == nil, err)
		if err != nil {
			return fleet.NewExecError(fleet.KindDeviceUnreachable, err)
		}
		l.session = sess
	}

	var code string
	if token := task.Params.SecondFactorToken(); token != "" {
		resolved, err := l.resolveCode(ctx, task, token, rec)
		if err != nil {
			return err
		}
		code = resolved
	}

	res, pending, err := l.e.runAutomation(ctx, AutomationRequest{
		DeviceSerial: l.serial,
		TaskID:       task.ID,
		TaskType:     task.Type,
		Params:       task.Params,
		Code:         code,
	})
	if pending != nil {
		l.taint(pending)
	}
	if err != nil {
		rec.action("automation", string(task.Type), false, err)
		return fleet.NewExecError(fleet.KindTransient, err)
	}
	switch res.Outcome {
	case OutcomeSuccess:
		rec.action("automation", string(task.Type), true, nil)
		return nil
	case OutcomeChallenge:
		err := errors.New(nonEmpty(res.Message, "verification challenge encountered"))
		rec.action("automation", string(task.Type), false, err)
		return fleet.NewExecError(fleet.KindChallenge, err)
	case OutcomeTransientError:
		err := errors.New(nonEmpty(res.Message, "transient automation error"))
		rec.action("automation", string(task.Type), false, err)
		return fleet.NewExecError(fleet.KindTransient, err)
	default:
		err := pkgerrors.Errorf("unknown automation outcome %q: %s", res.Outcome, res.Message)
		rec.action("automation", string(task.Type), false, err)
		return fleet.NewExecError(fleet.KindTransient, err)
	}
}

// taint hands the device session to a watcher that closes it once the stuck
// automation call finally returns.
func (l *deviceLane) taint(pending <-chan automationReply) {
	l.tainted = true
	sess := l.session
	l.session = nil
	l.logger.Error().Dur("grace", l.e.cfg.AutomationGrace).Msg("automation still running after timeout, device tainted for this lane")
	go func() {
		<-pending
		if sess != nil {
			if err := sess.Close(); err != nil {
				l.logger.Warn().Err(err).Msg("release tainted device session failed")
			}
		}
		l.logger.Warn().Msg("stuck automation returned, tainted device session released")
	}()
}

func (l *deviceLane) resolveCode(ctx context.Context, task *fleet.Task, token string, rec *sessionRecorder) (string, error) {
	storeCtx := context.WithoutCancel(ctx)
	target := maskToken(token)
	if l.e.cfg.SecondFactor == nil {
		err := errors.New("second factor client not configured")
		rec.action("second_factor", target, false, err)
		return "", fleet.NewExecError(fleet.KindTransient, err)
	}
	code, err := l.e.cfg.SecondFactor.GetCode(ctx, token, l.e.cfg.SecondFactorOptions)
	rec.action("second_factor", target, err == nil, err)
	tokens := l.e.cfg.Tokens
	switch {
	case errors.Is(err, secondfactor.ErrInvalidToken):
		if tokens != nil {
			if markErr := tokens.MarkTokenInvalid(storeCtx, token, task.AccountID, l.serial); markErr != nil {
				l.logger.Warn().Err(markErr).Str("task_id", task.ID).Msg("mark token invalid failed")
			}
		}
		return "", fleet.NewExecError(fleet.KindInvalidSecondFactor, err)
	case err != nil:
		return "", fleet.NewExecError(fleet.KindTransient, err)
	}
	if tokens != nil {
		if useErr := tokens.RecordTokenUse(storeCtx, token, task.AccountID, l.serial); useErr != nil {
			l.logger.Warn().Err(useErr).Str("task_id", task.ID).Msg("record token use failed")
		}
	}
	return code, nil
}

// settle persists the outcome of an attempt and returns the final task status.
func (l *deviceLane) settle(ctx context.Context, task *fleet.Task, execErr error, logger zerolog.Logger) (fleet.TaskStatus, TaskResult) {
	storeCtx := context.WithoutCancel(ctx)
	if execErr == nil {
		l.transition(storeCtx, task.ID, fleet.TaskCompleted, fleet.TransitionResult{Reason: "automation succeeded"}, logger)
		return fleet.TaskCompleted, TaskResult{Outcome: TaskOutcomeCompleted}
	}
	errText := execErr.Error()
	kind := fleet.KindOf(execErr)
	if ctx.Err() != nil && kind != fleet.KindChallenge && kind != fleet.KindInvalidSecondFactor {
		// interrupted by shutdown: not the task's fault, no retry consumed
		l.transition(storeCtx, task.ID, fleet.TaskPending, fleet.TransitionResult{Error: errText, Reason: ReasonCanceled}, logger)
		return fleet.TaskPending, TaskResult{Outcome: TaskOutcomeSkipped, Reason: ReasonCanceled, Error: errText}
	}
	switch kind {
	case fleet.KindChallenge:
		l.transition(storeCtx, task.ID, fleet.TaskNeedsManual, fleet.TransitionResult{Error: errText, Reason: string(kind)}, logger)
		return fleet.TaskNeedsManual, TaskResult{Outcome: TaskOutcomeNeedsManual, Reason: string(kind), Error: errText}
	case fleet.KindDeviceUnreachable, fleet.KindInvalidSecondFactor:
		l.transition(storeCtx, task.ID, fleet.TaskFailed, fleet.TransitionResult{Error: errText, Reason: string(kind)}, logger)
		return fleet.TaskFailed, TaskResult{Outcome: TaskOutcomeFailed, Reason: string(kind), Error: errText}
	}

	if task.RetryCount < task.MaxRetries {
		count, err := l.e.cfg.Tasks.IncrementRetry(storeCtx, task.ID)
		if err == nil {
			l.transition(storeCtx, task.ID, fleet.TaskPending, fleet.TransitionResult{Error: errText, Reason: string(kind)}, logger)
			logger.Info().Int("retry_count", count).Int("max_retries", task.MaxRetries).Msg("task returned to pending for retry")
			return fleet.TaskPending, TaskResult{Outcome: TaskOutcomeRetry, Reason: string(kind), Error: errText}
		}
		logger.Warn().Err(err).Msg("increment retry failed, failing task")
	}
	l.transition(storeCtx, task.ID, fleet.TaskFailed, fleet.TransitionResult{Error: errText, Reason: "retries exhausted"}, logger)
	return fleet.TaskFailed, TaskResult{Outcome: TaskOutcomeFailed, Reason: string(kind), Error: errText}
}

func (l *deviceLane) transition(ctx context.Context, id string, to fleet.TaskStatus, result fleet.TransitionResult, logger zerolog.Logger) {
	if _, err := l.e.cfg.Tasks.Transition(ctx, id, to, result); err != nil {
		logger.Error().Err(err).Str("to", string(to)).Msg("persist task outcome failed")
	}
}

type automationReply struct {
	res AutomationResult
	err error
}

// runAutomation bounds the automation call by AutomationTimeout even if the
// implementation ignores ctx, and turns panics into errors. A call that has
// not returned within AutomationGrace after the timeout is reported through
// the returned channel, which yields once it finally returns.
func (e *DeviceExecutor) runAutomation(ctx context.Context, req AutomationRequest) (AutomationResult, <-chan automationReply, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.AutomationTimeout)
	defer cancel()
	replies := make(chan automationReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- automationReply{err: pkgerrors.Errorf("automation panicked: %v", r)}
			}
		}()
		res, err := e.cfg.Automation.Run(runCtx, req)
		replies <- automationReply{res: res, err: err}
	}()
	select {
	case reply := <-replies:
		return reply.res, nil, reply.err
	case <-runCtx.Done():
	}
	timeoutErr := pkgerrors.Wrapf(runCtx.Err(), "automation on %s did not return", req.DeviceSerial)
	grace := time.NewTimer(e.cfg.AutomationGrace)
	defer grace.Stop()
	select {
	case <-replies:
		return AutomationResult{}, nil, timeoutErr
	case <-grace.C:
		return AutomationResult{}, replies, pkgerrors.Wrapf(errAutomationStuck, "automation on %s still running %s after timeout", req.DeviceSerial, e.cfg.AutomationGrace)
	}
}

// sessionRecorder funnels lane actions into the SessionLogger. Logging
// failures never affect the task outcome.
type sessionRecorder struct {
	ctx      context.Context
	sessions SessionLogger
	logger   zerolog.Logger
	id       string
	summary  []string
}

func newSessionRecorder(ctx context.Context, sessions SessionLogger, logger zerolog.Logger) *sessionRecorder {
	return &sessionRecorder{ctx: ctx, sessions: sessions, logger: logger}
}

func (r *sessionRecorder) open(serial, accountID, taskID string) {
	id, err := r.sessions.OpenSession(r.ctx, serial, accountID, taskID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("open session failed, actions will not be recorded")
		return
	}
	r.id = id
}

func (r *sessionRecorder) action(action, target string, success bool, err error) {
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if success {
		r.summary = append(r.summary, action+"=ok")
	} else {
		r.summary = append(r.summary, action+"=failed")
	}
	if r.id == "" {
		return
	}
	if logErr := r.sessions.LogAction(r.ctx, r.id, action, target, success, errText); logErr != nil {
		r.logger.Warn().Err(logErr).Str("action", action).Msg("log session action failed")
	}
}

func (r *sessionRecorder) close(final fleet.TaskStatus, result TaskResult) {
	if r.id == "" {
		return
	}
	status := fleet.SessionError
	switch final {
	case fleet.TaskCompleted:
		status = fleet.SessionSuccess
	case fleet.TaskNeedsManual:
		status = fleet.SessionNeedsManual
	}
	summary := strings.Join(r.summary, " ")
	if result.Error != "" {
		summary += "; " + result.Error
	}
	if err := r.sessions.CloseSession(r.ctx, r.id, status, summary); err != nil {
		r.logger.Warn().Err(err).Msg("close session failed")
	}
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
