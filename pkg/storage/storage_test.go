package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	store, err := Open(filepath.Join(t.TempDir(), "fleet.sqlite"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, clock
}

func mustCreate(t *testing.T, s *Store, in fleet.NewTask) *fleet.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestResolveDatabasePathHonorsEnv(t *testing.T) {
	custom := filepath.Join(t.TempDir(), "nested", "db.sqlite")
	t.Setenv(EnvDBPath, custom)
	got, err := ResolveDatabasePath()
	if err != nil {
		t.Fatalf("ResolveDatabasePath: %v", err)
	}
	if got != custom {
		t.Fatalf("expected %s, got %s", custom, got)
	}
}

func TestCreateTaskRequiresDevice(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.CreateTask(context.Background(), fleet.NewTask{AccountID: "acc", Params: fleet.WarmupParams{}})
	if !errors.Is(err, fleet.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateAndGetTaskRoundTripsParams(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	created := mustCreate(t, s, fleet.NewTask{
		AccountID:    "acc",
		DeviceSerial: "dev",
		Params:       fleet.LoginParams{Username: "alice", Password: "pw", SecondFactor: "tok"},
		MaxRetries:   2,
	})
	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != fleet.TaskPending || got.RetryCount != 0 || got.MaxRetries != 2 {
		t.Fatalf("unexpected task: %+v", got)
	}
	login, ok := got.Params.(fleet.LoginParams)
	if !ok || login.Username != "alice" || login.SecondFactorToken() != "tok" {
		t.Fatalf("params not restored: %#v", got.Params)
	}
	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTasksOrdering(t *testing.T) {
	s, clock := openTestStore(t)
	low := mustCreate(t, s, fleet.NewTask{AccountID: "a", DeviceSerial: "d1", Params: fleet.WarmupParams{}})
	sameTimeA := mustCreate(t, s, fleet.NewTask{AccountID: "b", DeviceSerial: "d1", Params: fleet.WarmupParams{}, Priority: 5})
	sameTimeB := mustCreate(t, s, fleet.NewTask{AccountID: "c", DeviceSerial: "d2", Params: fleet.WarmupParams{}, Priority: 5})
	clock.Advance(time.Second)
	later := mustCreate(t, s, fleet.NewTask{AccountID: "d", DeviceSerial: "d2", Params: fleet.WarmupParams{}, Priority: 5})

	tasks, err := s.ListTasks(context.Background(), fleet.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	want := []string{sameTimeA.ID, sameTimeB.ID, later.ID, low.ID}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, tasks[i].ID)
		}
	}

	filtered, err := s.ListTasks(context.Background(), fleet.TaskFilter{DeviceSerial: "d2", Limit: 1})
	if err != nil {
		t.Fatalf("ListTasks filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != sameTimeB.ID {
		t.Fatalf("unexpected filtered result: %+v", filtered)
	}
}

func TestTransitionEnforcesStateMachine(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, fleet.NewTask{AccountID: "a", DeviceSerial: "d", Params: fleet.WarmupParams{}})

	if _, err := s.Transition(ctx, task.ID, fleet.TaskCompleted, fleet.TransitionResult{}); !errors.Is(err, fleet.ErrInvalidTransition) {
		t.Fatalf("pending -> completed must fail, got %v", err)
	}
	running, err := s.Transition(ctx, task.ID, fleet.TaskRunning, fleet.TransitionResult{})
	if err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}
	done, err := s.Transition(ctx, task.ID, fleet.TaskCompleted, fleet.TransitionResult{Reason: "ok"})
	if err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	for _, to := range []fleet.TaskStatus{fleet.TaskPending, fleet.TaskRunning, fleet.TaskFailed} {
		if _, err := s.Transition(ctx, task.ID, to, fleet.TransitionResult{}); !errors.Is(err, fleet.ErrInvalidTransition) {
			t.Fatalf("completed -> %s must fail, got %v", to, err)
		}
	}
	stored, _ := s.GetTask(ctx, task.ID)
	if stored.Status != fleet.TaskCompleted {
		t.Fatalf("rejected transitions must not change status, got %s", stored.Status)
	}
}

func TestIncrementRetryIsBounded(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, fleet.NewTask{AccountID: "a", DeviceSerial: "d", Params: fleet.WarmupParams{}, MaxRetries: 2})
	for want := 1; want <= 2; want++ {
		got, err := s.IncrementRetry(ctx, task.ID)
		if err != nil || got != want {
			t.Fatalf("increment %d: got %d err=%v", want, got, err)
		}
	}
	got, err := s.IncrementRetry(ctx, task.ID)
	if !errors.Is(err, fleet.ErrInvalidTransition) || got != 2 {
		t.Fatalf("expected bounded retry count 2, got %d err=%v", got, err)
	}
}

func TestRequeueDeleteAndPurge(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, fleet.NewTask{AccountID: "a", DeviceSerial: "d", Params: fleet.WarmupParams{}, MaxRetries: 1})

	if _, err := s.Requeue(ctx, task.ID); !errors.Is(err, fleet.ErrInvalidTransition) {
		t.Fatalf("pending task cannot be requeued, got %v", err)
	}
	if _, err := s.Transition(ctx, task.ID, fleet.TaskRunning, fleet.TransitionResult{}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, fleet.ErrInvalidTransition) {
		t.Fatalf("running task cannot be deleted, got %v", err)
	}
	if _, err := s.IncrementRetry(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, task.ID, fleet.TaskFailed, fleet.TransitionResult{Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	requeued, err := s.Requeue(ctx, task.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued.Status != fleet.TaskPending || requeued.RetryCount != 0 || requeued.Error != "" {
		t.Fatalf("unexpected requeued task: %+v", requeued)
	}

	if _, err := s.Transition(ctx, task.ID, fleet.TaskRunning, fleet.TransitionResult{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(ctx, task.ID, fleet.TaskCompleted, fleet.TransitionResult{}); err != nil {
		t.Fatal(err)
	}
	fresh := mustCreate(t, s, fleet.NewTask{AccountID: "b", DeviceSerial: "d", Params: fleet.WarmupParams{}})
	clock.Advance(48 * time.Hour)
	purged, err := s.PurgeTerminalTasks(ctx, 24*time.Hour)
	if err != nil || purged != 1 {
		t.Fatalf("expected 1 purged task, got %d err=%v", purged, err)
	}
	if _, err := s.GetTask(ctx, fresh.ID); err != nil {
		t.Fatalf("pending task must survive purge: %v", err)
	}
	if err := s.DeleteTask(ctx, fresh.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := s.DeleteTask(ctx, fresh.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecoverRunning(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	task := mustCreate(t, s, fleet.NewTask{AccountID: "a", DeviceSerial: "d", Params: fleet.WarmupParams{}})
	if _, err := s.Transition(ctx, task.ID, fleet.TaskRunning, fleet.TransitionResult{}); err != nil {
		t.Fatal(err)
	}
	n, err := s.RecoverRunning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 recovered, got %d err=%v", n, err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != fleet.TaskPending || got.RetryCount != 0 {
		t.Fatalf("unexpected recovered task: %+v", got)
	}
}

func TestAccountsDevicesAndTokens(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	acc := &fleet.Account{ID: "alice", Username: "alice", DeviceSerial: "d1", Windows: []fleet.Window{{StartHour: 22, EndHour: 2}}}
	if err := s.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if err := s.UpsertAccount(ctx, &fleet.Account{ID: "bad", Windows: []fleet.Window{{StartHour: 25}}}); !errors.Is(err, fleet.ErrValidation) {
		t.Fatalf("expected window validation error, got %v", err)
	}
	ran := clock.Now()
	if err := s.UpdateAccountStatus(ctx, "alice", fleet.AccountActive, &ran); err != nil {
		t.Fatalf("UpdateAccountStatus: %v", err)
	}
	got, err := s.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Status != fleet.AccountActive || got.LastRunAt == nil || len(got.Windows) != 1 || got.Windows[0].StartHour != 22 {
		t.Fatalf("unexpected account: %+v", got)
	}
	if err := s.UpdateAccountStatus(ctx, "ghost", fleet.AccountIdle, nil); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.UpsertDevices(ctx, []fleet.Device{{Serial: "d2", Status: fleet.DeviceOffline}, {Serial: "d1", Status: fleet.DeviceOnline, LastSeenAt: ran}}); err != nil {
		t.Fatalf("UpsertDevices: %v", err)
	}
	devices, err := s.ListDevices(ctx)
	if err != nil || len(devices) != 2 || devices[0].Serial != "d1" || devices[0].Status != fleet.DeviceOnline {
		t.Fatalf("unexpected devices: %+v err=%v", devices, err)
	}

	if err := s.RecordTokenUse(ctx, "tok", "alice", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordTokenUse(ctx, "tok", "alice", "d1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTokenInvalid(ctx, "tok", "alice", "d1"); err != nil {
		t.Fatal(err)
	}
	tok, err := s.GetToken(ctx, "tok")
	if err != nil || tok.UsageCount != 2 || tok.Status != fleet.TokenInvalid {
		t.Fatalf("unexpected token: %+v err=%v", tok, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LastSessionStart(ctx, "d1", "alice"); ok || err != nil {
		t.Fatalf("expected no history, ok=%v err=%v", ok, err)
	}
	first, err := s.OpenSession(ctx, "d1", "alice", "t1")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := s.OpenSession(ctx, "d1", "alice", "t2")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := s.LogAction(ctx, second, "connect", "d1", true, ""); err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	if err := s.LogAction(ctx, second, "run", "post", false, "boom"); err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	if err := s.LogAction(ctx, "missing", "run", "", true, ""); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
	if err := s.CloseSession(ctx, second, fleet.SessionError, "boom"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := s.CloseSession(ctx, second, fleet.SessionSuccess, ""); !errors.Is(err, fleet.ErrInvalidTransition) {
		t.Fatalf("closing twice must fail, got %v", err)
	}

	last, ok, err := s.LastSessionStart(ctx, "d1", "alice")
	if err != nil || !ok || !last.Equal(clock.Now()) {
		t.Fatalf("unexpected last session start %s ok=%v err=%v", last, ok, err)
	}
	actions, err := s.ListActions(ctx, second)
	if err != nil || len(actions) != 2 || actions[0].Action != "connect" || actions[1].Success {
		t.Fatalf("unexpected actions: %+v err=%v", actions, err)
	}
	sessions, err := s.ListSessions(ctx, "d1", "", 0)
	if err != nil || len(sessions) != 2 || sessions[0].ID != second || sessions[1].ID != first {
		t.Fatalf("unexpected sessions: %+v err=%v", sessions, err)
	}
	if sessions[0].Status != fleet.SessionError || sessions[0].EndedAt == nil || sessions[1].Status != fleet.SessionOpen {
		t.Fatalf("unexpected session states: %+v", sessions)
	}
}
