package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/secondfactor"
	"github.com/httprunner/FleetAgent/pkg/storage"
	"github.com/httprunner/FleetAgent/pkg/window"
)

type completingRunner struct{}

func (completingRunner) Run(ctx context.Context, serial string, tasks []*fleet.Task, state *fleetagent.BatchState) error {
	for _, task := range tasks {
		state.Record(serial, task.ID, fleetagent.TaskResult{Outcome: fleetagent.TaskOutcomeCompleted})
	}
	return nil
}

type stubTester map[string]error

func (s stubTester) TestToken(ctx context.Context, token string) (string, error) {
	if err, ok := s[token]; ok {
		return "", err
	}
	return "123456", nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *storage.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := storage.Open(filepath.Join(t.TempDir(), "fleet.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	coordinator, err := fleetagent.NewBatchCoordinator(fleetagent.CoordinatorConfig{
		Tasks:    store,
		Accounts: store,
		Runner:   completingRunner{},
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	r := NewRouter(Deps{
		Store:             store,
		Coordinator:       coordinator,
		Tokens:            stubTester{"bad": secondfactor.ErrInvalidToken, "slow": secondfactor.ErrCodeNotReady},
		Windows:           window.NewScheduler(store, time.UTC),
		DefaultMaxRetries: 2,
	})
	return r, store
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("unmarshal %s: %v", w.Body.String(), err)
	}
}

func TestTaskAndBatchFlow(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPut, "/v1/accounts/alice", map[string]any{
		"username": "alice", "secret": "pw", "device_serial": "d1",
		"windows": []map[string]int{{"start": 22, "end": 2}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert account: %d %s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte("pw")) {
		t.Fatalf("account secret leaked: %s", w.Body.String())
	}
	var account accountView
	decode(t, w, &account)
	if account.NextEligibleAt == nil {
		t.Fatalf("account view should carry next_eligible_at: %s", w.Body.String())
	}
	if hour := account.NextEligibleAt.UTC().Hour(); hour < 22 && hour >= 2 {
		t.Fatalf("next eligible time %s falls outside the 22-2 window", account.NextEligibleAt)
	}

	w = doJSON(t, r, http.MethodPost, "/v1/tasks", map[string]any{
		"account_ids": []string{"alice", "ghost"},
		"type":        "warmup",
		"warmup":      map[string]int{"duration_minutes": 5},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create tasks: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Created []taskView       `json:"created"`
		Failed  []accountFailure `json:"failed"`
	}
	decode(t, w, &created)
	if len(created.Created) != 1 || len(created.Failed) != 1 || created.Failed[0].AccountID != "ghost" {
		t.Fatalf("unexpected create result: %+v", created)
	}
	if created.Created[0].MaxRetries != 2 {
		t.Fatalf("default max retries not applied: %+v", created.Created[0])
	}
	taskID := created.Created[0].ID

	w = doJSON(t, r, http.MethodGet, "/v1/tasks?status=pending&account=alice", nil)
	var listed struct {
		Tasks []taskView `json:"tasks"`
	}
	decode(t, w, &listed)
	if len(listed.Tasks) != 1 || listed.Tasks[0].ID != taskID {
		t.Fatalf("unexpected task list: %+v", listed)
	}

	w = doJSON(t, r, http.MethodPost, "/v1/batches", map[string]any{"task_ids": []string{taskID}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit batch: %d %s", w.Code, w.Body.String())
	}
	var submitted struct {
		BatchID string `json:"batch_id"`
	}
	decode(t, w, &submitted)

	deadline := time.Now().Add(2 * time.Second)
	var progress fleetagent.Progress
	for {
		w = doJSON(t, r, http.MethodGet, "/v1/batches/"+submitted.BatchID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("progress: %d %s", w.Code, w.Body.String())
		}
		decode(t, w, &progress)
		if progress.Done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if progress.Total != 1 || progress.Completed != 1 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	// finished batches are purged after the first read
	if w = doJSON(t, r, http.MethodGet, "/v1/batches/"+submitted.BatchID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after purge, got %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()
	if err := store.UpsertAccount(ctx, &fleet.Account{ID: "bob", DeviceSerial: "d2"}); err != nil {
		t.Fatal(err)
	}
	task, err := store.CreateTask(ctx, fleet.NewTask{AccountID: "bob", DeviceSerial: "d2", Params: fleet.WarmupParams{}})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty batch", http.MethodPost, "/v1/batches", map[string]any{}, http.StatusBadRequest},
		{"unknown batch", http.MethodGet, "/v1/batches/nope", nil, http.StatusNotFound},
		{"stop unknown batch", http.MethodPost, "/v1/batches/nope/stop", nil, http.StatusNotFound},
		{"requeue pending", http.MethodPost, "/v1/tasks/" + task.ID + "/requeue", nil, http.StatusConflict},
		{"unknown task", http.MethodGet, "/v1/tasks/nope", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/v1/tasks?status=sleeping", nil, http.StatusBadRequest},
		{"bad task type", http.MethodPost, "/v1/tasks", map[string]any{"account_ids": []string{"bob"}, "type": "dance"}, http.StatusBadRequest},
		{"bad window", http.MethodPut, "/v1/accounts/carol", map[string]any{"device_serial": "d3", "windows": []map[string]int{{"start": 25, "end": 2}}}, http.StatusBadRequest},
		{"refresh without provider", http.MethodPost, "/v1/devices/refresh", nil, http.StatusServiceUnavailable},
		{"stop all", http.MethodPost, "/v1/stop", nil, http.StatusAccepted},
		{"delete pending", http.MethodDelete, "/v1/tasks/" + task.ID, nil, http.StatusNoContent},
	}
	for _, tc := range cases {
		if w := doJSON(t, r, tc.method, tc.path, tc.body); w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d: %s", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
	if _, err := store.GetTask(ctx, task.ID); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("task should be deleted, got %v", err)
	}
}

func TestTokenRoutes(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	w := doJSON(t, r, http.MethodPost, "/v1/tokens", map[string]any{"token": "bad", "account_id": "alice", "device_serial": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert token: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/v1/tokens/good/test", nil)
	var res map[string]any
	decode(t, w, &res)
	if res["valid"] != true || res["code"] != "123456" {
		t.Fatalf("unexpected test result: %v", res)
	}

	w = doJSON(t, r, http.MethodPost, "/v1/tokens/bad/test", nil)
	decode(t, w, &res)
	if res["valid"] != false {
		t.Fatalf("expected invalid token, got %v", res)
	}
	tok, err := store.GetToken(ctx, "bad")
	if err != nil || tok.Status != fleet.TokenInvalid || tok.AccountID != "alice" {
		t.Fatalf("token should be marked invalid: %+v err=%v", tok, err)
	}
	if _, err := store.ActiveTokenForAccount(ctx, "alice"); !errors.Is(err, fleet.ErrNotFound) {
		t.Fatalf("invalid token must not be active, got %v", err)
	}
}
