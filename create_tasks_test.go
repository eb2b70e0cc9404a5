package fleetagent

import (
	"context"
	"errors"
	"testing"

	"github.com/httprunner/FleetAgent/pkg/fleet"
)

func TestCreateTasksForAccountsReportsPerAccountErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAccount(t, "alice", "d1")
	h.addAccount(t, "bob", "d2")
	if err := h.store.UpsertAccount(ctx, &fleet.Account{ID: "nodevice", Username: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.UpsertToken(ctx, fleet.SecondFactorToken{Token: "tok-alice", AccountID: "alice"}); err != nil {
		t.Fatal(err)
	}

	res, err := CreateTasksForAccounts(ctx, TaskCreationDeps{Accounts: h.store, Tasks: h.store, Tokens: h.store}, CreateTasksRequest{
		AccountIDs:         []string{"alice", "ghost", "nodevice", "bob", "alice"},
		Type:               fleet.TaskTypeLogin,
		MaxRetries:         2,
		SecondFactorTokens: map[string]string{"bob": "tok-override"},
	})
	if err != nil {
		t.Fatalf("CreateTasksForAccounts: %v", err)
	}
	if len(res.Created) != 2 || len(res.Failed) != 2 {
		t.Fatalf("expected 2 created and 2 failed, got %d/%d", len(res.Created), len(res.Failed))
	}
	if !errors.Is(res.Failed[0].Err, fleet.ErrNotFound) || res.Failed[0].AccountID != "ghost" {
		t.Fatalf("unknown account should fail with ErrNotFound: %v", res.Failed[0])
	}
	if !errors.Is(res.Failed[1].Err, fleet.ErrValidation) {
		t.Fatalf("account without device should fail validation: %v", res.Failed[1])
	}

	alice := res.Created[0]
	login := alice.Params.(fleet.LoginParams)
	if alice.DeviceSerial != "d1" || login.Password != "pw" || login.SecondFactorToken() != "tok-alice" || alice.MaxRetries != 2 {
		t.Fatalf("alice task not resolved from account: %+v %+v", alice, login)
	}
	if tok := res.Created[1].Params.SecondFactorToken(); tok != "tok-override" {
		t.Fatalf("explicit token should win, got %q", tok)
	}
}

func TestCreateTasksForAccountsRejectsBadRequest(t *testing.T) {
	h := newHarness(t)
	deps := TaskCreationDeps{Accounts: h.store, Tasks: h.store}
	if _, err := CreateTasksForAccounts(context.Background(), deps, CreateTasksRequest{Type: "dance"}); !errors.Is(err, fleet.ErrValidation) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
	res, err := CreateTasksForAccounts(context.Background(), deps, CreateTasksRequest{
		AccountIDs: []string{"none"},
		Type:       fleet.TaskTypePost,
		Post:       fleet.PostParams{Caption: "hi"},
	})
	if err != nil || len(res.Failed) != 1 {
		t.Fatalf("unknown accounts are per-account failures, got %+v err=%v", res, err)
	}
}
