package fleetagent

import (
	"context"
	"errors"
	"strings"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TaskCreator persists new tasks.
type TaskCreator interface {
	CreateTask(ctx context.Context, in fleet.NewTask) (*fleet.Task, error)
}

// AccountReader resolves account ids.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*fleet.Account, error)
}

// TokenLookup finds the active second factor token bound to an account.
type TokenLookup interface {
	ActiveTokenForAccount(ctx context.Context, accountID string) (*fleet.SecondFactorToken, error)
}

// CreateTasksRequest describes one task per account.
type CreateTasksRequest struct {
	AccountIDs []string
	Type       fleet.TaskType
	Priority   int
	MaxRetries int
	// SecondFactorTokens overrides the bound token per account for login tasks.
	SecondFactorTokens map[string]string
	Post               fleet.PostParams
	Warmup             fleet.WarmupParams
}

// CreateTasksResult reports created tasks and per-account failures.
type CreateTasksResult struct {
	Created []*fleet.Task
	Failed  []AccountError
}

// AccountError is the failure of one account in a CreateTasksForAccounts call.
type AccountError struct {
	AccountID string
	Err       error
}

func (e AccountError) Error() string {
	return e.AccountID + ": " + e.Err.Error()
}

// TaskCreationDeps bundles the collaborators of CreateTasksForAccounts.
// Tokens is optional.
type TaskCreationDeps struct {
	Accounts AccountReader
	Tasks    TaskCreator
	Tokens   TokenLookup
}

// CreateTasksForAccounts resolves every account to its device, credentials
// and type params and creates one pending task each. A failing account is
// reported in the result and never aborts the others; the returned error is
// reserved for invalid requests.
func CreateTasksForAccounts(ctx context.Context, deps TaskCreationDeps, req CreateTasksRequest) (*CreateTasksResult, error) {
	if deps.Accounts == nil || deps.Tasks == nil {
		return nil, errors.New("create tasks: account reader and task creator are required")
	}
	if _, err := fleet.ParseTaskType(string(req.Type)); err != nil {
		return nil, err
	}
	if req.MaxRetries < 0 {
		return nil, pkgerrors.Wrap(fleet.ErrValidation, "max retries must not be negative")
	}
	result := &CreateTasksResult{}
	seen := make(map[string]bool, len(req.AccountIDs))
	for _, raw := range req.AccountIDs {
		accountID := strings.TrimSpace(raw)
		if accountID == "" || seen[accountID] {
			continue
		}
		seen[accountID] = true
		task, err := createTaskForAccount(ctx, deps, req, accountID)
		if err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("create task for account failed")
			result.Failed = append(result.Failed, AccountError{AccountID: accountID, Err: err})
			continue
		}
		result.Created = append(result.Created, task)
	}
	log.Info().Str("type", string(req.Type)).Int("created", len(result.Created)).Int("failed", len(result.Failed)).
		Msg("tasks created for accounts")
	return result, nil
}

func createTaskForAccount(ctx context.Context, deps TaskCreationDeps, req CreateTasksRequest, accountID string) (*fleet.Task, error) {
	acc, err := deps.Accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(acc.DeviceSerial) == "" {
		return nil, pkgerrors.Wrapf(fleet.ErrValidation, "account %s has no device", accountID)
	}
	var params fleet.Params
	switch req.Type {
	case fleet.TaskTypeLogin:
		params = fleet.LoginParams{
			Username:     acc.Username,
			Password:     acc.Secret,
			SecondFactor: loginToken(ctx, deps.Tokens, req.SecondFactorTokens, accountID),
		}
	case fleet.TaskTypePost:
		post := req.Post
		post.MediaPaths = append([]string(nil), req.Post.MediaPaths...)
		params = post
	case fleet.TaskTypeWarmup:
		params = req.Warmup
	}
	return deps.Tasks.CreateTask(ctx, fleet.NewTask{
		AccountID:    acc.ID,
		DeviceSerial: acc.DeviceSerial,
		Params:       params,
		Priority:     req.Priority,
		MaxRetries:   req.MaxRetries,
	})
}

func loginToken(ctx context.Context, lookup TokenLookup, overrides map[string]string, accountID string) string {
	if token := strings.TrimSpace(overrides[accountID]); token != "" {
		return token
	}
	if lookup == nil {
		return ""
	}
	tok, err := lookup.ActiveTokenForAccount(ctx, accountID)
	if err != nil {
		if !errors.Is(err, fleet.ErrNotFound) {
			log.Warn().Err(err).Str("account_id", accountID).Msg("lookup second factor token failed")
		}
		return ""
	}
	return tok.Token
}
