package fleet

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// TaskType tags the parameter variant of a task.
type TaskType string

const (
	TaskTypeLogin  TaskType = "login"
	TaskTypePost   TaskType = "post"
	TaskTypeWarmup TaskType = "warmup"
)

// Params is the typed payload of a task. Each task type has exactly one
// concrete implementation.
type Params interface {
	TaskType() TaskType
	// SecondFactorToken returns the token to resolve before running, or "".
	SecondFactorToken() string
}

// LoginParams signs the account in on its device.
type LoginParams struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	SecondFactor string `json:"second_factor_token,omitempty"`
}

func (LoginParams) TaskType() TaskType { return TaskTypeLogin }

func (p LoginParams) SecondFactorToken() string { return strings.TrimSpace(p.SecondFactor) }

// PostParams publishes a caption with optional media.
type PostParams struct {
	Caption    string   `json:"caption"`
	MediaPaths []string `json:"media_paths,omitempty"`
}

func (PostParams) TaskType() TaskType { return TaskTypePost }

func (PostParams) SecondFactorToken() string { return "" }

// WarmupParams keeps the account active by browsing for a while.
type WarmupParams struct {
	DurationMinutes int `json:"duration_minutes"`
}

func (WarmupParams) TaskType() TaskType { return TaskTypeWarmup }

func (WarmupParams) SecondFactorToken() string { return "" }

// EncodeParams serializes params for persistence.
func EncodeParams(p Params) (TaskType, string, error) {
	if p == nil {
		return "", "", errors.Wrap(ErrValidation, "task params are nil")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", "", errors.Wrap(err, "encode task params")
	}
	return p.TaskType(), string(raw), nil
}

// DecodeParams restores the concrete params variant for typ.
func DecodeParams(typ TaskType, raw string) (Params, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	switch typ {
	case TaskTypeLogin:
		var p LoginParams
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, errors.Wrap(err, "decode login params")
		}
		return p, nil
	case TaskTypePost:
		var p PostParams
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, errors.Wrap(err, "decode post params")
		}
		return p, nil
	case TaskTypeWarmup:
		var p WarmupParams
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, errors.Wrap(err, "decode warmup params")
		}
		return p, nil
	default:
		return nil, errors.Wrapf(ErrValidation, "unknown task type %q", typ)
	}
}

// ParseTaskType validates a user supplied task type.
func ParseTaskType(s string) (TaskType, error) {
	switch typ := TaskType(strings.ToLower(strings.TrimSpace(s))); typ {
	case TaskTypeLogin, TaskTypePost, TaskTypeWarmup:
		return typ, nil
	default:
		return "", errors.Wrapf(ErrValidation, "unsupported task type %q (login|post|warmup)", s)
	}
}
