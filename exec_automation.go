package fleetagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ExecAutomation runs an external automation driver once per task. The
// request is written as JSON to stdin and the driver must print an
// AutomationResult JSON object on stdout. ANDROID_SERIAL is set to the
// target device so adb-based drivers address the right phone.
type ExecAutomation struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// NewExecAutomation parses a command line such as "python3 driver.py --fast".
func NewExecAutomation(commandLine string) (*ExecAutomation, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("automation command is empty")
	}
	return &ExecAutomation{Command: fields[0], Args: fields[1:]}, nil
}

// Run implements Automation.
func (a *ExecAutomation) Run(ctx context.Context, req AutomationRequest) (AutomationResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return AutomationResult{}, pkgerrors.Wrap(err, "encode automation request")
	}
	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Dir = a.Dir
	cmd.Env = append(append(os.Environ(), a.Env...), "ANDROID_SERIAL="+req.DeviceSerial)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	var result AutomationResult
	decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result)
	if decodeErr == nil && result.Outcome != "" {
		if runErr != nil {
			log.Debug().Err(runErr).Str("serial", req.DeviceSerial).Str("task_id", req.TaskID).
				Msg("automation driver exited non-zero but reported an outcome")
		}
		return result, nil
	}
	if runErr != nil {
		return AutomationResult{}, pkgerrors.Wrapf(runErr, "automation driver failed: %s", tail(stderr.String(), 512))
	}
	if decodeErr != nil {
		return AutomationResult{}, pkgerrors.Wrap(decodeErr, "decode automation result")
	}
	return AutomationResult{}, errors.New("automation result has no outcome")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
