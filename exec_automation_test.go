package fleetagent

import (
	"context"
	"testing"

	"github.com/httprunner/FleetAgent/pkg/fleet"
)

func shellAutomation(script string) *ExecAutomation {
	return &ExecAutomation{Command: "sh", Args: []string{"-c", script}}
}

func TestExecAutomationReadsStructuredOutcome(t *testing.T) {
	req := AutomationRequest{DeviceSerial: "emulator-5554", TaskID: "t1", TaskType: fleet.TaskTypeWarmup, Params: fleet.WarmupParams{DurationMinutes: 3}}

	a := shellAutomation(`grep -q '"duration_minutes":3' && [ "$ANDROID_SERIAL" = emulator-5554 ] && echo '{"outcome":"success"}'`)
	res, err := a.Run(context.Background(), req)
	if err != nil || res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %+v err=%v", res, err)
	}

	// a non-zero exit with a reported outcome still counts as that outcome
	a = shellAutomation(`cat >/dev/null; echo '{"outcome":"challenge","message":"captcha"}'; exit 3`)
	res, err = a.Run(context.Background(), req)
	if err != nil || res.Outcome != OutcomeChallenge || res.Message != "captcha" {
		t.Fatalf("expected challenge, got %+v err=%v", res, err)
	}
}

func TestExecAutomationFailures(t *testing.T) {
	req := AutomationRequest{DeviceSerial: "d1", TaskType: fleet.TaskTypeWarmup, Params: fleet.WarmupParams{}}
	for name, script := range map[string]string{
		"exit without output": `cat >/dev/null; echo boom >&2; exit 1`,
		"garbage output":      `cat >/dev/null; echo not-json`,
		"missing outcome":     `cat >/dev/null; echo '{"message":"hi"}'`,
	} {
		if _, err := shellAutomation(script).Run(context.Background(), req); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := NewExecAutomation("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
	a, err := NewExecAutomation("python3 driver.py --fast")
	if err != nil || a.Command != "python3" || len(a.Args) != 2 {
		t.Fatalf("unexpected parse: %+v err=%v", a, err)
	}
}
