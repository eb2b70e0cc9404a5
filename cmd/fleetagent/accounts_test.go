package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/FleetAgent/pkg/window"
)

func TestParseWindows(t *testing.T) {
	windows, err := parseWindows([]string{"22-2", " 9 - 17 "})
	if err != nil {
		t.Fatalf("parseWindows: %v", err)
	}
	want := []fleet.Window{{StartHour: 22, EndHour: 2}, {StartHour: 9, EndHour: 17}}
	if len(windows) != len(want) || windows[0] != want[0] || windows[1] != want[1] {
		t.Fatalf("got %+v, want %+v", windows, want)
	}
	if got := formatWindows(windows); got != "22-02,09-17" {
		t.Fatalf("formatWindows = %q", got)
	}
	if got := formatWindows(nil); got != "always" {
		t.Fatalf("formatWindows(nil) = %q", got)
	}
	for _, bad := range []string{"22", "a-2", "1-b", "24-2", "-1-3"} {
		if _, err := parseWindows([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestWriteAccountsShowsNextEligible(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)
	accounts := []*fleet.Account{
		{ID: "day", DeviceSerial: "d1", Status: fleet.AccountIdle},
		{ID: "night", DeviceSerial: "d2", Status: fleet.AccountActive, Windows: []fleet.Window{{StartHour: 22, EndHour: 2}}},
	}
	var out bytes.Buffer
	if err := writeAccounts(&out, accounts, window.NewScheduler(nil, time.UTC), now, time.UTC); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.Contains(lines[0], "NEXT ELIGIBLE") {
		t.Fatalf("unexpected table:\n%s", out.String())
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[1]), "now") {
		t.Fatalf("unrestricted account should be eligible now: %q", lines[1])
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[2]), "2026-03-14 22:00") {
		t.Fatalf("night account should open at 22:00: %q", lines[2])
	}
}
