package adb

import (
	"context"
	"testing"

	"github.com/httprunner/FleetAgent/pkg/fleet"
)

func TestParseState(t *testing.T) {
	cases := map[string]fleet.DeviceStatus{
		"device":       fleet.DeviceOnline,
		"offline":      fleet.DeviceOffline,
		"unauthorized": fleet.DeviceUnauthorized,
		" device\n":    fleet.DeviceOnline,
		"recovery":     fleet.DeviceUnknown,
		"":             fleet.DeviceUnknown,
	}
	for raw, want := range cases {
		if got := ParseState(raw); got != want {
			t.Errorf("ParseState(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestSessionIsExclusiveUntilClosed(t *testing.T) {
	p := &Provider{held: map[string]bool{}}
	p.held["d1"] = true
	if _, err := p.Connect(context.Background(), "d1"); err == nil {
		t.Fatal("expected error while d1 is held")
	}
	s := &session{provider: p, serial: "d1"}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if p.held["d1"] {
		t.Fatal("Close must release the device")
	}
}
