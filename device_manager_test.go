package fleetagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
)

type stubStateProvider struct {
	states map[string]fleet.DeviceStatus
}

func (p *stubStateProvider) ListDeviceStatuses(ctx context.Context) (map[string]fleet.DeviceStatus, error) {
	return p.states, nil
}

type stubDeviceRecorder struct {
	mu      sync.Mutex
	updates []fleet.Device
}

func (r *stubDeviceRecorder) UpsertDevices(ctx context.Context, devices []fleet.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, devices...)
	return nil
}

func TestDeviceManagerRefreshReportsStates(t *testing.T) {
	provider := &stubStateProvider{states: map[string]fleet.DeviceStatus{
		"online-1":  fleet.DeviceOnline,
		"offline-1": fleet.DeviceOffline,
		"unauth-1":  fleet.DeviceUnauthorized,
	}}
	recorder := &stubDeviceRecorder{}
	manager := NewDeviceManager(provider, recorder)

	updates, err := manager.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(updates) != 3 || updates[0].Serial != "offline-1" {
		t.Fatalf("expected 3 sorted updates, got %+v", updates)
	}
	online := manager.OnlineDevices()
	if len(online) != 1 || online[0] != "online-1" {
		t.Fatalf("only online-1 should be schedulable: %v", online)
	}
	if manager.Status("unauth-1") != fleet.DeviceUnauthorized {
		t.Fatalf("unexpected status for unauth-1: %s", manager.Status("unauth-1"))
	}
	if len(recorder.updates) != 3 {
		t.Fatalf("recorder should receive every update, got %d", len(recorder.updates))
	}
}

func TestDeviceManagerMarksMissingDeviceOfflineAfterThreshold(t *testing.T) {
	provider := &stubStateProvider{states: map[string]fleet.DeviceStatus{"d1": fleet.DeviceOnline}}
	recorder := &stubDeviceRecorder{}
	manager := NewDeviceManager(provider, recorder)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	if _, err := manager.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	provider.states = map[string]fleet.DeviceStatus{}

	now = now.Add(time.Minute)
	updates, _ := manager.Refresh(context.Background())
	if len(updates) != 0 || manager.Status("d1") != fleet.DeviceOnline {
		t.Fatalf("short disappearance must not flap status: %+v", updates)
	}

	now = now.Add(offlineThreshold)
	updates, _ = manager.Refresh(context.Background())
	if len(updates) != 1 || updates[0].Status != fleet.DeviceOffline {
		t.Fatalf("expected offline update, got %+v", updates)
	}
	if manager.Status("d1") != fleet.DeviceUnknown {
		t.Fatal("offline device should be dropped from the manager")
	}
}
