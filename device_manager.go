package fleetagent

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const offlineThreshold = 5 * time.Minute

// DeviceStateProvider 返回当前可见设备及其状态。
type DeviceStateProvider interface {
	ListDeviceStatuses(ctx context.Context) (map[string]fleet.DeviceStatus, error)
}

// DeviceRecorder 负责将设备状态落库。
type DeviceRecorder interface {
	UpsertDevices(ctx context.Context, devices []fleet.Device) error
}

// DeviceManager 维护设备可达状态并同步 recorder。执行引擎只刷新状态，不修改其他设备信息。
type DeviceManager struct {
	provider DeviceStateProvider
	recorder DeviceRecorder
	now      func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceState
}

type deviceState struct {
	serial   string
	status   fleet.DeviceStatus
	lastSeen time.Time
}

// NewDeviceManager 构建设备状态管理器，recorder 可为空。
func NewDeviceManager(provider DeviceStateProvider, recorder DeviceRecorder) *DeviceManager {
	return &DeviceManager{
		provider: provider,
		recorder: recorder,
		now:      time.Now,
		devices:  make(map[string]*deviceState),
	}
}

// Refresh 刷新设备列表并同步 recorder，返回本次上报的设备状态。
//
// A device missing from the listing is reported offline only after
// offlineThreshold, so a short adb hiccup does not flap its status.
func (m *DeviceManager) Refresh(ctx context.Context) ([]fleet.Device, error) {
	if m == nil || m.provider == nil {
		return nil, errors.New("device manager: provider is nil")
	}
	statuses, err := m.provider.ListDeviceStatuses(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices failed")
	}
	now := m.now()
	updates := make([]fleet.Device, 0, len(statuses))

	m.mu.Lock()
	for serial, status := range statuses {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		dev, exists := m.devices[serial]
		if !exists {
			dev = &deviceState{serial: serial}
			m.devices[serial] = dev
			log.Info().Str("serial", serial).Str("status", string(status)).Msg("device connected")
		} else if dev.status != status {
			log.Info().Str("serial", serial).Str("from", string(dev.status)).Str("to", string(status)).Msg("device status changed")
		}
		dev.status = status
		dev.lastSeen = now
		update := fleet.Device{Serial: serial, Status: status, LastSeenAt: now}
		if status != fleet.DeviceOnline {
			update.LastError = "adb state " + string(status)
		}
		updates = append(updates, update)
	}
	for serial, dev := range m.devices {
		if _, ok := statuses[serial]; ok {
			continue
		}
		if now.Sub(dev.lastSeen) < offlineThreshold {
			continue
		}
		delete(m.devices, serial)
		updates = append(updates, fleet.Device{
			Serial:     serial,
			Status:     fleet.DeviceOffline,
			LastSeenAt: dev.lastSeen,
			LastError:  "device disappeared from adb",
		})
		log.Info().Str("serial", serial).Msg("device disconnected")
	}
	m.mu.Unlock()

	sort.Slice(updates, func(i, j int) bool { return updates[i].Serial < updates[j].Serial })
	if m.recorder != nil && len(updates) > 0 {
		if err := m.recorder.UpsertDevices(ctx, updates); err != nil {
			log.Error().Err(err).Msg("device recorder upsert failed")
		}
	}
	return updates, nil
}

// OnlineDevices 返回当前可调度的设备序列号（已排序）。
func (m *DeviceManager) OnlineDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, 0, len(m.devices))
	for serial, dev := range m.devices {
		if dev.status == fleet.DeviceOnline {
			result = append(result, serial)
		}
	}
	sort.Strings(result)
	return result
}

// Status 返回设备最近一次观测到的状态。
func (m *DeviceManager) Status(serial string) fleet.DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[serial]; ok {
		return dev.status
	}
	return fleet.DeviceUnknown
}
