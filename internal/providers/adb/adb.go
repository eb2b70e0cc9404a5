package adb

import (
	"context"
	"strings"
	"sync"

	fleetagent "github.com/httprunner/FleetAgent"
	"github.com/httprunner/FleetAgent/pkg/fleet"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const stateUnauthorized = "unauthorized"

// Provider lists adb devices and opens exclusive automation sessions on them.
type Provider struct {
	client gadb.Client

	mu   sync.Mutex
	held map[string]bool
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client, held: make(map[string]bool)}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDeviceStatuses returns every adb-visible device with its status.
func (p *Provider) ListDeviceStatuses(ctx context.Context) (map[string]fleet.DeviceStatus, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	statuses := make(map[string]fleet.DeviceStatus, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			statuses[serial] = fleet.DeviceUnknown
			continue
		}
		statuses[serial] = ParseState(string(state))
	}
	return statuses, nil
}

// ParseState maps an adb or gadb state name to a device status.
func ParseState(raw string) fleet.DeviceStatus {
	state := strings.TrimSpace(raw)
	switch {
	case state == string(gadb.StateOnline) || state == "device":
		return fleet.DeviceOnline
	case state == string(gadb.StateOffline):
		return fleet.DeviceOffline
	case state == stateUnauthorized:
		return fleet.DeviceUnauthorized
	default:
		return fleet.DeviceUnknown
	}
}

// Connect implements fleetagent.DeviceConnector: the device must be online
// and answer a shell probe. The session is exclusive until closed.
func (p *Provider) Connect(ctx context.Context, serial string) (fleetagent.DeviceSession, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	target := strings.TrimSpace(serial)
	p.mu.Lock()
	if p.held[target] {
		p.mu.Unlock()
		return nil, errors.Errorf("device %s already has an active session", target)
	}
	p.held[target] = true
	p.mu.Unlock()

	if err := p.probe(ctx, target); err != nil {
		p.releaseSerial(target)
		return nil, err
	}
	log.Debug().Str("serial", target).Msg("adb session acquired")
	return &session{provider: p, serial: target}, nil
}

func (p *Provider) probe(ctx context.Context, serial string) error {
	dev, err := p.find(serial)
	if err != nil {
		return err
	}
	state, err := dev.State()
	if err != nil {
		return errors.Wrapf(err, "read state of %s", serial)
	}
	if status := ParseState(string(state)); status != fleet.DeviceOnline {
		return errors.Errorf("device %s is %s", serial, status)
	}
	type reply struct {
		out string
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		out, err := dev.RunShellCommand("echo", "fleet-ok")
		replies <- reply{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "probe %s", serial)
	case r := <-replies:
		if r.err != nil {
			return errors.Wrapf(r.err, "probe %s", serial)
		}
		if !strings.Contains(r.out, "fleet-ok") {
			return errors.Errorf("device %s answered probe with %q", serial, strings.TrimSpace(r.out))
		}
		return nil
	}
}

func (p *Provider) find(serial string) (*gadb.Device, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	for _, d := range devs {
		if d != nil && strings.TrimSpace(d.Serial()) == serial {
			return d, nil
		}
	}
	return nil, errors.Errorf("device %s not found", serial)
}

func (p *Provider) releaseSerial(serial string) {
	p.mu.Lock()
	delete(p.held, serial)
	p.mu.Unlock()
}

type session struct {
	provider *Provider
	serial   string
	once     sync.Once
}

func (s *session) Close() error {
	s.once.Do(func() {
		s.provider.releaseSerial(s.serial)
		log.Debug().Str("serial", s.serial).Msg("adb session released")
	})
	return nil
}
