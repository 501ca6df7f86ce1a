package clients

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/internal/telemetry"
	"github.com/bishopdynamics/netbootstudio/pkg/bus"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
	"github.com/bishopdynamics/netbootstudio/pkg/metrics"
	"github.com/bishopdynamics/netbootstudio/pkg/settings"
)

// StandbyImage is the boot image a one-shot client falls back to after
// a successful boot.
const StandbyImage = "standby_loop"

// Bus is the slice of the message bus the manager needs.
type Bus interface {
	Publish(topic string, m *message.Message) error
	Subscribe(topic string, h bus.Handler) error
}

// updateSignal is the content of the cross-process change notification.
type updateSignal struct {
	MessageType string `json:"message_type"`
}

// Manager owns the live view of all clients. Mutations write through to
// the store, update the in-memory cache, and signal other processes over
// the bus so their caches reload. Inbound signals from peers trigger the
// same reload here, including a settings re-read.
type Manager struct {
	store    *Store
	settings *settings.Store
	bus      Bus

	mu    sync.RWMutex
	cache map[string]*Client

	now func() time.Time
}

// NewManager wires a manager over the given store, settings, and bus.
// Call Start before use.
func NewManager(store *Store, settingsStore *settings.Store, b Bus) *Manager {
	return &Manager{
		store:    store,
		settings: settingsStore,
		bus:      b,
		cache:    make(map[string]*Client),
		now:      time.Now,
	}
}

// Start loads the cache from the store and subscribes to change signals.
// The initial load retries briefly so a freshly restarted database does
// not kill the service.
func (m *Manager) Start(ctx context.Context) error {
	load := func() error { return m.reload(ctx) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(load, policy); err != nil {
		return err
	}
	return m.bus.Subscribe(bus.TopicClientManager, m.handleBusMessage)
}

// handleBusMessage reacts to change signals from peer processes. The bus
// already drops our own echoes, so everything arriving here is a real
// remote change.
func (m *Manager) handleBusMessage(msg *message.Message) {
	var sig updateSignal
	if err := msg.Decode(&sig); err != nil {
		logger.Warn("dropping malformed client manager signal", "sender", msg.Sender, "error", err)
		return
	}
	if sig.MessageType != "update" {
		return
	}
	if err := m.reload(context.Background()); err != nil {
		logger.Error("failed to reload clients after update signal", "error", err)
	}
	if err := m.settings.Reload(); err != nil {
		logger.Error("failed to reload settings after update signal", "error", err)
	}
}

// reload rebuilds the cache from the store.
func (m *Manager) reload(ctx context.Context) error {
	list, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]*Client, len(list))
	for _, c := range list {
		fresh[c.MAC] = c
	}

	m.mu.Lock()
	m.cache = fresh
	m.mu.Unlock()

	m.trackGauge()
	return nil
}

// signalUpdate tells peer processes to reload clients and settings.
func (m *Manager) signalUpdate() {
	msg, err := message.New("", bus.TopicClientManager, updateSignal{MessageType: "update"})
	if err != nil {
		logger.Error("failed to build update signal", "error", err)
		return
	}
	if err := m.bus.Publish(bus.TopicClientManager, msg); err != nil {
		logger.Error("failed to publish update signal", "error", err)
	}
}

func (m *Manager) trackGauge() {
	if c := metrics.Core(); c != nil {
		m.mu.RLock()
		n := len(m.cache)
		m.mu.RUnlock()
		c.ClientsTracked.Set(float64(n))
	}
}

// Create registers a newly discovered client. Its config is seeded from
// the current settings; only amd64 and arm64 get a default iPXE build,
// other architectures start with an empty one until an admin assigns it.
func (m *Manager) Create(ctx context.Context, mac string, arch Arch, dhcpInfo *DHCPInfo) (*Client, error) {
	ctx, span := telemetry.StartSpan(ctx, "clients.create",
		telemetry.ClientMAC(mac), telemetry.Arch(string(arch)))
	defer span.End()

	mac, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	s := m.settings.Get()
	cfg := Config{
		BootImage:        s.BootImage,
		BootImageOnce:    s.BootImageOnce,
		UnattendedConfig: s.UnattendedConfig,
		DoUnattended:     s.DoUnattended,
		UbootScript:      s.UbootScript,
		Stage4:           s.Stage4,
	}
	if build, ok := s.IPXEBuildFor(string(arch)); ok {
		cfg.IPXEBuild = build
	}

	state, err := BuildState(StateChange{State: StateDHCP}, m.now())
	if err != nil {
		return nil, err
	}

	c := &Client{
		MAC:      mac,
		IP:       "0.0.0.0",
		Arch:     arch,
		Hostname: "unknown",
		Info:     Info{DHCP: dhcpInfo},
		Config:   cfg,
		State:    state,
	}
	if err := m.store.Create(ctx, c); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	m.mu.Lock()
	m.cache[mac] = c
	m.mu.Unlock()

	logger.Info("new client", "mac", mac, "arch", arch)
	m.trackGauge()
	m.signalUpdate()
	return c.clone(), nil
}

// Get returns the cached record for mac.
func (m *Manager) Get(mac string) (*Client, error) {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cache[mac]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c.clone(), nil
}

// Exists reports whether mac is a known client.
func (m *Manager) Exists(mac string) bool {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.cache[mac]
	return ok
}

// List runs the expiration pass and returns all clients ordered by MAC.
// Callers poll this at roughly 1Hz, which is what drives state timeouts.
func (m *Manager) List(ctx context.Context) []*Client {
	m.expire(ctx)
	return m.snapshot()
}

// snapshot copies the cache, ordered by MAC.
func (m *Manager) snapshot() []*Client {
	m.mu.RLock()
	out := make([]*Client, 0, len(m.cache))
	for _, c := range m.cache {
		out = append(out, c.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// expire walks every client with a pending expiration. Completed
// one-shot clients drop back to the standby image, and clients whose
// expiration has passed move to their expiration action.
func (m *Manager) expire(ctx context.Context) {
	now := m.now()
	for _, c := range m.snapshot() {
		if c.State.Expiration == "" || c.State.Expiration == ExpirationNone {
			continue
		}
		if c.State.ExpirationAction == ActionNone {
			continue
		}

		if c.State.State == StateComplete && c.Config.BootImageOnce {
			cfg := c.Config
			cfg.BootImage = StandbyImage
			cfg.BootImageOnce = false
			if err := m.SetConfig(ctx, c.MAC, cfg); err != nil {
				logger.Warn("failed to reset one-shot boot image", "mac", c.MAC, "error", err)
			}
		}

		expired, err := c.State.Expired(now)
		if err != nil {
			logger.Warn("skipping client with bad state expiration", "mac", c.MAC, "error", err)
			continue
		}
		if !expired {
			continue
		}

		var ch StateChange
		switch c.State.ExpirationAction {
		case ActionComplete:
			ch = StateChange{State: StateComplete}
		case ActionInactive:
			ch = StateChange{State: StateInactive}
		case ActionError:
			short := "Timeout: " + c.State.StateText
			desc := "Timeout while: " + c.State.Description
			ch = StateChange{State: StateError, ErrorShort: &short, Description: &desc}
		default:
			continue
		}
		logger.Info("client state expired", "mac", c.MAC, "state", c.State.State, "action", c.State.ExpirationAction)
		if err := m.SetState(ctx, c.MAC, ch); err != nil {
			logger.Warn("failed to apply expiration action", "mac", c.MAC, "error", err)
		}
	}
}

// SetConfig replaces a client's boot configuration.
func (m *Manager) SetConfig(ctx context.Context, mac string, cfg Config) error {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return err
	}
	if err := m.store.UpdateConfig(ctx, mac, cfg); err != nil {
		return err
	}
	m.mutate(mac, func(c *Client) { c.Config = cfg })
	m.signalUpdate()
	return nil
}

// SetInfo replaces a client's discovery info. When the dhcp section
// names a valid architecture the client's arch column follows it.
func (m *Manager) SetInfo(ctx context.Context, mac string, info Info) error {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return err
	}
	if err := m.store.UpdateInfo(ctx, mac, info); err != nil {
		return err
	}

	arch := Arch("")
	if info.DHCP != nil && Arch(info.DHCP.Arch).Valid() {
		arch = Arch(info.DHCP.Arch)
		if err := m.store.UpdateArch(ctx, mac, arch); err != nil {
			return err
		}
	}
	m.mutate(mac, func(c *Client) {
		c.Info = info
		if arch != "" {
			c.Arch = arch
		}
	})
	m.signalUpdate()
	return nil
}

// SetState moves a client to a lifecycle state, applying any overrides.
func (m *Manager) SetState(ctx context.Context, mac string, ch StateChange) error {
	ctx, span := telemetry.StartSpan(ctx, "clients.set_state", telemetry.ClientMAC(mac))
	defer span.End()

	mac, err := NormalizeMAC(mac)
	if err != nil {
		return err
	}
	state, err := BuildState(ch, m.now())
	if err != nil {
		return err
	}
	if err := m.store.UpdateState(ctx, mac, state); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	m.mutate(mac, func(c *Client) { c.State = state })
	logger.Debug("client state changed", "mac", mac, "state", ch.State)
	m.signalUpdate()
	return nil
}

// SetIP records a client's last-known IP address.
func (m *Manager) SetIP(ctx context.Context, mac, ip string) error {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return err
	}
	if err := m.store.UpdateIP(ctx, mac, ip); err != nil {
		return err
	}
	m.mutate(mac, func(c *Client) { c.IP = ip })
	m.signalUpdate()
	return nil
}

// SetHostname records a client's hostname.
func (m *Manager) SetHostname(ctx context.Context, mac, hostname string) error {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return err
	}
	if err := m.store.UpdateHostname(ctx, mac, hostname); err != nil {
		return err
	}
	m.mutate(mac, func(c *Client) { c.Hostname = hostname })
	m.signalUpdate()
	return nil
}

// SetArch records a client's architecture, usually after an admin
// assigns an iPXE build for a different arch than the sniffer guessed.
func (m *Manager) SetArch(ctx context.Context, mac string, arch Arch) error {
	mac, err := NormalizeMAC(mac)
	if err != nil {
		return err
	}
	if err := m.store.UpdateArch(ctx, mac, arch); err != nil {
		return err
	}
	m.mutate(mac, func(c *Client) { c.Arch = arch })
	m.signalUpdate()
	return nil
}

// Delete removes a client entirely.
func (m *Manager) Delete(ctx context.Context, mac string) error {
	ctx, span := telemetry.StartSpan(ctx, "clients.delete", telemetry.ClientMAC(mac))
	defer span.End()

	mac, err := NormalizeMAC(mac)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, mac); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	m.mu.Lock()
	delete(m.cache, mac)
	m.mu.Unlock()

	logger.Info("client deleted", "mac", mac)
	m.trackGauge()
	m.signalUpdate()
	return nil
}

// mutate applies fn to the cached record for mac, if present.
func (m *Manager) mutate(mac string, fn func(*Client)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cache[mac]; ok {
		fn(c)
	}
}

// Settings returns the current global settings.
func (m *Manager) Settings() settings.Values {
	return m.settings.Get()
}

// SetSettings validates and persists a full settings document, then
// signals peers so they re-read it.
func (m *Manager) SetSettings(raw []byte) error {
	if err := m.settings.Set(raw); err != nil {
		return err
	}
	m.signalUpdate()
	return nil
}
