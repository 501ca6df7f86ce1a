package clients

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bishopdynamics/netbootstudio/pkg/bus"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
	"github.com/bishopdynamics/netbootstudio/pkg/settings"
)

// fakeBus records publishes and lets tests hand-deliver inbound messages.
type fakeBus struct {
	mu        sync.Mutex
	published []*message.Message
	handlers  map[string][]bus.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]bus.Handler)}
}

func (f *fakeBus) Publish(topic string, m *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.Topic = topic
	f.published = append(f.published, m)
	return nil
}

func (f *fakeBus) Subscribe(topic string, h bus.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = append(f.handlers[topic], h)
	return nil
}

func (f *fakeBus) deliver(topic string, m *message.Message) {
	f.mu.Lock()
	handlers := append([]bus.Handler(nil), f.handlers[topic]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(m)
	}
}

func (f *fakeBus) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeBus) lastPublished() *message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return nil
	}
	return f.published[len(f.published)-1]
}

func newTestManager(t *testing.T) (*Manager, *Store, *fakeBus, *settings.Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := OpenStore(StoreConfig{Type: DatabaseSQLite, Path: filepath.Join(dir, "clients.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ss := settings.NewStore(filepath.Join(dir, "settings.json"))
	require.NoError(t, ss.Load())

	fb := newFakeBus()
	m := NewManager(st, ss, fb)
	require.NoError(t, m.Start(context.Background()))
	return m, st, fb, ss
}

func setSettings(t *testing.T, ss *settings.Store, mutate func(*settings.Values)) {
	t.Helper()
	v := ss.Get()
	mutate(&v)
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ss.Set(raw))
}

func TestManagerCreateSeedsFromSettings(t *testing.T) {
	m, _, fb, ss := newTestManager(t)
	ctx := context.Background()

	setSettings(t, ss, func(v *settings.Values) {
		v.BootImage = "debian12-netinst"
		v.BootImageOnce = true
		v.IPXEBuildAMD64 = "ipxe-20260801-a1b2c3"
		v.Stage4 = "post.sh"
	})

	c, err := m.Create(ctx, "AA:BB:CC:DD:EE:01", ArchAMD64, &DHCPInfo{MAC: "aa:bb:cc:dd:ee:01", Arch: "amd64"})
	require.NoError(t, err)

	assert.Equal(t, "aa:bb:cc:dd:ee:01", c.MAC)
	assert.Equal(t, "0.0.0.0", c.IP)
	assert.Equal(t, "unknown", c.Hostname)
	assert.Equal(t, ArchAMD64, c.Arch)
	assert.Equal(t, "debian12-netinst", c.Config.BootImage)
	assert.True(t, c.Config.BootImageOnce)
	assert.Equal(t, "ipxe-20260801-a1b2c3", c.Config.IPXEBuild)
	assert.Equal(t, "post.sh", c.Config.Stage4)
	assert.Equal(t, StateDHCP, c.State.State)
	assert.Equal(t, ActionComplete, c.State.ExpirationAction)
	assert.True(t, c.State.Active)

	// The mutation is announced on the client manager topic.
	last := fb.lastPublished()
	require.NotNil(t, last)
	assert.Equal(t, bus.TopicClientManager, last.Topic)
	assert.JSONEq(t, `{"message_type":"update"}`, string(last.Content))

	// The discovery info comes back verbatim under info.dhcp.
	got, err := m.Get("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Equal(t, &DHCPInfo{MAC: "aa:bb:cc:dd:ee:01", Arch: "amd64"}, got.Info.DHCP)

	// No per-arch default build exists for bios64.
	c2, err := m.Create(ctx, "aa:bb:cc:dd:ee:02", ArchBIOS64, nil)
	require.NoError(t, err)
	assert.Empty(t, c2.Config.IPXEBuild)

	// Duplicate discovery is a conflict.
	_, err = m.Create(ctx, "aa:bb:cc:dd:ee:01", ArchAMD64, nil)
	assert.ErrorIs(t, err, ErrClientExists)
}

func TestManagerGetNormalizesMAC(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "aa:bb:cc:dd:ee:01", ArchARM64, nil)
	require.NoError(t, err)

	got, err := m.Get("AA-BB-CC-DD-EE-01")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", got.MAC)

	assert.True(t, m.Exists("AABB.CCDD.EE01"))
	assert.False(t, m.Exists("aa:bb:cc:dd:ee:99"))

	_, err = m.Get("aa:bb:cc:dd:ee:99")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestManagerListSortsByMAC(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, mac := range []string{"aa:bb:cc:dd:ee:03", "aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"} {
		_, err := m.Create(ctx, mac, ArchAMD64, nil)
		require.NoError(t, err)
	}

	list := m.List(ctx)
	require.Len(t, list, 3)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", list[0].MAC)
	assert.Equal(t, "aa:bb:cc:dd:ee:02", list[1].MAC)
	assert.Equal(t, "aa:bb:cc:dd:ee:03", list[2].MAC)
}

func TestManagerSetState(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	_, err := m.Create(ctx, mac, ArchAMD64, nil)
	require.NoError(t, err)

	require.NoError(t, m.SetState(ctx, mac, StateChange{State: StateIPXE}))

	got, err := m.Get(mac)
	require.NoError(t, err)
	assert.Equal(t, StateIPXE, got.State.State)
	assert.Equal(t, "iPXE is initializing", got.State.StateText)

	// The store row matches the cache.
	row, err := st.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, got.State, row.State)

	err = m.SetState(ctx, mac, StateChange{State: "stage9"})
	assert.Error(t, err)
}

func TestManagerExpirationMovesState(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	mac := "aa:bb:cc:dd:ee:01"
	_, err := m.Create(ctx, mac, ArchAMD64, nil)
	require.NoError(t, err)

	// Before the deadline nothing moves.
	m.now = func() time.Time { return base.Add(30 * time.Second) }
	list := m.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, StateDHCP, list[0].State.State)

	// dhcp expires after 60s and its action is complete.
	m.now = func() time.Time { return base.Add(61 * time.Second) }
	list = m.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, StateComplete, list[0].State.State)

	// complete expires after another 60s into inactive.
	m.now = func() time.Time { return base.Add(122 * time.Second) }
	list = m.List(ctx)
	assert.Equal(t, StateInactive, list[0].State.State)
	assert.False(t, list[0].State.Active)
	assert.Equal(t, ExpirationNone, list[0].State.Expiration)
}

func TestManagerExpirationTimeoutError(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	mac := "aa:bb:cc:dd:ee:01"
	_, err := m.Create(ctx, mac, ArchAMD64, nil)
	require.NoError(t, err)
	require.NoError(t, m.SetState(ctx, mac, StateChange{State: StateIPXE}))

	// ipxe expires after 600s and its action is error.
	m.now = func() time.Time { return base.Add(601 * time.Second) }
	list := m.List(ctx)
	require.Len(t, list, 1)

	got := list[0].State
	assert.Equal(t, StateError, got.State)
	assert.True(t, got.Error)
	assert.Equal(t, "Timeout: iPXE is initializing", got.ErrorShort)
	assert.Equal(t, "Timeout while: Client has fetched the iPXE binary and it is initializing before fetching stage2", got.Description)
}

func TestManagerBootImageOnceResets(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	mac := "aa:bb:cc:dd:ee:01"
	_, err := m.Create(ctx, mac, ArchAMD64, nil)
	require.NoError(t, err)

	cfg := Config{BootImage: "ubuntu-24.04", BootImageOnce: true, UnattendedConfig: "blank.cfg", UbootScript: "default", Stage4: "none"}
	require.NoError(t, m.SetConfig(ctx, mac, cfg))
	require.NoError(t, m.SetState(ctx, mac, StateChange{State: StateComplete}))

	// Inside the complete window the one-shot image drops back to standby
	// while the state is still complete.
	m.now = func() time.Time { return base.Add(1 * time.Second) }
	list := m.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, StateComplete, list[0].State.State)
	assert.Equal(t, StandbyImage, list[0].Config.BootImage)
	assert.False(t, list[0].Config.BootImageOnce)
}

func TestManagerReloadsOnUpdateSignal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := OpenStore(StoreConfig{Type: DatabaseSQLite, Path: filepath.Join(dir, "clients.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	settingsPath := filepath.Join(dir, "settings.json")
	ss := settings.NewStore(settingsPath)
	require.NoError(t, ss.Load())

	fb := newFakeBus()
	m := NewManager(st, ss, fb)
	require.NoError(t, m.Start(ctx))

	// Another process wrote a client straight to the shared database and
	// changed the settings file.
	require.NoError(t, st.Create(ctx, sampleClient("aa:bb:cc:dd:ee:42")))
	next := settings.Defaults()
	next.BootImage = "rescue-image"
	raw, err := json.Marshal(next)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(settingsPath, raw, 0o644))

	assert.False(t, m.Exists("aa:bb:cc:dd:ee:42"))

	msg, err := message.New("nbs-tftp-deadbeef", bus.TopicClientManager, updateSignal{MessageType: "update"})
	require.NoError(t, err)
	fb.deliver(bus.TopicClientManager, msg)

	assert.True(t, m.Exists("aa:bb:cc:dd:ee:42"))
	assert.Equal(t, "rescue-image", m.Settings().BootImage)
}

func TestManagerDelete(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	_, err := m.Create(ctx, mac, ArchAMD64, nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, mac))
	assert.False(t, m.Exists(mac))

	err = m.Delete(ctx, mac)
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestManagerSetInfoFollowsArch(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	_, err := m.Create(ctx, mac, ArchUnsupported, nil)
	require.NoError(t, err)

	info := Info{DHCP: &DHCPInfo{MAC: mac, Arch: "arm64", ArchIANA: "ARM 64-bit UEFI"}}
	require.NoError(t, m.SetInfo(ctx, mac, info))

	got, err := m.Get(mac)
	require.NoError(t, err)
	assert.Equal(t, ArchARM64, got.Arch)
	assert.Equal(t, info, got.Info)

	row, err := st.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, ArchARM64, row.Arch)
}

func TestManagerSetIPAndHostname(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	_, err := m.Create(ctx, mac, ArchAMD64, nil)
	require.NoError(t, err)

	require.NoError(t, m.SetIP(ctx, mac, "10.1.2.3"))
	require.NoError(t, m.SetHostname(ctx, mac, "lab-node-9"))

	got, err := m.Get(mac)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", got.IP)
	assert.Equal(t, "lab-node-9", got.Hostname)
}

func TestManagerSetSettings(t *testing.T) {
	m, _, fb, _ := newTestManager(t)

	before := fb.publishCount()
	err := m.SetSettings([]byte(`{"boot_image":"x"}`))
	require.Error(t, err)
	assert.Equal(t, before, fb.publishCount(), "a rejected settings write must not signal an update")

	next := settings.Defaults()
	next.DoUnattended = true
	raw, err := json.Marshal(next)
	require.NoError(t, err)

	require.NoError(t, m.SetSettings(raw))
	assert.True(t, m.Settings().DoUnattended)
	assert.Greater(t, fb.publishCount(), before)
}
