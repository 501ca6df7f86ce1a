package datasource

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bishopdynamics/netbootstudio/pkg/bus"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
)

// fakeBus records publishes and lets tests deliver messages to
// subscribers directly.
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

func (f *fakeBus) publishedActions(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []string
	for _, m := range f.published {
		var body payload
		require.NoError(t, m.Decode(&body))
		actions = append(actions, body.Action)
	}
	return actions
}

func TestProviderDeduplicatesIdenticalEncodings(t *testing.T) {
	fb := newFakeBus()
	value := []string{"amd64", "arm64"}
	p := NewProvider(fb, "architectures", time.Hour, func() (any, error) {
		return value, nil
	})

	// Drive ticks directly instead of waiting on the timer.
	p.tick()
	p.tick()
	p.tick()

	assert.Equal(t, []string{actionNewValue}, fb.publishedActions(t))

	value = []string{"amd64", "arm64", "arm32"}
	p.tick()

	assert.Equal(t, []string{actionNewValue, actionNewValue}, fb.publishedActions(t))
}

func TestProviderAnswersRequests(t *testing.T) {
	fb := newFakeBus()
	p := NewProvider(fb, "ipxe_commit_ids", time.Hour, func() (any, error) {
		return []string{"988d2c1"}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	// Start publishes the initial value.
	require.Eventually(t, func() bool {
		return len(fb.publishedActions(t)) == 1
	}, time.Second, 10*time.Millisecond)

	req, err := message.New("some-consumer", bus.DataSourceTopic("ipxe_commit_ids"), payload{
		Name:   "ipxe_commit_ids",
		Action: actionRequest,
	})
	require.NoError(t, err)
	fb.deliver(bus.DataSourceTopic("ipxe_commit_ids"), req)

	actions := fb.publishedActions(t)
	require.Len(t, actions, 2)
	assert.Equal(t, actionCurrentValue, actions[1])

	// A current_value reply repeats the last encoding without a change
	// being republished as new_value.
	var body payload
	require.NoError(t, fb.published[1].Decode(&body))
	assert.JSONEq(t, `["988d2c1"]`, string(body.Value))
}

func TestProviderIgnoresForeignActions(t *testing.T) {
	fb := newFakeBus()
	p := NewProvider(fb, "clients", time.Hour, func() (any, error) {
		return map[string]string{}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(fb.publishedActions(t)) == 1
	}, time.Second, 10*time.Millisecond)

	// Another provider's new_value or a consumer mirror update must not
	// trigger a reply.
	nv, err := message.New("other", bus.DataSourceTopic("clients"), payload{
		Name:   "clients",
		Action: actionNewValue,
		Value:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	fb.deliver(bus.DataSourceTopic("clients"), nv)

	assert.Len(t, fb.publishedActions(t), 1)
}

func TestConsumerMirrorsValues(t *testing.T) {
	fb := newFakeBus()

	var changes []string
	c := NewConsumer(fb, "boot_images", func(v json.RawMessage) {
		changes = append(changes, string(v))
	})
	require.NoError(t, c.Start())

	// Start sends a request to warm the mirror.
	actions := fb.publishedActions(t)
	require.Len(t, actions, 1)
	assert.Equal(t, actionRequest, actions[0])

	// No value yet.
	assert.Nil(t, c.Value())
	var target []map[string]any
	require.Error(t, c.Decode(&target))

	nv, err := message.New("provider", bus.DataSourceTopic("boot_images"), payload{
		Name:   "boot_images",
		Action: actionNewValue,
		Value:  json.RawMessage(`[{"name":"standby_loop"}]`),
	})
	require.NoError(t, err)
	fb.deliver(bus.DataSourceTopic("boot_images"), nv)

	require.NotNil(t, c.Value())
	require.NoError(t, c.Decode(&target))
	require.Len(t, target, 1)
	assert.Equal(t, "standby_loop", target[0]["name"])
	assert.Equal(t, []string{`[{"name":"standby_loop"}]`}, changes)

	// current_value updates the mirror the same way; request traffic from
	// other consumers does not.
	cv, err := message.New("provider", bus.DataSourceTopic("boot_images"), payload{
		Name:   "boot_images",
		Action: actionCurrentValue,
		Value:  json.RawMessage(`[]`),
	})
	require.NoError(t, err)
	fb.deliver(bus.DataSourceTopic("boot_images"), cv)
	assert.JSONEq(t, `[]`, string(c.Value()))

	req, err := message.New("someone-else", bus.DataSourceTopic("boot_images"), payload{
		Name:   "boot_images",
		Action: actionRequest,
	})
	require.NoError(t, err)
	fb.deliver(bus.DataSourceTopic("boot_images"), req)
	assert.JSONEq(t, `[]`, string(c.Value()))
}

func TestProviderTriggerPublishesOutOfCadence(t *testing.T) {
	fb := newFakeBus()
	value := 1
	p := NewProvider(fb, "stage1_files", time.Hour, func() (any, error) {
		return value, nil
	})

	p.Trigger()
	value = 2
	p.Trigger()

	assert.Equal(t, []string{actionNewValue, actionNewValue}, fb.publishedActions(t))
}
