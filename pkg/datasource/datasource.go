// Package datasource implements the named data-source fabric: providers
// sample a value on an interval and publish it when it changes; consumers
// mirror the last seen value and may ask for the current one.
//
// Each data source owns one bus topic (NetbootStudio/DataSources/<name>).
// At most one provider may exist per name; running more than one is
// undefined behavior.
package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/bus"
	"github.com/bishopdynamics/netbootstudio/pkg/message"
)

// Actions carried in data-source messages.
const (
	actionNewValue     = "new_value"
	actionRequest      = "request"
	actionCurrentValue = "current_value"
)

// Bus is the subset of the bus client the fabric needs. Satisfied by
// *bus.Client.
type Bus interface {
	Publish(topic string, m *message.Message) error
	Subscribe(topic string, h bus.Handler) error
}

// payload is the content shape on data-source topics.
type payload struct {
	Name   string          `json:"data_source_name"`
	Action string          `json:"action"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// SampleFunc produces the current value of a data source. It must be safe
// to call from the provider's tick goroutine.
type SampleFunc func() (any, error)

// Provider samples a value on an interval and publishes it on change.
type Provider struct {
	name     string
	topic    string
	bus      Bus
	sample   SampleFunc
	interval time.Duration

	mu   sync.Mutex
	last []byte

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProvider builds a provider for the named source.
func NewProvider(b Bus, name string, interval time.Duration, sample SampleFunc) *Provider {
	return &Provider{
		name:     name,
		topic:    bus.DataSourceTopic(name),
		bus:      b,
		sample:   sample,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes for value requests and launches the tick loop. The
// first sample publishes immediately so consumers do not wait a full
// interval for initial data.
func (p *Provider) Start(ctx context.Context) error {
	if err := p.bus.Subscribe(p.topic, p.handleMessage); err != nil {
		return fmt.Errorf("data source %s: %w", p.name, err)
	}

	go func() {
		defer close(p.done)
		p.tick()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.tick()
			}
		}
	}()
	return nil
}

// Stop halts the tick loop and waits for it to exit.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Trigger forces an immediate sample outside the tick cadence. Used by
// file watchers to push inventory changes without waiting.
func (p *Provider) Trigger() {
	p.tick()
}

// tick samples and publishes only when the encoding differs from the last
// published one.
func (p *Provider) tick() {
	value, err := p.sample()
	if err != nil {
		logger.Warn("data source sample failed", "source", p.name, "error", err)
		return
	}
	enc, err := json.Marshal(value)
	if err != nil {
		logger.Warn("data source value not encodable", "source", p.name, "error", err)
		return
	}

	p.mu.Lock()
	changed := !bytes.Equal(enc, p.last)
	if changed {
		p.last = enc
	}
	p.mu.Unlock()

	if changed {
		p.publish(actionNewValue, enc)
	}
}

// handleMessage answers request messages with the current value; all
// other actions on the topic are other participants' traffic.
func (p *Provider) handleMessage(m *message.Message) {
	var body payload
	if err := m.Decode(&body); err != nil {
		logger.Debug("ignoring undecodable data source message", "source", p.name, "error", err)
		return
	}
	if body.Action != actionRequest {
		return
	}

	p.mu.Lock()
	enc := p.last
	p.mu.Unlock()
	if enc == nil {
		// No sample yet; take one now so the requester gets an answer.
		value, err := p.sample()
		if err != nil {
			logger.Warn("data source sample failed", "source", p.name, "error", err)
			return
		}
		enc, err = json.Marshal(value)
		if err != nil {
			logger.Warn("data source value not encodable", "source", p.name, "error", err)
			return
		}
		p.mu.Lock()
		p.last = enc
		p.mu.Unlock()
	}
	p.publish(actionCurrentValue, enc)
}

func (p *Provider) publish(action string, enc []byte) {
	m, err := message.New("", p.topic, payload{Name: p.name, Action: action, Value: enc})
	if err != nil {
		logger.Error("failed to build data source message", "source", p.name, "error", err)
		return
	}
	if err := p.bus.Publish(p.topic, m); err != nil {
		logger.Warn("failed to publish data source value", "source", p.name, "error", err)
	}
}

// ChangeFunc is called with the new encoding whenever a consumer's mirror
// updates.
type ChangeFunc func(value json.RawMessage)

// Consumer mirrors the last seen value of a data source. Consumers never
// poll; they receive pushed values, and may Request the current one.
type Consumer struct {
	name  string
	topic string
	bus   Bus

	mu       sync.RWMutex
	value    json.RawMessage
	onChange ChangeFunc
}

// NewConsumer builds a consumer for the named source. onChange may be nil.
func NewConsumer(b Bus, name string, onChange ChangeFunc) *Consumer {
	return &Consumer{
		name:     name,
		topic:    bus.DataSourceTopic(name),
		bus:      b,
		onChange: onChange,
	}
}

// Start subscribes to the source topic and asks for the current value so
// the mirror warms up without waiting for the next change.
func (c *Consumer) Start() error {
	if err := c.bus.Subscribe(c.topic, c.handleMessage); err != nil {
		return fmt.Errorf("data source %s: %w", c.name, err)
	}
	return c.Request()
}

// Request asks the provider to publish its current value.
func (c *Consumer) Request() error {
	m, err := message.New("", c.topic, payload{Name: c.name, Action: actionRequest})
	if err != nil {
		return err
	}
	return c.bus.Publish(c.topic, m)
}

// Value returns the last seen encoding, or nil before the first update.
func (c *Consumer) Value() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Decode unmarshals the mirrored value into v.
func (c *Consumer) Decode(v any) error {
	c.mu.RLock()
	enc := c.value
	c.mu.RUnlock()
	if enc == nil {
		return fmt.Errorf("data source %s has no value yet", c.name)
	}
	return json.Unmarshal(enc, v)
}

func (c *Consumer) handleMessage(m *message.Message) {
	var body payload
	if err := m.Decode(&body); err != nil {
		logger.Debug("ignoring undecodable data source message", "source", c.name, "error", err)
		return
	}
	if body.Action != actionNewValue && body.Action != actionCurrentValue {
		return
	}

	c.mu.Lock()
	c.value = body.Value
	c.mu.Unlock()

	if c.onChange != nil {
		c.onChange(body.Value)
	}
}
