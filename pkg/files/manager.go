package files

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bishopdynamics/netbootstudio/pkg/datasource"
)

// ErrUnknownList is returned for inventory names the manager does not
// mirror.
var ErrUnknownList = errors.New("unknown inventory list")

// Manager mirrors the inventory data sources for the API service. It
// never touches the filesystem; the watcher service owns scanning.
type Manager struct {
	consumers map[string]*datasource.Consumer
}

// NewManager builds consumers for every inventory list.
func NewManager(b datasource.Bus) *Manager {
	m := &Manager{consumers: make(map[string]*datasource.Consumer, len(ListNames))}
	for _, list := range ListNames {
		m.consumers[list] = datasource.NewConsumer(b, list, nil)
	}
	return m
}

// Start subscribes every consumer and requests current values.
func (m *Manager) Start() error {
	for _, list := range ListNames {
		if err := m.consumers[list].Start(); err != nil {
			return err
		}
	}
	return nil
}

// Files returns the last seen encoding of the named list. Before the
// provider's first publication the list is empty, not an error; the
// watcher service may simply not have started yet.
func (m *Manager) Files(list string) (json.RawMessage, error) {
	c, ok := m.consumers[list]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, list)
	}
	if v := c.Value(); v != nil {
		return v, nil
	}
	return json.RawMessage("[]"), nil
}
