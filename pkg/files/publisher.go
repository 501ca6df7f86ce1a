package files

import (
	"context"
	"time"

	"github.com/bishopdynamics/netbootstudio/internal/logger"
	"github.com/bishopdynamics/netbootstudio/pkg/config"
	"github.com/bishopdynamics/netbootstudio/pkg/datasource"
)

// fallbackInterval re-scans inventories even without filesystem events.
// Network mounts and some editors bypass inotify entirely.
const fallbackInterval = 30 * time.Second

// Publisher owns the provider set of the file-watcher service: one
// data-source provider per inventory list, re-sampled on filesystem events
// and on a slow fallback tick.
type Publisher struct {
	providers map[string]*datasource.Provider
	watcher   *Watcher
}

// NewPublisher builds providers for every inventory list under paths.
func NewPublisher(b datasource.Bus, paths config.Paths) (*Publisher, error) {
	scanner := NewScanner(paths)
	p := &Publisher{providers: make(map[string]*datasource.Provider, len(ListNames))}
	for _, list := range ListNames {
		p.providers[list] = datasource.NewProvider(b, list, fallbackInterval, scanner.Sample(list))
	}
	w, err := NewWatcher(scanner, p.Trigger)
	if err != nil {
		return nil, err
	}
	p.watcher = w
	return p, nil
}

// Start launches every provider and the filesystem watcher.
func (p *Publisher) Start(ctx context.Context) error {
	for _, list := range ListNames {
		if err := p.providers[list].Start(ctx); err != nil {
			return err
		}
	}
	p.watcher.Start()
	logger.Info("file inventory providers started", "lists", len(p.providers))
	return nil
}

// Trigger forces a re-scan of the named list.
func (p *Publisher) Trigger(list string) {
	if prov, ok := p.providers[list]; ok {
		prov.Trigger()
	}
}

// Stop halts the watcher and all providers.
func (p *Publisher) Stop() {
	p.watcher.Stop()
	for _, prov := range p.providers {
		prov.Stop()
	}
}
