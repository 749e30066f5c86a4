package thinpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmthin/cmdrun"
)

// Set is a registry of the pools this process knows about. Pool names must
// be unique among pools that have not been removed; a removed pool's name
// can be reused.
type Set struct {
	mu     sync.Mutex
	pools  map[string]*Pool
	runner cmdrun.Runner
	logger logrus.FieldLogger
}

// NewSet creates an empty pool registry.
func NewSet(runner cmdrun.Runner, logger logrus.FieldLogger) *Set {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Set{
		pools:  make(map[string]*Pool),
		runner: runner,
		logger: logger,
	}
}

// Create creates a pool and registers it. Creation is refused while another
// live pool holds the same name.
func (s *Set) Create(ctx context.Context, cfg CreateConfig) (*Pool, error) {
	s.mu.Lock()
	if existing, ok := s.pools[cfg.Name]; ok && !existing.Removed() {
		s.mu.Unlock()
		return nil, fmt.Errorf("pool %q already exists", cfg.Name)
	}
	s.mu.Unlock()

	p, err := Create(ctx, s.runner, s.logger, cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pools[p.name] = p
	s.mu.Unlock()
	return p, nil
}

// Adopt registers a handle for a pool device that outlived its creating
// process.
func (s *Set) Adopt(cfg AdoptConfig) (*Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pools[cfg.Name]; ok && !existing.Removed() {
		return nil, fmt.Errorf("pool %q already exists", cfg.Name)
	}
	p := Adopt(s.runner, s.logger, cfg)
	s.pools[p.name] = p
	return p, nil
}

// Pool looks up a registered pool by name.
func (s *Set) Pool(name string) (*Pool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	return p, ok
}

// Names returns the names of all registered pools, removed or not.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	return names
}

// Forget drops a removed pool from the registry. Forgetting a live pool is
// refused.
func (s *Set) Forget(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[name]
	if !ok {
		return nil
	}
	if !p.Removed() {
		return fmt.Errorf("pool %q is still live", name)
	}
	delete(s.pools, name)
	return nil
}
