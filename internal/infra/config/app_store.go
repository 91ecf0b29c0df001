package config

import (
	"reflect"
	"sync"

	"github.com/coachpo/herald/internal/domain/schema"
)

// AppConfigStore holds the canonical application configuration and persists changes via a callback.
type AppConfigStore struct {
	mu      sync.RWMutex
	cfg     AppConfig
	persist func(AppConfig) error
}

// NewAppConfigStore constructs a configuration store seeded with the supplied configuration snapshot.
func NewAppConfigStore(initial AppConfig, persist func(AppConfig) error) (*AppConfigStore, error) {
	clone := initial.Clone()
	if err := clone.normalise(); err != nil {
		return nil, err
	}
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return &AppConfigStore{mu: sync.RWMutex{}, cfg: clone, persist: persist}, nil
}

// Snapshot returns a deep copy of the current application configuration.
func (s *AppConfigStore) Snapshot() AppConfig {
	if s == nil {
		return DefaultAppConfig()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// SetResourcePolicy overrides the publish policy of class. A nil value
// removes the override.
func (s *AppConfigStore) SetResourcePolicy(class string, value any) error {
	if s == nil {
		return nil
	}
	if value != nil {
		if _, err := schema.PolicyFromValue(value); err != nil {
			return err
		}
	}
	return s.update(func(cfg *AppConfig) {
		if value == nil {
			delete(cfg.Resources, class)
			return
		}
		if cfg.Resources == nil {
			cfg.Resources = make(ResourcesConfig)
		}
		cfg.Resources[class] = ResourceConfig{Mercure: value}
	})
}

// SetHub adds or replaces a named hub.
func (s *AppConfigStore) SetHub(name string, hub HubConfig) error {
	if s == nil {
		return nil
	}
	return s.update(func(cfg *AppConfig) {
		if cfg.Hubs == nil {
			cfg.Hubs = make(map[string]HubConfig)
		}
		cfg.Hubs[normalizeName(name)] = hub
	})
}

// Replace swaps the entire application configuration snapshot.
func (s *AppConfigStore) Replace(cfg AppConfig) error {
	if s == nil {
		return nil
	}
	return s.update(func(current *AppConfig) {
		*current = cfg.Clone()
	})
}

func (s *AppConfigStore) update(mutate func(*AppConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.cfg.Clone()
	mutate(&updated)
	if err := updated.normalise(); err != nil {
		return err
	}
	if err := updated.Validate(); err != nil {
		return err
	}

	if reflect.DeepEqual(s.cfg, updated) {
		s.cfg = updated
		return nil
	}

	if s.persist != nil {
		if err := s.persist(updated.Clone()); err != nil {
			return err
		}
	}

	s.cfg = updated
	return nil
}
