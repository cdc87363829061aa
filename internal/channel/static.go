package channel

import (
	"context"
	"sync"
)

// StaticStore is an in-memory Store for tests and single-tenant dev
// deployments configured purely from the environment.
type StaticStore struct {
	mu       sync.RWMutex
	channels map[string]*Config
}

func NewStaticStore(cfgs ...*Config) *StaticStore {
	s := &StaticStore{channels: map[string]*Config{}}
	for _, c := range cfgs {
		s.channels[c.OrgSlug+"/"+c.Slug] = c
	}
	return s
}

func (s *StaticStore) Get(_ context.Context, org, slug string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[org+"/"+slug]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *StaticStore) UpdateDetectedBitrates(_ context.Context, channelID string, kbps []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.ID == channelID {
			c.DetectedBitrates = append([]int(nil), kbps...)
			return nil
		}
	}
	return ErrNotFound
}

// Put inserts or replaces a channel.
func (s *StaticStore) Put(c *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.OrgSlug+"/"+c.Slug] = c
}
