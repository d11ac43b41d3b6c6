// Package memory provides in-memory implementations for testing and for
// registries that do not need to survive a restart.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/artpar/csmclient/ports"
)

// ServiceStore is an in-memory implementation of ports.ServiceStore.
type ServiceStore struct {
	mu       sync.RWMutex
	services map[string]ports.StoredService // by key
	order    []string
}

// NewServiceStore creates a new in-memory service store.
func NewServiceStore() *ServiceStore {
	return &ServiceStore{
		services: make(map[string]ports.StoredService),
	}
}

// List returns all services in insertion order.
func (s *ServiceStore) List(ctx context.Context) ([]ports.StoredService, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ports.StoredService, 0, len(s.order))
	for _, k := range s.order {
		result = append(result, clone(s.services[k]))
	}
	return result, nil
}

// Get retrieves a service by key.
func (s *ServiceStore) Get(ctx context.Context, key string) (ports.StoredService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[key]
	if !ok {
		return ports.StoredService{}, fmt.Errorf("service %q: %w", key, ports.ErrNotFound)
	}
	return clone(svc), nil
}

// Put creates or replaces a service.
func (s *ServiceStore) Put(ctx context.Context, svc ports.StoredService) error {
	if svc.Key == "" {
		return fmt.Errorf("service without key: %w", ports.ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.services[svc.Key]; !exists {
		s.order = append(s.order, svc.Key)
	}
	s.services[svc.Key] = clone(svc)
	return nil
}

// Delete removes a service.
func (s *ServiceStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[key]; !ok {
		return fmt.Errorf("service %q: %w", key, ports.ErrNotFound)
	}
	delete(s.services, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of stored services.
func (s *ServiceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Clear removes all services (for testing).
func (s *ServiceStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = make(map[string]ports.StoredService)
	s.order = nil
}

// field.Value is immutable, so a shallow map copy is enough.
func clone(svc ports.StoredService) ports.StoredService {
	svc.Fields = maps.Clone(svc.Fields)
	return svc
}

// Ensure interface compliance.
var _ ports.ServiceStore = (*ServiceStore)(nil)
