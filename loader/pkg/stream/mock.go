package stream

import (
	"context"
	"sync"
)

// MockProvisioner is a Provisioner for tests. Streams become active on
// creation unless Inactive is set.
type MockProvisioner struct {
	mu sync.Mutex

	Inactive  bool
	CreateErr error
	DeleteErr error

	streams map[string]string
	created []string
	deleted []string
}

func NewMockProvisioner() *MockProvisioner {
	return &MockProvisioner{streams: make(map[string]string)}
}

func (m *MockProvisioner) CreateStream(ctx context.Context, name, stagingTable string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.streams[name] = stagingTable
	m.created = append(m.created, name)
	return nil
}

func (m *MockProvisioner) StreamIsActive(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[name]
	return ok && !m.Inactive, nil
}

func (m *MockProvisioner) DeleteStream(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	delete(m.streams, name)
	m.deleted = append(m.deleted, name)
	return nil
}

// SetInactive toggles whether existing streams report healthy.
func (m *MockProvisioner) SetInactive(inactive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inactive = inactive
}

func (m *MockProvisioner) Streams() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.streams))
	for k, v := range m.streams {
		out[k] = v
	}
	return out
}

func (m *MockProvisioner) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

func (m *MockProvisioner) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}
