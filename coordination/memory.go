package coordination

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// MemoryCoordinator implements Coordinator with plain maps and expiry checks on
// every read. It does not coordinate across processes.
type MemoryCoordinator struct {
	mu        sync.Mutex
	receivers map[string]time.Time
	leases    map[string]lease
	closed    bool
	now       func() time.Time
}

// NewMemoryCoordinator creates an empty in-process coordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		receivers: make(map[string]time.Time),
		leases:    make(map[string]lease),
		now:       time.Now,
	}
}

func (m *MemoryCoordinator) RegisterReceiver(ctx context.Context, receiverID string, ttl time.Duration) error {
	if receiverID == "" {
		return fmt.Errorf("%w: receiver id is required", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.receivers[receiverID] = m.now().Add(ttl)
	return nil
}

func (m *MemoryCoordinator) UnregisterReceiver(ctx context.Context, receiverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.receivers, receiverID)
	return nil
}

func (m *MemoryCoordinator) GetActiveReceivers(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	now := m.now()
	active := make([]string, 0, len(m.receivers))
	for id, expiresAt := range m.receivers {
		if !now.Before(expiresAt) {
			delete(m.receivers, id)
			continue
		}
		active = append(active, id)
	}
	sort.Strings(active)
	return active, nil
}

func (m *MemoryCoordinator) ClaimTopicOwnership(ctx context.Context, topic, receiverID string, ttl time.Duration) (bool, error) {
	if err := validateLease(topic, receiverID, ttl); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	if _, ok := m.currentLease(topic); ok {
		return false, nil
	}
	m.leases[topic] = lease{owner: receiverID, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryCoordinator) GetTopicOwner(ctx context.Context, topic string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	l, ok := m.currentLease(topic)
	if !ok {
		return "", nil
	}
	return l.owner, nil
}

func (m *MemoryCoordinator) ReleaseTopicOwnership(ctx context.Context, topic, receiverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if l, ok := m.currentLease(topic); ok && l.owner == receiverID {
		delete(m.leases, topic)
	}
	return nil
}

func (m *MemoryCoordinator) RenewTopicOwnership(ctx context.Context, topic, receiverID string, ttl time.Duration) (bool, error) {
	if err := validateLease(topic, receiverID, ttl); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	l, ok := m.currentLease(topic)
	if !ok || l.owner != receiverID {
		return false, nil
	}
	l.expiresAt = m.now().Add(ttl)
	m.leases[topic] = l
	return true, nil
}

// currentLease returns the unexpired lease for topic, dropping an expired one.
// Callers hold m.mu.
func (m *MemoryCoordinator) currentLease(topic string) (lease, bool) {
	l, ok := m.leases[topic]
	if !ok {
		return lease{}, false
	}
	if !m.now().Before(l.expiresAt) {
		delete(m.leases, topic)
		return lease{}, false
	}
	return l, true
}

// Ping implements Pinger
func (m *MemoryCoordinator) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the coordinator as closed.
func (m *MemoryCoordinator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Compile-time interface checks
var (
	_ Coordinator = (*MemoryCoordinator)(nil)
	_ Pinger      = (*MemoryCoordinator)(nil)
)
