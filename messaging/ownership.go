package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/conduit-go/coordination"
	"golang.org/x/sync/errgroup"
)

// LossCallback is invoked with a topic whose lease could not be renewed.
type LossCallback func(topic string)

// OwnershipManager tracks the topics one receiver believes it owns and keeps
// their leases alive. Topics are added optimistically when a message arrives;
// the first renewal that fails drops the topic and notifies loss callbacks.
type OwnershipManager struct {
	receiverID  string
	coordinator coordination.Coordinator
	defaultTTL  time.Duration
	interval    time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	topics    map[string]time.Duration
	callbacks []LossCallback

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewOwnershipManager creates an ownership manager for receiverID
func NewOwnershipManager(receiverID string, coordinator coordination.Coordinator, ttl, renewalInterval time.Duration, logger *slog.Logger) *OwnershipManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &OwnershipManager{
		receiverID:  receiverID,
		coordinator: coordinator,
		defaultTTL:  ttl,
		interval:    renewalInterval,
		logger:      logger,
		topics:      make(map[string]time.Duration),
	}
}

// AddTopic marks topic as owned. ttl <= 0 uses the manager's default lease TTL.
func (m *OwnershipManager) AddTopic(topic string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.mu.Lock()
	m.topics[topic] = ttl
	m.mu.Unlock()
}

// RemoveTopic forgets topic without touching its lease
func (m *OwnershipManager) RemoveTopic(topic string) {
	m.mu.Lock()
	delete(m.topics, topic)
	m.mu.Unlock()
}

// Owns reports whether topic is in the owned set
func (m *OwnershipManager) Owns(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topic]
	return ok
}

// Topics returns the owned topics in sorted order
func (m *OwnershipManager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// OnLoss registers a callback for lost topics
func (m *OwnershipManager) OnLoss(cb LossCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Start begins periodic lease renewal. Calling Start on a running manager does nothing.
func (m *OwnershipManager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})

	m.wg.Add(1)
	go m.renewLoop(m.stop)
}

// Stop ends periodic renewal and waits for an in-progress pass to finish.
func (m *OwnershipManager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.runMu.Unlock()

	m.wg.Wait()
}

func (m *OwnershipManager) renewLoop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.RenewAll(ctx)
			cancel()
		}
	}
}

// RenewAll renews every owned topic in parallel. Topics whose renewal is
// refused are removed and reported to the loss callbacks. Backend errors are
// logged and the topic is kept for the next pass.
func (m *OwnershipManager) RenewAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]time.Duration, len(m.topics))
	for topic, ttl := range m.topics {
		snapshot[topic] = ttl
	}
	m.mu.Unlock()

	var (
		lostMu sync.Mutex
		lost   []string
		g      errgroup.Group
	)
	for topic, ttl := range snapshot {
		g.Go(func() error {
			renewed, err := m.coordinator.RenewTopicOwnership(ctx, topic, m.receiverID, ttl)
			if err != nil {
				m.logger.Warn("failed to renew topic ownership",
					"topic", topic,
					"receiverId", m.receiverID,
					"error", err,
				)
				return nil
			}
			if !renewed {
				lostMu.Lock()
				lost = append(lost, topic)
				lostMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(lost)
	for _, topic := range lost {
		m.handleLoss(topic)
	}
}

func (m *OwnershipManager) handleLoss(topic string) {
	m.mu.Lock()
	delete(m.topics, topic)
	callbacks := append([]LossCallback(nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.Info("lost topic ownership",
		"topic", topic,
		"receiverId", m.receiverID,
	)

	for _, cb := range callbacks {
		m.invokeCallback(cb, topic)
	}
}

func (m *OwnershipManager) invokeCallback(cb LossCallback, topic string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("ownership loss callback panicked",
				"topic", topic,
				"panic", r,
			)
		}
	}()
	cb(topic)
}

// ReleaseAll releases every owned lease and clears the owned set, even when
// some releases fail. The failures are returned joined.
func (m *OwnershipManager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	m.topics = make(map[string]time.Duration)
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
		g     errgroup.Group
	)
	for _, topic := range topics {
		g.Go(func() error {
			if err := m.coordinator.ReleaseTopicOwnership(ctx, topic, m.receiverID); err != nil {
				m.logger.Warn("failed to release topic ownership",
					"topic", topic,
					"receiverId", m.receiverID,
					"error", err,
				)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("failed to release topic %s: %w", topic, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
