package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/coordination"
	"github.com/glimte/conduit-go/internal/cache"
	"github.com/glimte/conduit-go/transport"
	"github.com/google/uuid"
)

// minExtensionGap rate-limits timeout extensions per message.
const minExtensionGap = time.Second

// Handler processes one message for a topic. A returned error becomes a
// failed Response; it never stops the receiver.
type Handler func(ctx context.Context, topic string, payload json.RawMessage) (any, error)

// processing tracks one message while its handler runs.
type processing struct {
	topic         string
	replySubjects []string
	deadline      time.Time
	lastExtension time.Time
}

// Receiver accepts messages for the topics routed to it, runs the handler
// and replies on each message's reply subject.
type Receiver struct {
	id          string
	conduitID   string
	transport   transport.Transport
	coordinator coordination.Coordinator
	handler     Handler
	config      ReceiverConfig
	logger      *slog.Logger
	metrics     MetricsCollector

	ownership *OwnershipManager

	mu      sync.Mutex
	running bool
	subID   string
	cache   *cache.MessageCache
	baseCtx context.Context
	stop    chan struct{}
	wg      sync.WaitGroup

	procMu     sync.Mutex
	processing map[string]*processing

	now          func() time.Time
	extensionGap time.Duration
}

// ReceiverOption configures a Receiver
type ReceiverOption func(*Receiver)

// WithReceiverID overrides the generated receiver id
func WithReceiverID(id string) ReceiverOption {
	return func(r *Receiver) {
		r.id = id
	}
}

// WithReceiverConfig replaces the whole receiver configuration
func WithReceiverConfig(cfg ReceiverConfig) ReceiverOption {
	return func(r *Receiver) {
		r.config = cfg
	}
}

// WithHeartbeat sets the heartbeat interval and the liveness TTL it refreshes
func WithHeartbeat(interval, ttl time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.config.HeartbeatInterval = interval
		r.config.HeartbeatTTL = ttl
	}
}

// WithTopicOwnership sets the lease TTL and its renewal interval
func WithTopicOwnership(ttl, renewalInterval time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.config.TopicOwnershipTTL = ttl
		r.config.OwnershipRenewalInterval = renewalInterval
	}
}

// WithMessageCache sets the idempotency cache bounds
func WithMessageCache(size int, ttl time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.config.MessageCacheSize = size
		r.config.MessageCacheTTL = ttl
	}
}

// WithTimeoutExtension sets when extensions are sent and how much time each one asks for
func WithTimeoutExtension(threshold, increment time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.config.TimeoutExtensionThreshold = threshold
		r.config.TimeoutExtension = increment
	}
}

// WithTimeoutCheckInterval sets the tick of the timeout checker
func WithTimeoutCheckInterval(interval time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.config.TimeoutCheckInterval = interval
	}
}

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithReceiverMetrics sets the metrics collector
func WithReceiverMetrics(metrics MetricsCollector) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = metrics
	}
}

// NewReceiver creates a stopped receiver on conduitID
func NewReceiver(conduitID string, tr transport.Transport, coordinator coordination.Coordinator, handler Handler, opts ...ReceiverOption) (*Receiver, error) {
	if err := contracts.ValidateConduitID(conduitID); err != nil {
		return nil, err
	}
	if tr == nil || coordinator == nil {
		return nil, fmt.Errorf("transport and coordinator are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	r := &Receiver{
		id:           uuid.New().String(),
		conduitID:    conduitID,
		transport:    tr,
		coordinator:  coordinator,
		handler:      handler,
		config:       DefaultReceiverConfig(),
		logger:       slog.Default(),
		metrics:      NoOpMetricsCollector{},
		processing:   make(map[string]*processing),
		now:          time.Now,
		extensionGap: minExtensionGap,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid receiver config: %w", err)
	}
	if err := contracts.ValidateConduitID(r.id); err != nil {
		return nil, fmt.Errorf("invalid receiver id: %w", err)
	}

	r.logger = r.logger.With("conduitId", conduitID, "receiverId", r.id)
	r.ownership = NewOwnershipManager(r.id, coordinator, r.config.TopicOwnershipTTL, r.config.OwnershipRenewalInterval, r.logger)
	r.ownership.OnLoss(r.metrics.RecordOwnershipLost)

	return r, nil
}

// ID returns the receiver id
func (r *Receiver) ID() string {
	return r.id
}

// IsRunning reports whether the receiver is started
func (r *Receiver) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// OwnedTopics returns the topics this receiver currently believes it owns
func (r *Receiver) OwnedTopics() []string {
	return r.ownership.Topics()
}

// ProcessingCount returns the number of messages whose handler is running
func (r *Receiver) ProcessingCount() int {
	r.procMu.Lock()
	defer r.procMu.Unlock()
	return len(r.processing)
}

// OnOwnershipLost registers a callback for topics whose lease renewal failed
func (r *Receiver) OnOwnershipLost(cb func(topic string)) {
	r.ownership.OnLoss(cb)
}

// Start registers the receiver, starts its background loops and subscribes to
// its inbox. Handlers run with a context that keeps ctx's values but is never
// cancelled by Stop.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return contracts.ErrAlreadyRunning
	}

	if err := r.coordinator.RegisterReceiver(ctx, r.id, r.config.HeartbeatTTL); err != nil {
		return fmt.Errorf("failed to register receiver: %w", err)
	}

	r.cache = cache.NewMessageCache(r.config.MessageCacheSize, r.config.MessageCacheTTL)
	r.baseCtx = context.WithoutCancel(ctx)

	inbox := contracts.ReceiverInbox(r.conduitID, r.id)
	subID, err := r.transport.Subscribe(ctx, inbox, r.onMessage)
	if err != nil {
		r.cache.Destroy()
		if uerr := r.coordinator.UnregisterReceiver(context.WithoutCancel(ctx), r.id); uerr != nil {
			r.logger.Warn("failed to unregister receiver after subscribe failure", "error", uerr)
		}
		return fmt.Errorf("failed to subscribe to %s: %w", inbox, err)
	}
	r.subID = subID

	r.stop = make(chan struct{})
	r.ownership.Start()
	r.wg.Add(2)
	go r.heartbeatLoop(r.stop)
	go r.timeoutCheckLoop(r.stop)

	r.running = true
	r.logger.Info("receiver started", "inbox", inbox)
	return nil
}

// Stop unsubscribes, stops the background loops, releases owned topics,
// unregisters and drops the message cache. Handlers already running finish
// and still reply. Stop on a stopped receiver returns nil.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false

	var errs []error
	if err := r.transport.Unsubscribe(ctx, r.subID); err != nil {
		errs = append(errs, fmt.Errorf("failed to unsubscribe inbox: %w", err))
	}

	close(r.stop)
	r.wg.Wait()
	r.ownership.Stop()

	if err := r.ownership.ReleaseAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.coordinator.UnregisterReceiver(ctx, r.id); err != nil {
		errs = append(errs, fmt.Errorf("failed to unregister receiver: %w", err))
	}
	r.cache.Destroy()

	r.logger.Info("receiver stopped")
	return errors.Join(errs...)
}

func (r *Receiver) heartbeatLoop(stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.config.HeartbeatInterval)
			if err := r.coordinator.RegisterReceiver(ctx, r.id, r.config.HeartbeatTTL); err != nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

func (r *Receiver) timeoutCheckLoop(stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.TimeoutCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.checkTimeouts()
		}
	}
}

type pendingExtension struct {
	subject string
	topic   string
	data    []byte
}

// checkTimeouts sends an extension for every message close to its deadline.
func (r *Receiver) checkTimeouts() {
	now := r.now()
	var out []pendingExtension

	r.procMu.Lock()
	for messageID, p := range r.processing {
		if p.deadline.Sub(now) >= r.config.TimeoutExtensionThreshold {
			continue
		}
		if !p.lastExtension.IsZero() && now.Sub(p.lastExtension) < r.extensionGap {
			continue
		}

		data, err := json.Marshal(contracts.NewTimeoutExtension(messageID, r.config.TimeoutExtension))
		if err != nil {
			r.logger.Error("failed to encode timeout extension", "messageId", messageID, "error", err)
			continue
		}
		p.lastExtension = now
		p.deadline = now.Add(r.config.TimeoutExtension)
		out = append(out, pendingExtension{
			subject: p.replySubjects[len(p.replySubjects)-1],
			topic:   p.topic,
			data:    data,
		})
	}
	r.procMu.Unlock()

	for _, ext := range out {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.TimeoutCheckInterval)
		if err := r.transport.Publish(ctx, ext.subject, ext.data); err != nil {
			r.logger.Warn("failed to send timeout extension",
				"topic", ext.topic,
				"replySubject", ext.subject,
				"error", err,
			)
		} else {
			r.metrics.RecordTimeoutExtension(ext.topic, "sent")
		}
		cancel()
	}
}

// onMessage is the inbox subscription handler. Processing continues on its
// own goroutine so slow handlers never hold up the subscription.
func (r *Receiver) onMessage(_ context.Context, msg *transport.Message) error {
	message, err := contracts.DecodeMessage(msg.Data)
	if err != nil {
		return fmt.Errorf("failed to decode message on %s: %w", msg.Subject, err)
	}

	if topic, ok := contracts.TopicFromSubject(r.conduitID, r.id, msg.Subject); ok && topic != message.Topic {
		r.logger.Warn("message topic does not match its subject",
			"subject", msg.Subject,
			"topic", message.Topic,
			"messageId", message.MessageID,
		)
	}

	go r.process(message)
	return nil
}

func (r *Receiver) process(msg *contracts.Message) {
	r.mu.Lock()
	messageCache := r.cache
	baseCtx := r.baseCtx
	r.mu.Unlock()

	if cached, ok := messageCache.Get(msg.MessageID); ok {
		r.metrics.RecordCacheHit(msg.Topic)
		r.logger.Debug("replaying cached response",
			"topic", msg.Topic,
			"messageId", msg.MessageID,
		)
		r.publishResponse(msg.Topic, []string{msg.ReplySubject}, cached)
		return
	}

	// a retry of a message still being handled joins the running invocation
	r.procMu.Lock()
	if cached, ok := messageCache.Get(msg.MessageID); ok {
		// completed between the first lookup and taking procMu
		r.procMu.Unlock()
		r.metrics.RecordCacheHit(msg.Topic)
		r.publishResponse(msg.Topic, []string{msg.ReplySubject}, cached)
		return
	}
	if p, ok := r.processing[msg.MessageID]; ok {
		p.replySubjects = append(p.replySubjects, msg.ReplySubject)
		r.procMu.Unlock()
		r.logger.Debug("message already processing",
			"topic", msg.Topic,
			"messageId", msg.MessageID,
		)
		return
	}
	r.processing[msg.MessageID] = &processing{
		topic:         msg.Topic,
		replySubjects: []string{msg.ReplySubject},
		deadline:      r.now().Add(msg.TimeoutDuration()),
	}
	r.procMu.Unlock()

	r.ownership.AddTopic(msg.Topic, r.config.TopicOwnershipTTL)

	start := time.Now()
	response := r.invoke(baseCtx, msg)
	r.metrics.RecordHandler(msg.Topic, time.Since(start), response.Success)

	// cache and clear under one lock so a duplicate sees one or the other
	r.procMu.Lock()
	messageCache.Set(msg.MessageID, response)
	subjects := r.processing[msg.MessageID].replySubjects
	delete(r.processing, msg.MessageID)
	r.procMu.Unlock()

	r.publishResponse(msg.Topic, subjects, response)
}

// invoke runs the handler and converts its outcome into a Response.
func (r *Receiver) invoke(ctx context.Context, msg *contracts.Message) (response *contracts.Response) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked",
				"topic", msg.Topic,
				"messageId", msg.MessageID,
				"panic", p,
			)
			response = contracts.NewErrorResponse(msg.MessageID, fmt.Errorf("handler panicked: %v", p))
		}
	}()

	result, err := r.handler(ctx, msg.Topic, msg.Payload)
	if err != nil {
		r.logger.Error("handler failed",
			"topic", msg.Topic,
			"messageId", msg.MessageID,
			"error", err,
		)
		return contracts.NewErrorResponse(msg.MessageID, err)
	}

	response, err = contracts.NewSuccessResponse(msg.MessageID, result)
	if err != nil {
		r.logger.Error("failed to encode handler result",
			"topic", msg.Topic,
			"messageId", msg.MessageID,
			"error", err,
		)
		return contracts.NewErrorResponse(msg.MessageID, err)
	}
	return response
}

// publishResponse sends response to each reply subject and to the topic
// broadcast subject. Failures are logged; the sender's retry covers them.
func (r *Receiver) publishResponse(topic string, replySubjects []string, response *contracts.Response) {
	data, err := json.Marshal(response)
	if err != nil {
		r.logger.Error("failed to encode response",
			"topic", topic,
			"messageId", response.MessageID,
			"error", err,
		)
		return
	}

	ctx := context.Background()
	for _, subject := range replySubjects {
		if err := r.transport.Publish(ctx, subject, data); err != nil {
			r.logger.Warn("failed to publish response",
				"topic", topic,
				"messageId", response.MessageID,
				"replySubject", subject,
				"error", err,
			)
		}
	}

	if err := r.transport.Publish(ctx, contracts.TopicResponsesSubject(r.conduitID, topic), data); err != nil {
		r.logger.Warn("failed to broadcast response",
			"topic", topic,
			"messageId", response.MessageID,
			"error", err,
		)
	}
}
