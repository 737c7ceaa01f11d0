package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/glimte/conduit-go/contracts"
	"github.com/glimte/conduit-go/coordination"
	"github.com/glimte/conduit-go/internal/reliability"
	"github.com/glimte/conduit-go/transport"
	"github.com/google/uuid"
)

// replyBuffer bounds reply payloads queued between the transport and a waiting attempt.
const replyBuffer = 16

// TopicListener receives every response published for a topic.
type TopicListener func(response *contracts.Response)

// Sender delivers messages to the receiver owning each topic and waits for
// the correlated response.
type Sender struct {
	conduitID   string
	transport   transport.Transport
	coordinator coordination.Coordinator
	config      SenderConfig
	logger      *slog.Logger
	metrics     MetricsCollector
	retry       *reliability.Manager

	mu           sync.Mutex
	closed       bool
	inFlight     map[string]context.CancelCauseFunc
	topicSubs    map[string]string
	pendingUnsub map[string]struct{}

	sends sync.WaitGroup
	done  chan struct{}
	wg    sync.WaitGroup
}

// SenderOption configures a Sender
type SenderOption func(*Sender)

// WithSenderConfig replaces the whole sender configuration
func WithSenderConfig(cfg SenderConfig) SenderOption {
	return func(s *Sender) {
		s.config = cfg
	}
}

// WithDefaultTimeout sets the reply window used when Send gets none
func WithDefaultTimeout(timeout time.Duration) SenderOption {
	return func(s *Sender) {
		s.config.DefaultTimeout = timeout
	}
}

// WithMaxRetries sets the number of retries after the first attempt
func WithMaxRetries(maxRetries int) SenderOption {
	return func(s *Sender) {
		s.config.MaxRetries = maxRetries
	}
}

// WithRetryBackoff sets the first retry delay and its growth factor
func WithRetryBackoff(initial time.Duration, multiplier float64) SenderOption {
	return func(s *Sender) {
		s.config.RetryBackoff = initial
		s.config.RetryBackoffMultiplier = multiplier
	}
}

// WithMaxInFlight bounds concurrent sends
func WithMaxInFlight(n int) SenderOption {
	return func(s *Sender) {
		s.config.MaxInFlight = n
	}
}

// WithSenderOwnershipTTL sets the lease TTL used when the sender assigns a topic
func WithSenderOwnershipTTL(ttl time.Duration) SenderOption {
	return func(s *Sender) {
		s.config.TopicOwnershipTTL = ttl
	}
}

// WithUnsubscribeRetryInterval sets how often failed unsubscriptions are retried
func WithUnsubscribeRetryInterval(interval time.Duration) SenderOption {
	return func(s *Sender) {
		s.config.UnsubscribeRetryInterval = interval
	}
}

// WithSenderLogger sets the logger
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		s.logger = logger
	}
}

// WithSenderMetrics sets the metrics collector
func WithSenderMetrics(metrics MetricsCollector) SenderOption {
	return func(s *Sender) {
		s.metrics = metrics
	}
}

// NewSender creates a sender on conduitID
func NewSender(conduitID string, tr transport.Transport, coordinator coordination.Coordinator, opts ...SenderOption) (*Sender, error) {
	if err := contracts.ValidateConduitID(conduitID); err != nil {
		return nil, err
	}
	if tr == nil || coordinator == nil {
		return nil, fmt.Errorf("transport and coordinator are required")
	}

	s := &Sender{
		conduitID:    conduitID,
		transport:    tr,
		coordinator:  coordinator,
		config:       DefaultSenderConfig(),
		logger:       slog.Default(),
		metrics:      NoOpMetricsCollector{},
		inFlight:     make(map[string]context.CancelCauseFunc),
		topicSubs:    make(map[string]string),
		pendingUnsub: make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sender config: %w", err)
	}

	s.logger = s.logger.With("conduitId", conduitID)
	policy := reliability.NewExponentialBackoff(s.config.RetryBackoff, 0, s.config.RetryBackoffMultiplier, s.config.MaxRetries)
	s.retry = reliability.NewManager(policy, s.logger)

	s.wg.Add(1)
	go s.unsubscribeSweepLoop()

	return s, nil
}

type sendOptions struct {
	timeout   time.Duration
	messageID string
}

// SendOption configures a single Send call
type SendOption func(*sendOptions)

// WithTimeout sets the reply window of one send. Non-positive values use the default.
func WithTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeout = timeout
	}
}

// WithMessageID supplies the message id, making the send idempotent across
// calls that reach the same receiver while its cache holds the response.
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) {
		o.messageID = id
	}
}

// Send delivers payload to the owner of topic and returns its response.
//
// A Response with Success=false means the remote handler failed. A returned
// error, always a *contracts.SendError, means the messaging layer failed.
// payload is JSON encoded unless it already is a json.RawMessage.
func (s *Sender) Send(ctx context.Context, topic string, payload any, opts ...SendOption) (*contracts.Response, error) {
	options := sendOptions{timeout: s.config.DefaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}
	if options.timeout <= 0 {
		options.timeout = s.config.DefaultTimeout
	}
	if options.messageID == "" {
		options.messageID = uuid.New().String()
	}
	messageID := options.messageID

	start := time.Now()
	if err := contracts.ValidateTopic(topic); err != nil {
		s.metrics.RecordSend(topic, time.Since(start), OutcomeRejected)
		return nil, contracts.NewSendError("validate", messageID, topic, 0, err)
	}

	body, err := encodePayload(payload)
	if err != nil {
		s.metrics.RecordSend(topic, time.Since(start), OutcomeRejected)
		return nil, contracts.NewSendError("encode", messageID, topic, 0, err)
	}

	sendCtx, release, err := s.acquire(ctx)
	if err != nil {
		outcome := OutcomeRejected
		if errors.Is(err, contracts.ErrSenderClosed) {
			outcome = OutcomeClosed
		}
		s.metrics.RecordSend(topic, time.Since(start), outcome)
		return nil, contracts.NewSendError("send", messageID, topic, 0, err)
	}
	defer release()

	var (
		response *contracts.Response
		lastTry  int
	)
	err = s.retry.WithRetry(sendCtx, "send "+topic, func(ctx context.Context, attempt int) error {
		lastTry = attempt
		if attempt > 0 {
			s.metrics.RecordRetry(topic)
		}
		resp, err := s.attempt(ctx, messageID, topic, body, options.timeout, attempt)
		if err != nil {
			return err
		}
		response = resp
		return nil
	})

	if err != nil {
		if cause := context.Cause(sendCtx); cause != nil && ctx.Err() == nil {
			// cancelled by Close, not by the caller
			err = cause
		}
		var sendErr *contracts.SendError
		if !errors.As(err, &sendErr) {
			sendErr = contracts.NewSendError("send", messageID, topic, lastTry, err)
		}
		s.metrics.RecordSend(topic, time.Since(start), outcomeOf(sendErr))
		return nil, sendErr
	}

	outcome := OutcomeSuccess
	if !response.Success {
		outcome = OutcomeRemoteError
	}
	s.metrics.RecordSend(topic, time.Since(start), outcome)
	return response, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

func outcomeOf(err *contracts.SendError) string {
	switch {
	case errors.Is(err, contracts.ErrRequestTimeout):
		return OutcomeTimeout
	case errors.Is(err, contracts.ErrNoReceiverAvailable):
		return OutcomeNoReceiver
	case errors.Is(err, contracts.ErrSenderClosed):
		return OutcomeClosed
	case errors.Is(err, contracts.ErrMaxInFlight):
		return OutcomeRejected
	}
	return OutcomeError
}

// acquire reserves an in-flight slot. The returned context is cancelled with
// ErrSenderClosed when the sender closes.
func (s *Sender) acquire(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, contracts.ErrSenderClosed
	}
	if len(s.inFlight) >= s.config.MaxInFlight {
		return nil, nil, contracts.ErrMaxInFlight
	}

	key := uuid.New().String()
	sendCtx, cancel := context.WithCancelCause(ctx)
	s.inFlight[key] = cancel
	s.sends.Add(1)
	s.metrics.SetInFlight(len(s.inFlight))

	release := func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.metrics.SetInFlight(len(s.inFlight))
		s.mu.Unlock()
		cancel(nil)
		s.sends.Done()
	}
	return sendCtx, release, nil
}

// attempt performs one full send cycle: resolve owner, subscribe a fresh
// inbox, publish and wait for the terminal response.
func (s *Sender) attempt(ctx context.Context, messageID, topic string, payload json.RawMessage, timeout time.Duration, attempt int) (*contracts.Response, error) {
	owner, err := s.resolveOwner(ctx, topic)
	if err != nil {
		return nil, contracts.NewSendError("resolve", messageID, topic, attempt, err)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := contracts.NewInbox()
	replies := make(chan []byte, replyBuffer)
	subID, err := s.transport.Subscribe(attemptCtx, inbox, func(subCtx context.Context, msg *transport.Message) error {
		select {
		case replies <- msg.Data:
		case <-subCtx.Done():
		case <-attemptCtx.Done():
		}
		return nil
	})
	if err != nil {
		return nil, contracts.NewSendError("subscribe", messageID, topic, attempt, err)
	}
	defer s.unsubscribe(subID)

	msg := contracts.NewMessage(messageID, topic, payload, inbox, timeout, attempt)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, contracts.NewSendError("encode", messageID, topic, attempt, err)
	}

	subject := contracts.RequestSubject(s.conduitID, owner, topic)
	if err := s.transport.Publish(attemptCtx, subject, data); err != nil {
		return nil, contracts.NewSendError("publish", messageID, topic, attempt, fmt.Errorf("%w: %w", contracts.ErrPublishFailed, err))
	}

	s.logger.Debug("message sent",
		"topic", topic,
		"messageId", messageID,
		"receiverId", owner,
		"attempt", attempt,
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case data := <-replies:
			reply, err := contracts.DecodeReply(data)
			if err != nil {
				return nil, contracts.NewSendError("decode", messageID, topic, attempt, fmt.Errorf("%w: %w", contracts.ErrDecodeFailed, err))
			}
			if reply.IsExtension() {
				extension := reply.Extension.Extension()
				timer.Reset(extension)
				s.metrics.RecordTimeoutExtension(topic, "received")
				s.logger.Debug("timeout extended",
					"topic", topic,
					"messageId", messageID,
					"extension", extension,
				)
				continue
			}
			if reply.Response.MessageID != messageID {
				s.logger.Warn("ignoring response for another message",
					"topic", topic,
					"messageId", messageID,
					"responseMessageId", reply.Response.MessageID,
				)
				continue
			}
			return reply.Response, nil

		case <-timer.C:
			return nil, contracts.NewSendError("await", messageID, topic, attempt, contracts.ErrRequestTimeout)

		case <-ctx.Done():
			err := context.Cause(ctx)
			if errors.Is(err, contracts.ErrSenderClosed) {
				return nil, contracts.NewSendError("await", messageID, topic, attempt, err)
			}
			return nil, contracts.NewSendError("await", messageID, topic, attempt, ctx.Err())
		}
	}
}

// resolveOwner returns the receiver owning topic, assigning a random live
// receiver when the topic is unowned.
func (s *Sender) resolveOwner(ctx context.Context, topic string) (string, error) {
	owner, err := s.coordinator.GetTopicOwner(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("failed to get topic owner: %w", err)
	}
	if owner != "" {
		return owner, nil
	}

	receivers, err := s.coordinator.GetActiveReceivers(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list active receivers: %w", err)
	}
	if len(receivers) == 0 {
		return "", contracts.ErrNoReceiverAvailable
	}

	candidate := receivers[rand.IntN(len(receivers))]
	claimed, err := s.coordinator.ClaimTopicOwnership(ctx, topic, candidate, s.config.TopicOwnershipTTL)
	if err != nil {
		return "", fmt.Errorf("failed to claim topic: %w", err)
	}
	if claimed {
		s.logger.Debug("assigned topic", "topic", topic, "receiverId", candidate)
		return candidate, nil
	}

	// lost the race; use whoever won
	owner, err = s.coordinator.GetTopicOwner(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("failed to get topic owner: %w", err)
	}
	if owner == "" {
		return "", contracts.ErrNoReceiverAvailable
	}
	return owner, nil
}

// unsubscribe removes a subscription, queueing it for retry on failure.
func (s *Sender) unsubscribe(subID string) {
	err := s.transport.Unsubscribe(context.Background(), subID)
	if err == nil || errors.Is(err, transport.ErrSubscriptionNotFound) {
		return
	}

	s.logger.Warn("failed to unsubscribe, will retry", "subscriptionId", subID, "error", err)
	s.mu.Lock()
	s.pendingUnsub[subID] = struct{}{}
	s.mu.Unlock()
}

func (s *Sender) unsubscribeSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.UnsubscribeRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.retryUnsubscribes(context.Background())
		}
	}
}

// retryUnsubscribes retries every queued unsubscription once and returns how many remain.
func (s *Sender) retryUnsubscribes(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pendingUnsub))
	for id := range s.pendingUnsub {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		err := s.transport.Unsubscribe(ctx, id)
		if err != nil && !errors.Is(err, transport.ErrSubscriptionNotFound) {
			s.logger.Debug("unsubscribe retry failed", "subscriptionId", id, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.pendingUnsub, id)
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingUnsub)
}

// SubscribeTopic delivers every response produced for topic to listener,
// whoever sent the originating message.
func (s *Sender) SubscribeTopic(ctx context.Context, topic string, listener TopicListener) error {
	if err := contracts.ValidateTopic(topic); err != nil {
		return err
	}
	if listener == nil {
		return fmt.Errorf("listener cannot be nil")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return contracts.ErrSenderClosed
	}
	if _, exists := s.topicSubs[topic]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", contracts.ErrAlreadySubscribed, topic)
	}
	s.topicSubs[topic] = ""
	s.mu.Unlock()

	subject := contracts.TopicResponsesSubject(s.conduitID, topic)
	subID, err := s.transport.Subscribe(ctx, subject, func(_ context.Context, msg *transport.Message) error {
		response, err := contracts.DecodeResponse(msg.Data)
		if err != nil {
			return fmt.Errorf("failed to decode broadcast response: %w", err)
		}
		s.notifyListener(topic, listener, response)
		return nil
	})
	if err != nil {
		s.mu.Lock()
		delete(s.topicSubs, topic)
		s.mu.Unlock()
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.unsubscribe(subID)
		return contracts.ErrSenderClosed
	}
	s.topicSubs[topic] = subID
	s.mu.Unlock()

	s.logger.Debug("subscribed to topic responses", "topic", topic)
	return nil
}

func (s *Sender) notifyListener(topic string, listener TopicListener, response *contracts.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("topic listener panicked",
				"topic", topic,
				"messageId", response.MessageID,
				"panic", r,
			)
		}
	}()
	listener(response)
}

// UnsubscribeTopic removes the listener registered for topic.
func (s *Sender) UnsubscribeTopic(ctx context.Context, topic string) error {
	s.mu.Lock()
	subID, exists := s.topicSubs[topic]
	if !exists || subID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", contracts.ErrNotSubscribed, topic)
	}
	delete(s.topicSubs, topic)
	s.mu.Unlock()

	s.unsubscribe(subID)
	return nil
}

// InFlightCount returns the number of outstanding sends
func (s *Sender) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// PendingUnsubscribeCount returns the number of subscriptions awaiting an unsubscribe retry
func (s *Sender) PendingUnsubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingUnsub)
}

// Close fails every outstanding send with ErrSenderClosed, removes topic
// listeners and flushes pending unsubscriptions. It is safe to call twice.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, cancel := range s.inFlight {
		cancel(contracts.ErrSenderClosed)
	}
	topicSubs := s.topicSubs
	s.topicSubs = make(map[string]string)
	s.mu.Unlock()

	s.sends.Wait()

	for topic, subID := range topicSubs {
		if subID == "" {
			continue
		}
		s.logger.Debug("removing topic listener", "topic", topic)
		s.unsubscribe(subID)
	}

	close(s.done)
	s.wg.Wait()

	if remaining := s.retryUnsubscribes(context.Background()); remaining > 0 {
		return fmt.Errorf("failed to remove %d subscriptions on close", remaining)
	}
	return nil
}
