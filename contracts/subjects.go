package contracts

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// InboxPrefix prefixes every per-attempt reply subject.
const InboxPrefix = "_INBOX."

// ReceiverInbox is the wildcard subject a receiver subscribes to.
func ReceiverInbox(conduitID, receiverID string) string {
	return fmt.Sprintf("conduit.%s.receiver.%s.>", conduitID, receiverID)
}

// RequestSubject addresses a message for topic to one receiver.
func RequestSubject(conduitID, receiverID, topic string) string {
	return fmt.Sprintf("conduit.%s.receiver.%s.%s", conduitID, receiverID, topic)
}

// TopicResponsesSubject is the broadcast channel carrying every response for topic.
func TopicResponsesSubject(conduitID, topic string) string {
	return fmt.Sprintf("conduit.%s.topic.responses.%s", conduitID, topic)
}

// NewInbox returns a fresh, unique reply subject.
func NewInbox() string {
	return InboxPrefix + uuid.New().String()
}

// TopicFromSubject extracts the topic from a request subject routed to receiverID.
func TopicFromSubject(conduitID, receiverID, subject string) (string, bool) {
	prefix := fmt.Sprintf("conduit.%s.receiver.%s.", conduitID, receiverID)
	if !strings.HasPrefix(subject, prefix) || len(subject) == len(prefix) {
		return "", false
	}
	return subject[len(prefix):], true
}

// ValidateTopic checks that topic can be embedded in a subject as literal tokens.
func ValidateTopic(topic string) error {
	if err := validateTokens(topic); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidTopic, topic, err)
	}
	return nil
}

// ValidateConduitID checks that id is a single literal subject token.
func ValidateConduitID(id string) error {
	if err := validateTokens(id); err != nil {
		return fmt.Errorf("invalid conduit id %q: %w", id, err)
	}
	if strings.Contains(id, ".") {
		return fmt.Errorf("invalid conduit id %q: must be a single token", id)
	}
	return nil
}

func validateTokens(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	if strings.ContainsAny(s, " \t\r\n*>") {
		return fmt.Errorf("must not contain whitespace or wildcards")
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" {
			return fmt.Errorf("must not contain empty tokens")
		}
	}
	return nil
}
