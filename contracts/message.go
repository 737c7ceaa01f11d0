package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeTimeoutExtension is the discriminant carried by every TimeoutExtension.
const TypeTimeoutExtension = "timeout_extension"

// Message is one attempted delivery. MessageID is stable across retries of the
// same logical send; ReplySubject and RetryCount change on every attempt.
type Message struct {
	MessageID    string          `json:"messageId"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ReplySubject string          `json:"replySubject"`
	Timeout      int64           `json:"timeout"`
	SentAt       int64           `json:"sentAt"`
	RetryCount   int             `json:"retryCount"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(messageID, topic string, payload json.RawMessage, replySubject string, timeout time.Duration, retryCount int) *Message {
	return &Message{
		MessageID:    messageID,
		Topic:        topic,
		Payload:      payload,
		ReplySubject: replySubject,
		Timeout:      timeout.Milliseconds(),
		SentAt:       time.Now().UnixMilli(),
		RetryCount:   retryCount,
	}
}

// TimeoutDuration returns the deadline window of the message.
func (m *Message) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Millisecond
}

// SentTime returns when the message was sent.
func (m *Message) SentTime() time.Time {
	return time.UnixMilli(m.SentAt)
}

// Validate checks the fields a receiver relies on.
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.Topic == "" {
		return fmt.Errorf("message topic is required")
	}
	if m.ReplySubject == "" {
		return fmt.Errorf("message reply subject is required")
	}
	return nil
}

// Response is the terminal outcome of processing one message.
// Result is meaningful only when Success is true, Error only when it is false.
type Response struct {
	MessageID   string          `json:"messageId"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ProcessedAt int64           `json:"processedAt"`
}

// NewSuccessResponse marshals result into a successful response.
func NewSuccessResponse(messageID string, result any) (*Response, error) {
	resp := &Response{
		MessageID:   messageID,
		Success:     true,
		ProcessedAt: time.Now().UnixMilli(),
	}
	if result == nil {
		return resp, nil
	}

	if raw, ok := result.(json.RawMessage); ok {
		resp.Result = raw
		return resp, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	resp.Result = data
	return resp, nil
}

// NewErrorResponse builds a failed response carrying err's message.
func NewErrorResponse(messageID string, err error) *Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Response{
		MessageID:   messageID,
		Success:     false,
		Error:       msg,
		ProcessedAt: time.Now().UnixMilli(),
	}
}

// Decode unmarshals the result into v.
func (r *Response) Decode(v any) error {
	if !r.Success {
		return fmt.Errorf("cannot decode result of failed response: %s", r.Error)
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	return json.Unmarshal(r.Result, v)
}

// ProcessedTime returns when the response was produced.
func (r *Response) ProcessedTime() time.Time {
	return time.UnixMilli(r.ProcessedAt)
}

// TimeoutExtension asks the sender to keep waiting for ExtensionMs more.
type TimeoutExtension struct {
	Type        string `json:"type"`
	MessageID   string `json:"messageId"`
	ExtensionMs int64  `json:"extensionMs"`
}

// NewTimeoutExtension builds an extension with the discriminant set.
func NewTimeoutExtension(messageID string, extension time.Duration) *TimeoutExtension {
	return &TimeoutExtension{
		Type:        TypeTimeoutExtension,
		MessageID:   messageID,
		ExtensionMs: extension.Milliseconds(),
	}
}

// Extension returns the requested extension as a duration.
func (e *TimeoutExtension) Extension() time.Duration {
	return time.Duration(e.ExtensionMs) * time.Millisecond
}

// Reply is whatever arrives on a reply subject: exactly one field is set.
type Reply struct {
	Extension *TimeoutExtension
	Response  *Response
}

// IsExtension reports whether the reply is a non-terminal extension.
func (r Reply) IsExtension() bool {
	return r.Extension != nil
}

// DecodeReply decodes a reply-subject payload, dispatching on the type discriminant.
func DecodeReply(data []byte) (Reply, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}

	switch tag.Type {
	case TypeTimeoutExtension:
		var ext TimeoutExtension
		if err := json.Unmarshal(data, &ext); err != nil {
			return Reply{}, fmt.Errorf("failed to decode timeout extension: %w", err)
		}
		return Reply{Extension: &ext}, nil
	case "":
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return Reply{}, fmt.Errorf("failed to decode response: %w", err)
		}
		if resp.MessageID == "" {
			return Reply{}, fmt.Errorf("response missing message id")
		}
		return Reply{Response: &resp}, nil
	default:
		return Reply{}, fmt.Errorf("unknown reply type: %s", tag.Type)
	}
}

// DecodeMessage decodes and validates an inbound message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeResponse decodes a terminal response, rejecting extensions.
func DecodeResponse(data []byte) (*Response, error) {
	reply, err := DecodeReply(data)
	if err != nil {
		return nil, err
	}
	if reply.IsExtension() {
		return nil, fmt.Errorf("expected response, got %s", TypeTimeoutExtension)
	}
	return reply.Response, nil
}
