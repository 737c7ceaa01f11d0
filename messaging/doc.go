// Package messaging provides the request/reply core of conduit.
//
// A Receiver registers itself with a coordination.Coordinator, subscribes to
// its inbox subject and answers every message with the result of a single
// Handler. A Sender resolves which receiver owns a topic, assigning one from
// the live receivers when the topic has no owner, and waits for the reply on
// a private inbox subject.
//
//   - OwnershipManager: renews the topic leases a receiver holds and reports
//     leases it loses
//   - Receiver: heartbeat, duplicate detection through a message cache,
//     timeout extensions for long-running handlers, topic broadcast of results
//   - Sender: retries with exponential backoff, max in-flight backpressure,
//     topic response subscriptions
//
// Example usage:
//
//	receiver, err := messaging.NewReceiver("orders", tr, coord,
//		func(ctx context.Context, topic string, payload json.RawMessage) (any, error) {
//			return map[string]string{"status": "accepted"}, nil
//		})
//	if err != nil {
//		return err
//	}
//	if err := receiver.Start(ctx); err != nil {
//		return err
//	}
//	defer receiver.Stop(context.Background())
//
//	sender, err := messaging.NewSender("orders", tr, coord, messaging.WithMaxRetries(5))
//	if err != nil {
//		return err
//	}
//	defer sender.Close()
//
//	resp, err := sender.Send(ctx, "created", order, messaging.WithTimeout(5*time.Second))
//
// A handler error or panic is delivered to the sender as a Response with
// Success false. Send only returns an error when the message could not be
// delivered or answered.
package messaging
