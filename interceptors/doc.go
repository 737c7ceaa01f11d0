// Package interceptors wraps a messaging.Handler with cross-cutting concerns.
//
// An interceptor sees the topic and payload before the handler and the
// result or error after it. Interceptors run in the order they are added to
// a Chain, with the handler called last:
//
//	handler := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewConcurrencyLimitInterceptor(8),
//		interceptors.NewFilteringInterceptor(interceptors.AllowTopics("orders", "payments"), interceptors.SkipWithError),
//	).Then(myHandler)
//
//	receiver, err := messaging.NewReceiver(conduitID, tr, coord, handler)
//
// An error returned by an interceptor becomes a failed response for the
// sender, exactly like a handler error.
package interceptors
