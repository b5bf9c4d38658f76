// Package messaging provides the producer and consumer of relaymq.
//
// A Producer encodes payloads with a serialization codec and publishes them to
// one exchange, either synchronously or in the background. Transmissions are
// retried with an incremental backoff and may be guarded by a circuit breaker.
//
// A Consumer drains deliveries from one or more queues and dispatches them to
// handlers, inline or on a bounded pool. Each listener has its own retry
// budget and acknowledgment policy:
//   - NoAck: the broker considers the delivery acknowledged when it is sent
//   - AutoAck: acknowledge after the handler succeeded
//   - AlwaysAck: acknowledge whatever the outcome
//
// Example usage:
//
//	producer, err := messaging.NewProducer(contracts.NewExchange("orders", contracts.ExchangeTopic), transport)
//	if err != nil {
//		return err
//	}
//	ok, err := producer.Send(ctx, order, messaging.WithRoutingKey("order.created"))
//
//	consumer, err := messaging.NewConsumer(transport, messaging.WithPrefetchCount(10))
//	if err != nil {
//		return err
//	}
//	err = consumer.AddListener("orders.created", func(ctx context.Context, payload any, d *messaging.AckHandle) error {
//		return process(payload)
//	}, messaging.ListenHandlerType(contracts.HandlerAsync), messaging.ListenRetry(3, time.Second))
//	err = consumer.Run(ctx)
//
// Hooks registered on a HookRegistry observe sends and handler invocations.
package messaging
