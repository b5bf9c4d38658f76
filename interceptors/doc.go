// Package interceptors wraps consumer handlers with cross-cutting behaviour.
//
// An InterceptorChain turns a messaging.Handler into another Handler, so the
// result is registered with Consumer.AddListener like any other handler:
//
//	chain := interceptors.NewInterceptorChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewFilteringInterceptor(
//			interceptors.NewRoutingKeyFilter("order.*"),
//			interceptors.SkipWithLog, logger),
//	)
//	consumer.AddListener("orders", chain.Then(handleOrder))
//
// Built-in interceptors:
//   - LoggingInterceptor: logs every invocation with its duration
//   - FilteringInterceptor: skips deliveries rejected by a MessageFilter
//   - ConditionalInterceptor: runs another interceptor only when a filter matches
//
// Filters: RoutingKeyFilter, HeaderFilter, CompositeFilter (AND) and OrFilter.
// A skipped delivery counts as handled, so it is acknowledged under the
// consumer's ack policy unless SkipWithError is used.
package interceptors
