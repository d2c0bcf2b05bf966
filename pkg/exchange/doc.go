// Package exchange turns a fire-and-forget message transport into ordered,
// correlated request/response exchanges.
//
// Guarantees:
// - Correlation ids are strictly increasing for the lifetime of a Coordinator and are never reused.
// - Each lane processes one item at a time, in push order.
// - A paused lane buffers pushes and never drops them.
// - Every pending request ends exactly once: resolved, rejected, or timed out.
//
// Usage:
//
//	coord, err := exchange.New(exchange.Config{Transport: t, Logger: logger})
//	if err != nil {
//		return err
//	}
//	defer coord.Close()
//	coord.Resume()
//	reply, err := coord.Request(msg).Wait(ctx)
package exchange
