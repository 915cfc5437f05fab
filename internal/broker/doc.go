// Package broker implements the subscription registry and message routing core.
//
// The Broker:
//   - Tracks live connections (ConnID → Handle)
//   - Tracks channel membership (channel name → set of ConnID)
//   - Fans a published payload out to every current subscriber
//   - Serializes all of the above behind a single mutex
//
// Delivery is best effort: a recipient whose handle is missing or whose send
// fails is logged and skipped. Publishing to a channel with no subscribers is
// a successful no-op.
package broker
