// Package session binds client connections to the broker.
//
// Two layers:
//   - Handler: decodes one frame, runs SUBSCRIBE/UNSUBSCRIBE/PUBLISH against
//     the broker and encodes the OK or ERROR reply. Transport-agnostic.
//   - Session: one websocket connection. A read loop feeds frames to the
//     Handler; a write loop drains a bounded outbound queue; a ping loop
//     detects dead peers.
//
// Replies and forwarded publishes share the outbound queue, so a client sees
// them in the order the broker produced them. When the queue is full, Send
// fails and the broker counts a delivery failure for that recipient.
//
// On close the connection is removed from the broker before its queue is
// closed, so no publish can reach a half-closed session.
package session
