// Package client is a Go client for the broker.
//
// Subscribe, Unsubscribe and Publish each wait for the broker's OK or
// ERROR reply. The broker answers one connection's commands in order, so
// replies are matched to commands first in, first out. Forwarded publishes
// arrive on Messages.
package client
