package broker

import (
	"fmt"
	"slices"
	"strings"
)

// channelRegistry maps channel names to their subscriber sets.
// Not safe for concurrent use; the Broker serializes access.
//
// A channel exists while it has at least one subscriber. Emptied channels
// are dropped eagerly, so "unknown channel" and "no subscribers" look the
// same to callers.
type channelRegistry struct {
	channels map[string]map[ConnID]struct{}
	subs     int // total subscriptions across channels
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{
		channels: make(map[string]map[ConnID]struct{}),
	}
}

// subscribe adds id to the channel, creating the channel on first use.
func (r *channelRegistry) subscribe(channel string, id ConnID) error {
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[ConnID]struct{})
		r.channels[channel] = members
	}

	if _, exists := members[id]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadySubscribed, channel)
	}

	members[id] = struct{}{}
	r.subs++
	return nil
}

// unsubscribe removes id from the channel.
func (r *channelRegistry) unsubscribe(channel string, id ConnID) error {
	members, ok := r.channels[channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotSubscribed, channel)
	}
	if _, exists := members[id]; !exists {
		return fmt.Errorf("%w: %q", ErrNotSubscribed, channel)
	}

	delete(members, id)
	r.subs--
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	return nil
}

// removeConnection drops id from every channel and returns the names of the
// channels it left, sorted.
func (r *channelRegistry) removeConnection(id ConnID) []string {
	var left []string
	for channel, members := range r.channels {
		if _, ok := members[id]; !ok {
			continue
		}
		delete(members, id)
		r.subs--
		left = append(left, channel)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	slices.Sort(left)
	return left
}

// subscribersOf returns the channel's subscribers in ID order. Unknown
// channels yield an empty slice.
func (r *channelRegistry) subscribersOf(channel string) []ConnID {
	members := r.channels[channel]
	ids := make([]ConnID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, CompareConnID)
	return ids
}

// subscriptionsOf returns the channels id belongs to, sorted.
func (r *channelRegistry) subscriptionsOf(id ConnID) []string {
	var names []string
	for channel, members := range r.channels {
		if _, ok := members[id]; ok {
			names = append(names, channel)
		}
	}
	slices.Sort(names)
	return names
}

// snapshot lists channels with their subscriber counts, sorted by name.
func (r *channelRegistry) snapshot() []ChannelInfo {
	infos := make([]ChannelInfo, 0, len(r.channels))
	for name, members := range r.channels {
		infos = append(infos, ChannelInfo{Name: name, Subscribers: len(members)})
	}
	slices.SortFunc(infos, func(a, b ChannelInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}
