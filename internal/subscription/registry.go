// Package subscription implements the Subscription Registry (C4): channel
// membership operations against the Channels Table, durably mirrored into
// the Message Store for offline replay.
package subscription

import (
	"github.com/adred-codev/channelserver/internal/chserr"
	"github.com/adred-codev/channelserver/internal/sharedtables"
	"github.com/adred-codev/channelserver/internal/store"
)

// ConnectionLookup tells the registry whether a subscriber's connection is
// still live and, if so, how to push a payload to it — implemented by the
// Connection Supervisor.
type ConnectionLookup interface {
	// Send attempts a non-blocking push to fd; ok is false if fd is unknown
	// or the push was dropped (slow client policy lives in the supervisor).
	Send(fd int64, payload []byte) (ok bool)
}

// FanoutResult reports what happened during a fanout.
type FanoutResult struct {
	Delivered         int
	OfflineRecipients []string // profile_id of subscribers with no live connection
}

// Registry implements C4 against the shared Channels Table.
type Registry struct {
	channels *sharedtables.ChannelsTable
	auth     *sharedtables.AuthTable
	store    *store.Store
	conns    ConnectionLookup
}

// New builds a Subscription Registry.
func New(channels *sharedtables.ChannelsTable, auth *sharedtables.AuthTable, st *store.Store, conns ConnectionLookup) *Registry {
	return &Registry{channels: channels, auth: auth, store: st, conns: conns}
}

// Subscribe requires an active Session for fd; inserts the membership and
// durably mirrors it keyed by the session's profile_id. Idempotent.
func (r *Registry) Subscribe(fd int64, channel string) error {
	session, ok := r.auth.Get(fd)
	if !ok {
		return chserr.ErrUnauthenticated
	}
	if err := r.channels.Insert(channel, fd); err != nil {
		return chserr.Wrap(chserr.KindCapacityExhausted, "subscribe", err)
	}
	if err := r.store.RecordSubscription(session.ProfileID, channel); err != nil {
		return chserr.Wrap(chserr.KindPersistence, "record subscription", err)
	}
	return nil
}

// Unsubscribe removes the membership; idempotent, no error if absent.
func (r *Registry) Unsubscribe(fd int64, channel string) error {
	r.channels.Remove(channel, fd)
	if session, ok := r.auth.Get(fd); ok {
		if err := r.store.RemoveSubscription(session.ProfileID, channel); err != nil {
			return chserr.Wrap(chserr.KindPersistence, "remove subscription", err)
		}
	}
	return nil
}

// MembersOf returns the fds currently subscribed to channel.
func (r *Registry) MembersOf(channel string) []int64 {
	return r.channels.MembersOf(channel)
}

// ChannelsOf returns the channels fd is subscribed to.
func (r *Registry) ChannelsOf(fd int64) []string {
	return r.channels.ChannelsOf(fd)
}

// Disconnect removes every Subscription and the Session for fd, invariant
// (b) of the Subscription entity and the Connection Supervisor's close
// contract (§4.5).
func (r *Registry) Disconnect(fd int64) {
	r.channels.RemoveAllForFd(fd)
	r.auth.Delete(fd)
}

// Recipients returns the profile_id of every subscriber to channel, live or
// merely durably mirrored, excluding excludeProfileID (the publisher). This
// is the union a publish fan-out must persist Deliveries for: a cleanly
// disconnected subscriber no longer has a Channels Table membership, but its
// RecordSubscription mirror keeps it owed a delivery and a digest until it
// unsubscribes or reconnects and replays (§4.5, §8 scenario 2).
func (r *Registry) Recipients(channel, excludeProfileID string) ([]string, error) {
	seen := map[string]bool{excludeProfileID: true}
	var out []string
	for _, fd := range r.channels.MembersOf(channel) {
		session, ok := r.auth.Get(fd)
		if !ok || seen[session.ProfileID] {
			continue
		}
		seen[session.ProfileID] = true
		out = append(out, session.ProfileID)
	}

	durable, err := r.store.SubscribersOf(channel)
	if err != nil {
		return out, err
	}
	for _, profileID := range durable {
		if seen[profileID] {
			continue
		}
		seen[profileID] = true
		out = append(out, profileID)
	}
	return out, nil
}

// Fanout pushes payload to every online subscriber of channel (skipping
// excludeFd, the publisher) and, against the full recipients set (live and
// durably-mirrored), reports the profile_id of every recipient that did not
// receive a live push so the caller can upsert a digest for them. Publish
// order for a single publisher to a single channel is preserved because
// members are iterated and enqueued sequentially in the calling goroutine.
func (r *Registry) Fanout(channel string, payload []byte, excludeFd int64, recipients []string) FanoutResult {
	var result FanoutResult
	delivered := make(map[string]bool, len(recipients))
	for _, fd := range r.channels.MembersOf(channel) {
		if fd == excludeFd {
			continue
		}
		session, ok := r.auth.Get(fd)
		if !ok {
			continue
		}
		if r.conns.Send(fd, payload) {
			result.Delivered++
			delivered[session.ProfileID] = true
		}
	}
	for _, profileID := range recipients {
		if !delivered[profileID] {
			result.OfflineRecipients = append(result.OfflineRecipients, profileID)
		}
	}
	return result
}
