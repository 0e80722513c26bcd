// Package router implements the Frame Router (C6): classification of each
// inbound frame into Native or Virtual HTTP per §4.6, native-frame handling
// (auth/subscribe/unsubscribe/publish/ack/ping/pending/fingerprint), and
// dispatch of virtual-HTTP frames into the Handler Registry or the Task
// Dispatch Bus. Grounded on the reference server's handleClientMessage
// switch, generalized from a fixed message-type enum to the spec's
// type/route classification rule.
package router

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/channelserver/internal/authsession"
	"github.com/adred-codev/channelserver/internal/chserr"
	"github.com/adred-codev/channelserver/internal/handlers"
	"github.com/adred-codev/channelserver/internal/metrics"
	"github.com/adred-codev/channelserver/internal/ratelimit"
	"github.com/adred-codev/channelserver/internal/store"
	"github.com/adred-codev/channelserver/internal/subscription"
	"github.com/adred-codev/channelserver/internal/taskbus"
	"github.com/adred-codev/channelserver/internal/wire"
)

// Sender is the narrow connection-addressing capability the router needs;
// satisfied by connsupervisor.Supervisor.
type Sender interface {
	Send(fd int64, payload []byte) bool
}

// RequestContext describes the per-frame identity fields (fd, account,
// profile, auth state). The router does not construct it: native handlers
// take only the fd and the parsed frame, and look the session up per call.
type RequestContext struct {
	Fd        int64
	AccountID string
	ProfileID string
	Authed    bool
}

// Router is the Frame Router.
type Router struct {
	logger   zerolog.Logger
	sender   Sender
	auth     *authsession.Service
	subs     *subscription.Registry
	store    *store.Store
	bus      *taskbus.Bus
	registry *handlers.Registry
	guard    *ratelimit.Guard
}

// New builds a Frame Router.
func New(sender Sender, auth *authsession.Service, subs *subscription.Registry, st *store.Store, bus *taskbus.Bus, registry *handlers.Registry, guard *ratelimit.Guard, logger zerolog.Logger) *Router {
	return &Router{
		logger:   logger,
		sender:   sender,
		auth:     auth,
		subs:     subs,
		store:    st,
		bus:      bus,
		registry: registry,
		guard:    guard,
	}
}

// HandleFrame implements connsupervisor.FrameHandler: parses raw JSON,
// classifies it per §4.6, and dispatches to the native handler or the
// virtual-HTTP path. Any returned error is converted into a single error
// envelope sent back to fd — the router is the sole place a handler error
// becomes wire bytes (§7).
func (r *Router) HandleFrame(fd int64, raw []byte) error {
	var frame wire.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.reply(fd, wire.ErrorEnvelope("malformed json frame", 400))
		return chserr.ErrProtocolViolation
	}

	if frame.IsVirtualHTTP() {
		return r.handleVirtualHTTP(fd, &frame)
	}
	return r.handleNative(fd, &frame)
}

func (r *Router) handleNative(fd int64, frame *wire.InboundFrame) error {
	if !wire.NativeFrameTypes[frame.Type] {
		r.reply(fd, wire.ErrorEnvelope("unknown frame type", 400))
		return chserr.ErrProtocolViolation
	}

	switch frame.Type {
	case "auth":
		return r.handleAuth(fd, frame)
	case "subscribe":
		return r.handleSubscribe(fd, frame)
	case "unsubscribe":
		return r.handleUnsubscribe(fd, frame)
	case "publish":
		return r.handlePublish(fd, frame)
	case "ack":
		return r.handleAck(fd, frame)
	case "ping":
		r.reply(fd, wire.Native("pong", nil))
		return nil
	case "pending":
		return r.handlePending(fd)
	case "fingerprint":
		r.reply(fd, wire.Native("fingerprint_ack", map[string]any{"fd": fd}))
		return nil
	}
	return nil
}

func (r *Router) handleAuth(fd int64, frame *wire.InboundFrame) error {
	identity, err := r.auth.Authenticate(fd, frame.Token)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		var ce *chserr.Error
		status := 401
		if chserr.As(err, &ce) {
			status = ce.Kind.StatusMarker()
		}
		r.reply(fd, wire.ErrorEnvelope(err.Error(), status))
		return err
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	r.reply(fd, wire.Native("auth_ok", map[string]any{
		"account_id": identity.AccountID,
		"profile_id": identity.ProfileID,
	}))

	channels, total, err := r.store.BuildDigest(identity.ProfileID)
	if err != nil {
		r.logger.Warn().Err(err).Str("profile_id", identity.ProfileID).Msg("digest build failed")
		return nil
	}
	if total > 0 {
		digestChannels := make([]wire.DigestChannel, 0, len(channels))
		for _, c := range channels {
			digestChannels = append(digestChannels, wire.DigestChannel{Channel: c.Channel, Count: c.Count, Preview: c.Preview})
		}
		r.reply(fd, wire.Digest(total, digestChannels))
	}
	return nil
}

func (r *Router) handleSubscribe(fd int64, frame *wire.InboundFrame) error {
	if err := r.subs.Subscribe(fd, frame.Channel); err != nil {
		r.replyErr(fd, err)
		return err
	}
	r.reply(fd, wire.Native("subscribed", map[string]any{"channel": frame.Channel}))
	return nil
}

func (r *Router) handleUnsubscribe(fd int64, frame *wire.InboundFrame) error {
	if err := r.subs.Unsubscribe(fd, frame.Channel); err != nil {
		r.replyErr(fd, err)
		return err
	}
	r.reply(fd, wire.Native("unsubscribed", map[string]any{"channel": frame.Channel}))
	return nil
}

func (r *Router) handlePublish(fd int64, frame *wire.InboundFrame) error {
	session, ok := r.auth.SessionFor(fd)
	if !ok {
		r.reply(fd, wire.ErrorEnvelope("no active session", 401))
		return chserr.ErrUnauthenticated
	}
	if !r.guard.AllowBroadcast() {
		r.reply(fd, wire.ErrorEnvelope("broadcast rate limit exceeded", 429))
		return chserr.New(chserr.KindCapacityExhausted, "broadcast rate limit")
	}

	messageID := newMessageID()
	msg := store.Message{
		MessageID:       messageID,
		Channel:         frame.Channel,
		Body:            string(frame.Message),
		SenderProfileID: session.ProfileID,
		SenderAccountID: session.AccountID,
		MessageType:     "native",
		Priority:        0,
		CreatedAt:       time.Now().UnixMilli(),
	}

	recipients, err := r.subs.Recipients(frame.Channel, session.ProfileID)
	if err != nil {
		r.reply(fd, wire.ErrorEnvelope("persist failed", 500))
		return chserr.Wrap(chserr.KindPersistence, "resolve recipients", err)
	}
	if err := r.store.Persist(msg, recipients); err != nil {
		r.reply(fd, wire.ErrorEnvelope("persist failed", 500))
		return chserr.Wrap(chserr.KindPersistence, "persist message", err)
	}

	payload, _ := wire.Marshal(wire.Native("message", map[string]any{
		"message_id": messageID,
		"channel":    frame.Channel,
		"message":    json.RawMessage(frame.Message),
		"sender":     session.ProfileID,
	}))

	result := r.subs.Fanout(frame.Channel, payload, fd, recipients)
	for _, profileID := range result.OfflineRecipients {
		if err := r.store.UpsertDigest(profileID, frame.Channel, truncatePreview(string(frame.Message)), msg.Priority); err != nil {
			r.logger.Warn().Err(err).Msg("digest upsert failed")
		}
	}

	r.reply(fd, wire.Native("publish", map[string]any{
		"success":    true,
		"sent_to":    result.Delivered,
		"message_id": messageID,
	}))
	return nil
}

func (r *Router) handleAck(fd int64, frame *wire.InboundFrame) error {
	session, ok := r.auth.SessionFor(fd)
	if !ok {
		r.reply(fd, wire.ErrorEnvelope("no active session", 401))
		return chserr.ErrUnauthenticated
	}
	if err := r.store.RecordAck(frame.MessageID, session.ProfileID, frame.AckKind); err != nil {
		r.reply(fd, wire.ErrorEnvelope("ack failed", 500))
		return chserr.Wrap(chserr.KindPersistence, "record ack", err)
	}
	r.reply(fd, wire.Native("acked", map[string]any{"message_id": frame.MessageID}))
	return nil
}

func (r *Router) handlePending(fd int64) error {
	session, ok := r.auth.SessionFor(fd)
	if !ok {
		r.reply(fd, wire.ErrorEnvelope("no active session", 401))
		return chserr.ErrUnauthenticated
	}

	channels := r.subs.ChannelsOf(fd)
	total := 0
	for _, channel := range channels {
		deliveries, err := r.store.GetPending(session.ProfileID, channel)
		if err != nil {
			continue
		}
		for _, d := range deliveries {
			r.reply(fd, wire.Native("replay", map[string]any{
				"message_id": d.MessageID,
				"channel":    channel,
			}))
			r.store.MarkDelivered(d.MessageID, session.ProfileID)
			total++
		}
		r.store.ClearDigest(session.ProfileID, channel)
	}
	r.reply(fd, wire.Native("pending_done", map[string]any{"replayed": total}))
	return nil
}

// handleVirtualHTTP dispatches a type:api/endpoint frame to the Handler
// Registry, then submits it to the Task Dispatch Bus for asynchronous
// execution, immediately acknowledging with endpoint_queued per §4.6/§4.7.
func (r *Router) handleVirtualHTTP(fd int64, frame *wire.InboundFrame) error {
	session, _ := r.auth.SessionFor(fd)

	route, scope, ok := r.registry.Lookup(frame.Method, frame.Route)
	if !ok {
		r.reply(fd, wire.APIError(frame.CorrelationID, 404, "no matching route"))
		return chserr.New(chserr.KindNotFound, "no matching route")
	}
	if err := r.registry.CheckScope(scope, session); err != nil {
		status := 401
		if session != nil {
			status = 403
		}
		r.reply(fd, wire.APIError(frame.CorrelationID, status, err.Error()))
		return err
	}

	identity := taskbus.InjectedIdentity{ClientFd: fd}
	if session != nil {
		identity.AccountID = session.AccountID
		identity.ProfileID = session.ProfileID
	}

	taskID, err := r.bus.Dispatch(fd, frame.Method, route, frame.Body, identity, frame.CorrelationID)
	if err != nil {
		r.reply(fd, wire.APIError(frame.CorrelationID, 503, "task queue full"))
		return err
	}

	r.reply(fd, wire.EndpointQueued(frame.CorrelationID, taskID))
	return nil
}

var messageSeq int64

// newMessageID generates a process-unique message identifier: a monotonic
// counter scoped to process start, prefixed with the current time in
// nanoseconds so ids stay unique across restarts without a central sequence
// table.
func newMessageID() string {
	n := atomic.AddInt64(&messageSeq, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}

func (r *Router) reply(fd int64, env wire.Envelope) {
	payload, err := wire.Marshal(env)
	if err != nil {
		return
	}
	r.sender.Send(fd, payload)
}

func (r *Router) replyErr(fd int64, err error) {
	status := 400
	var ce *chserr.Error
	if chserr.As(err, &ce) {
		status = ce.Kind.StatusMarker()
	}
	r.reply(fd, wire.ErrorEnvelope(err.Error(), status))
}

func truncatePreview(s string) string {
	const maxLen = 140
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
