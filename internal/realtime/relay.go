package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"siderec/internal/observability/metrics"
	"siderec/internal/presence"
	"siderec/internal/session"
)

var (
	// ErrNotJoined is returned when a connection signals before joining.
	ErrNotJoined = errors.New("join a meeting first")
	// ErrTargetUnavailable is returned when the relay target is unknown, in
	// another meeting, or attached to another instance.
	ErrTargetUnavailable = errors.New("target connection unavailable")
	// ErrNotHost is returned when a non-host connection sends an offer.
	ErrNotHost = errors.New("only the host may send offers")
)

// Relay forwards peer signaling and room broadcasts between connections of
// the same meeting.
type Relay struct {
	hub         *Hub
	sessions    session.Registry
	coordinator *presence.Coordinator
	policy      *bluemonday.Policy
	logger      *slog.Logger
}

func NewRelay(hub *Hub, sessions session.Registry, coordinator *presence.Coordinator, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		hub:         hub,
		sessions:    sessions,
		coordinator: coordinator,
		policy:      bluemonday.StrictPolicy(),
		logger:      logger,
	}
}

func (r *Relay) sender(ctx context.Context, connID string) (session.Session, error) {
	sess, ok, err := r.sessions.Lookup(ctx, connID)
	if err != nil {
		return session.Session{}, fmt.Errorf("lookup session: %w", err)
	}
	if !ok {
		return session.Session{}, ErrNotJoined
	}
	return sess, nil
}

// Signal forwards an offer, answer or ICE candidate to p.To, tagged with the
// sender's connection id.
func (r *Relay) Signal(ctx context.Context, fromConnID, kind string, p signalPayload) error {
	from, err := r.sender(ctx, fromConnID)
	if err != nil {
		return err
	}
	if kind == KindOffer {
		hostConn, ok, err := r.coordinator.HostConnection(ctx, from.MeetingID)
		if err != nil {
			return fmt.Errorf("lookup host: %w", err)
		}
		if !ok || hostConn != fromConnID {
			return ErrNotHost
		}
	}
	target, ok, err := r.sessions.Lookup(ctx, p.To)
	if err != nil {
		return fmt.Errorf("lookup target: %w", err)
	}
	if !ok || target.MeetingID != from.MeetingID {
		return fmt.Errorf("%w: %s", ErrTargetUnavailable, p.To)
	}
	forward := forwardedSignal{From: fromConnID}
	switch kind {
	case KindOffer:
		forward.Offer = p.Offer
	case KindAnswer:
		forward.Answer = p.Answer
	default:
		forward.Candidate = p.Candidate
	}
	if !r.hub.Send(p.To, kind, forward) {
		return fmt.Errorf("%w: %s", ErrTargetUnavailable, p.To)
	}
	return nil
}

// ClientReady forwards the first readiness signal of a session to the host
// connection. It reports whether the signal was forwarded; repeats and
// signals from the host itself are ignored.
func (r *Relay) ClientReady(ctx context.Context, fromConnID string) (bool, error) {
	from, err := r.sender(ctx, fromConnID)
	if err != nil {
		return false, err
	}
	hostConn, ok, err := r.coordinator.HostConnection(ctx, from.MeetingID)
	if err != nil {
		return false, fmt.Errorf("lookup host: %w", err)
	}
	if !ok || hostConn == fromConnID {
		// Keep the latch open until there is a host to notify.
		return false, nil
	}
	won, err := r.sessions.MarkReady(ctx, fromConnID)
	if err != nil {
		return false, fmt.Errorf("mark ready: %w", err)
	}
	if !won {
		return false, nil
	}
	if !r.hub.Send(hostConn, KindClientReady, readyPayload{MeetingID: from.MeetingID, FromConnID: fromConnID}) {
		return false, fmt.Errorf("%w: host %s", ErrTargetUnavailable, hostConn)
	}
	return true, nil
}

// Chat sanitises a chat message and broadcasts it to the rest of the room.
func (r *Relay) Chat(ctx context.Context, fromConnID string, p chatPayload) (chatPayload, error) {
	from, err := r.sender(ctx, fromConnID)
	if err != nil {
		return chatPayload{}, err
	}
	msg := p.Message
	msg.UserID = from.UserID
	msg.Message = strings.TrimSpace(r.policy.Sanitize(msg.Message))
	msg.UserName = strings.TrimSpace(r.policy.Sanitize(msg.UserName))
	if msg.UserName == "" {
		msg.UserName = from.Info.Name
	}
	if msg.Message == "" {
		return chatPayload{}, fmt.Errorf("%w: message cannot be empty", errInvalidEnvelope)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	out := chatPayload{Message: msg}
	r.hub.BroadcastExcept(from.MeetingID, fromConnID, KindChatMessage, out)
	return out, nil
}

// Announce rebroadcasts a participant state change (hand raised, muted,
// video toggled) to the rest of the room.
func (r *Relay) Announce(ctx context.Context, fromConnID, kind string, payload any) error {
	from, err := r.sender(ctx, fromConnID)
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case handRaisedPayload:
		p.UserID = defaultString(p.UserID, from.UserID)
		payload = p
	case mutedPayload:
		p.UserID = defaultString(p.UserID, from.UserID)
		payload = p
	case videoToggledPayload:
		p.UserID = defaultString(p.UserID, from.UserID)
		payload = p
	}
	r.hub.BroadcastExcept(from.MeetingID, fromConnID, kind, payload)
	return nil
}

// logDrop records a relay failure. ICE candidate losses are expected while
// peers churn and only logged at debug.
func (r *Relay) logDrop(kind, connID string, err error) {
	metrics.ObserveSignal(kind, "dropped")
	if kind == KindICECandidate {
		r.logger.Debug("ice candidate dropped", "conn_id", connID, "error", err)
		return
	}
	r.logger.Warn("signal dropped", "kind", kind, "conn_id", connID, "error", err)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
