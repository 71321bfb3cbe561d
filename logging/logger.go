package logging

import (
	"context"
	"log/slog"
	"time"
)

// SessionLogger writes one structured record per protocol event of a
// participant. A nil *SessionLogger discards everything.
type SessionLogger struct {
	participantID string
	logger        *slog.Logger
}

// NewSessionLogger creates a logger for the participant. A nil base uses
// slog.Default().
func NewSessionLogger(participantID string, base *slog.Logger) *SessionLogger {
	if base == nil {
		base = slog.Default()
	}
	return &SessionLogger{
		participantID: participantID,
		logger:        base.With("participant", participantID),
	}
}

func (l *SessionLogger) event(level slog.Level, event string, args ...any) {
	if l == nil {
		return
	}
	args = append(args, "event", event, "at", time.Now().UnixMilli())
	l.logger.Log(context.Background(), level, event, args...)
}

// Logger exposes the underlying slog logger.
func (l *SessionLogger) Logger() *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l.logger
}

// LogOwnershipAcquired records a won arbitration.
func (l *SessionLogger) LogOwnershipAcquired(objectID string, epoch uint64) {
	l.event(slog.LevelInfo, "OWNERSHIP_ACQUIRED", "object", objectID, "epoch", epoch)
}

// LogOwnershipRejected records a lost or skipped arbitration.
func (l *SessionLogger) LogOwnershipRejected(objectID, reason string) {
	l.event(slog.LevelInfo, "OWNERSHIP_REJECTED", "object", objectID, "reason", reason)
}

// LogOwnershipReleased records a forced release.
func (l *SessionLogger) LogOwnershipReleased(objectID string, epoch uint64) {
	l.event(slog.LevelInfo, "OWNERSHIP_RELEASED", "object", objectID, "epoch", epoch)
}

// LogOwnershipChanged records a remote ownership change mirrored locally.
func (l *SessionLogger) LogOwnershipChanged(objectID, owner string, epoch uint64) {
	l.event(slog.LevelDebug, "OWNERSHIP_CHANGED", "object", objectID, "owner", owner, "epoch", epoch)
}

func (l *SessionLogger) LogUpdateEmitted(objectID string, authoritative, predicted int) {
	l.event(slog.LevelDebug, "UPDATE_EMITTED", "object", objectID,
		"authoritative", authoritative, "predicted", predicted)
}

func (l *SessionLogger) LogUpdateApplied(senderID, objectID string, properties int) {
	l.event(slog.LevelDebug, "UPDATE_APPLIED", "sender", senderID, "object", objectID, "properties", properties)
}

func (l *SessionLogger) LogUpdateDropped(senderID, objectID, reason string) {
	l.event(slog.LevelDebug, "UPDATE_DROPPED", "sender", senderID, "object", objectID, "reason", reason)
}

func (l *SessionLogger) LogObjectCreated(objectID, template string) {
	l.event(slog.LevelInfo, "OBJECT_CREATED", "object", objectID, "template", template)
}

func (l *SessionLogger) LogObjectDestroyed(objectID string) {
	l.event(slog.LevelInfo, "OBJECT_DESTROYED", "object", objectID)
}

// LogGossipSent records one envelope push to a peer.
func (l *SessionLogger) LogGossipSent(peer string, envelopes int, success bool) {
	status := "SUCCESS"
	level := slog.LevelDebug
	if !success {
		status = "FAILED"
		level = slog.LevelWarn
	}
	l.event(level, "GOSSIP_SENT", "peer", peer, "envelopes", envelopes, "status", status)
}

func (l *SessionLogger) LogPeerJoin(peerID string) {
	l.event(slog.LevelInfo, "PEER_JOIN", "peer", peerID)
}

func (l *SessionLogger) LogPeerLeave(peerID string) {
	l.event(slog.LevelInfo, "PEER_LEAVE", "peer", peerID)
}

// LogStateSnapshot records the size of a snapshot sent to or merged from a peer.
func (l *SessionLogger) LogStateSnapshot(objects, roster int) {
	l.event(slog.LevelInfo, "STATE_SNAPSHOT", "objects", objects, "roster", roster)
}

func (l *SessionLogger) LogError(op string, err error) {
	l.event(slog.LevelError, "ERROR", "op", op, "error", err)
}
