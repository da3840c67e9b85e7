package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"siderec/internal/session"
)

type sessionExpirer interface {
	Expired(ctx context.Context, cutoff time.Time) ([]session.Session, error)
}

type disconnector interface {
	OnDisconnect(ctx context.Context, connID string) (bool, error)
}

// socketCloser drops the live socket of a reaped session, if this instance
// holds it.
type socketCloser interface {
	Disconnect(connID, reason string) bool
}

type reapTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) reapTicker

type reaperConfig struct {
	Sessions  sessionExpirer
	Presence  disconnector
	Sockets   socketCloser
	TTL       time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
	NewTicker tickerFactory
}

// startSessionReaper periodically disconnects sessions that stopped
// heartbeating, so a host whose process died still ends its meeting.
func startSessionReaper(ctx context.Context, cfg reaperConfig) func() {
	if cfg.Sessions == nil || cfg.Presence == nil || cfg.Interval <= 0 || cfg.TTL <= 0 {
		return func() {}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) reapTicker {
			return timeTicker{ticker: time.NewTicker(d)}
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := cfg.NewTicker(cfg.Interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				reapOnce(workerCtx, cfg)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func reapOnce(ctx context.Context, cfg reaperConfig) int {
	stale, err := cfg.Sessions.Expired(ctx, cfg.Now().Add(-cfg.TTL))
	if err != nil {
		cfg.Logger.Error("failed to list expired sessions", "error", err)
		return 0
	}
	reaped := 0
	for _, sess := range stale {
		removed, err := cfg.Presence.OnDisconnect(ctx, sess.ConnID)
		if err != nil {
			cfg.Logger.Error("failed to expire session", "conn_id", sess.ConnID, "meeting_id", sess.MeetingID, "error", err)
			continue
		}
		if !removed {
			continue
		}
		reaped++
		if cfg.Sockets != nil {
			cfg.Sockets.Disconnect(sess.ConnID, "session expired")
		}
		cfg.Logger.Info("expired stale session", "conn_id", sess.ConnID, "meeting_id", sess.MeetingID, "user_id", sess.UserID, "last_seen", sess.LastSeen)
	}
	return reaped
}
