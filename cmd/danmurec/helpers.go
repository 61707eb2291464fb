package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/recorder"
	"github.com/faithererer/DouyinLiveRecorder/internal/room"
	"github.com/faithererer/DouyinLiveRecorder/internal/session"
	"github.com/faithererer/DouyinLiveRecorder/internal/sign"
	"github.com/faithererer/DouyinLiveRecorder/internal/webapi"
)

func cookieProvider() room.CookieProvider {
	if cfg.Cookie == "" {
		return nil
	}
	return room.StaticCookie(cfg.Cookie)
}

func newResolver() *room.HTTPClient {
	return room.NewClient(
		cookieProvider(),
		time.Duration(cfg.Connection.TimeoutSec)*time.Second,
		time.Duration(cfg.Connection.RetryDelaySec)*time.Second,
		cfg.Connection.RetryCount,
		logger,
	)
}

func newDialer() *session.WebsocketDialer {
	return &session.WebsocketDialer{Cookies: cookieProvider()}
}

// recorderConfig maps the file config onto one room's recorder. feed may
// be nil when the status server is disabled.
func recorderConfig(webRID string, feed *webapi.Feed) recorder.Config {
	rc := recorder.Config{
		WebRID:       webRID,
		OutputDir:    cfg.Output.Directory,
		Segmented:    cfg.Segment.Enabled,
		SegmentEvery: time.Duration(cfg.Segment.DurationSec) * time.Second,
		RetryCount:   cfg.Connection.RetryCount,
		RetryDelay:   time.Duration(cfg.Connection.RetryDelaySec) * time.Second,

		HeartbeatEvery: cfg.Connection.HeartbeatEvery,
		IdleWarnAfter:  time.Duration(cfg.Connection.IdleWarnSec) * time.Second,
	}
	if feed != nil {
		rc.Observer = func(user, content string, at time.Time) {
			feed.Publish(webRID, user, content, at)
		}
	}
	return rc
}

// newRecorder builds a fully wired recorder. Signing runs disabled:
// without an external script engine every connection takes the fallback
// URL, which the push service accepts for audience sessions.
func newRecorder(rc recorder.Config) *recorder.Recorder {
	return recorder.New(rc, newResolver(), sign.Disabled{}, newDialer(), logger)
}

// serveStatus starts the status HTTP server when addr is non-empty and
// returns a func that shuts it down. ctx becomes the base context of
// every request so SSE streams end when the command is interrupted.
func serveStatus(ctx context.Context, addr string, source webapi.StatusSource, feed *webapi.Feed) func() {
	if addr == "" {
		return func() {}
	}

	router := webapi.NewRouter(webapi.NewServer(source, feed, logger), logger)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
		// No WriteTimeout: /api/events streams for the life of the client.
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("status server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", zap.Error(err))
		}
	}
}
