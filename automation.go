package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const browserWatchInterval = 2 * time.Second

type launchFunc func(*Config, *zap.Logger) (Browser, error)

var engines = map[string]launchFunc{
	EngineRod:      launchRod,
	EngineChromedp: launchChromedp,
}

// Session owns the one browser of the process. Every step receives it
// explicitly; Close tears it down exactly once.
type Session struct {
	config  *Config
	logger  *zap.Logger
	browser Browser
	rand    *rand.Rand

	watchInterval time.Duration
	stopChan      chan struct{}
	watchDone     chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

// OpenSession launches the configured browser engine. The returned context
// is cancelled with ErrBrowserClosed as its cause when the browser goes away,
// which interrupts whatever step is waiting on it.
func OpenSession(ctx context.Context, cfg *Config, logger *zap.Logger) (*Session, context.Context, error) {
	launch, ok := engines[cfg.BrowserEngine]
	if !ok {
		return nil, nil, fmt.Errorf("unknown browser engine %q", cfg.BrowserEngine)
	}

	logger.Info(T("browser_launching"), zap.String("engine", cfg.BrowserEngine), zap.Bool("headless", cfg.Headless))
	browser, err := launch(cfg, logger.Named("session"))
	if err != nil {
		return nil, nil, err
	}

	s := newSession(cfg, logger, browser, browserWatchInterval)
	sessionCtx := s.watch(ctx)
	logger.Info(T("browser_launched"))
	return s, sessionCtx, nil
}

func newSession(cfg *Config, logger *zap.Logger, browser Browser, watchInterval time.Duration) *Session {
	return &Session{
		config:        cfg,
		logger:        logger.Named("session"),
		browser:       browser,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
		watchInterval: watchInterval,
		stopChan:      make(chan struct{}),
	}
}

// Page is the page every step operates on.
func (s *Session) Page() Page {
	return s.browser
}

// watch starts the liveness watcher and returns a context tied to it.
func (s *Session) watch(parent context.Context) context.Context {
	ctx, cancel := context.WithCancelCause(parent)
	done := make(chan struct{})
	s.watchDone = done

	go func() {
		defer close(done)
		defer cancel(nil)

		ticker := time.NewTicker(s.watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.browser.Alive() {
					s.logger.Warn(T("browser_closed_by_user"))
					cancel(ErrBrowserClosed)
					return
				}
			}
		}
	}()

	return ctx
}

// Pace sleeps a random human-like delay between min_delay_between and
// max_delay_between seconds.
func (s *Session) Pace(ctx context.Context) error {
	lo := s.config.MinDelayBetween
	hi := s.config.MaxDelayBetween
	duration := lo + s.rand.Float64()*(hi-lo)

	s.logger.Debug(T("waiting_seconds", duration))
	return sleepCtx(ctx, time.Duration(duration*float64(time.Second)))
}

// Hold keeps the browser open for keep_browser_open_seconds, or until ctx ends.
func (s *Session) Hold(ctx context.Context) {
	if !s.config.KeepBrowserOpen {
		return
	}
	d := time.Duration(s.config.KeepBrowserOpenSeconds) * time.Second
	s.logger.Info(T("keeping_browser_open", d))
	_ = sleepCtx(ctx, d)
}

// Close stops the watcher and releases the browser. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		if s.watchDone != nil {
			select {
			case <-s.watchDone:
			case <-time.After(s.watchInterval + time.Second):
				s.logger.Debug("browser watcher did not stop in time")
			}
		}

		s.logger.Info(T("cleaning_up"))
		s.closeErr = s.browser.Close()
		if s.closeErr != nil {
			s.logger.Warn(T("browser_close_failed"), zap.Error(s.closeErr))
			return
		}
		s.logger.Info(T("browser_destroyed"))
	})
	return s.closeErr
}
