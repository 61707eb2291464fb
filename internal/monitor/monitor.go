// Package monitor watches a set of rooms and records each one whenever
// it goes live. It owns the polling schedule, the concurrent-recording
// bound and the per-room cooldown; the actual recording is delegated to
// recorder instances built through an injected factory.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/notify"
	"github.com/faithererer/DouyinLiveRecorder/internal/recorder"
	"github.com/faithererer/DouyinLiveRecorder/internal/room"
)

const (
	defaultPollInterval  = 60 * time.Second
	defaultCooldown      = 60 * time.Second
	defaultMaxConcurrent = 4
)

// Config tunes the watch loop. Zero values pick the defaults above.
type Config struct {
	// Rooms is the list of web room IDs to watch.
	Rooms []string
	// PollInterval is how often each idle room's liveness is checked.
	PollInterval time.Duration
	// Cooldown holds a room out of polling after its recording ends,
	// so a room that flaps does not burn the reconnect budget forever.
	Cooldown time.Duration
	// MaxConcurrent bounds simultaneous recordings. Rooms that go live
	// beyond the bound stay in polling until a slot frees up.
	MaxConcurrent int
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
}

// Runner is the slice of a recorder the monitor supervises.
// *recorder.Recorder satisfies it.
type Runner interface {
	Start(ctx context.Context) error
	Wait() error
	Stop()
	Snapshot() recorder.Snapshot
}

// Factory builds a Runner for a room that was observed live.
type Factory func(webRID string) Runner

// Monitor drives the poll-and-record loop over the configured rooms.
type Monitor struct {
	cfg      Config
	resolver room.Resolver
	factory  Factory
	notifier notify.Notifier
	logger   *zap.Logger

	sem chan struct{}

	mu            sync.Mutex
	active        map[string]Runner
	cooldownUntil map[string]time.Time

	wg sync.WaitGroup
}

// New wires a monitor. Nothing happens until Run.
func New(cfg Config, resolver room.Resolver, factory Factory, notifier notify.Notifier, logger *zap.Logger) *Monitor {
	cfg.withDefaults()
	if notifier == nil {
		notifier = &notify.NoopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:           cfg,
		resolver:      resolver,
		factory:       factory,
		notifier:      notifier,
		logger:        logger,
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		active:        make(map[string]Runner),
		cooldownUntil: make(map[string]time.Time),
	}
}

// Run polls until ctx is cancelled, then stops every active recording
// and waits for all of them to finalize their files.
func (m *Monitor) Run(ctx context.Context) error {
	if len(m.cfg.Rooms) == 0 {
		return errors.New("no rooms to watch")
	}

	m.logger.Info("monitor started",
		zap.Int("rooms", len(m.cfg.Rooms)),
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Int("max_concurrent", m.cfg.MaxConcurrent))

	m.pollAll(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor shutting down")
			m.stopAll()
			m.wg.Wait()
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			m.pollAll(ctx)
		}
	}
}

// Snapshots reports the active recordings for the status surfaces,
// ordered by room ID.
func (m *Monitor) Snapshots() []recorder.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := make([]recorder.Snapshot, 0, len(m.active))
	for _, r := range m.active {
		snaps = append(snaps, r.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].WebRID < snaps[j].WebRID })
	return snaps
}

// Active reports how many recordings are currently running.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// pollAll checks every idle, out-of-cooldown room once and launches a
// recording for each one found live, as long as a slot is free.
func (m *Monitor) pollAll(ctx context.Context) {
	now := time.Now()
	for _, webRID := range m.cfg.Rooms {
		if ctx.Err() != nil {
			return
		}
		if m.skipPoll(webRID, now) {
			continue
		}

		status, err := m.resolver.Resolve(ctx, webRID)
		if err != nil {
			m.logger.Warn("room poll failed",
				zap.String("web_rid", webRID), zap.Error(err))
			continue
		}
		if !status.Live {
			m.logger.Debug("room not live", zap.String("web_rid", webRID))
			continue
		}

		select {
		case m.sem <- struct{}{}:
		default:
			m.logger.Warn("concurrent recording limit reached, room stays in polling",
				zap.String("web_rid", webRID),
				zap.Int("max_concurrent", m.cfg.MaxConcurrent))
			continue
		}

		r := m.factory(webRID)
		m.mu.Lock()
		m.active[webRID] = r
		m.mu.Unlock()

		m.logger.Info("room is live, launching recorder",
			zap.String("web_rid", webRID),
			zap.String("anchor", status.AnchorName))

		m.wg.Add(1)
		go m.record(ctx, webRID, r)
	}
}

func (m *Monitor) skipPoll(webRID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, recording := m.active[webRID]; recording {
		return true
	}
	return now.Before(m.cooldownUntil[webRID])
}

// record runs one recording to completion, fires the notifications and
// puts the room into cooldown afterwards.
func (m *Monitor) record(ctx context.Context, webRID string, r Runner) {
	defer m.wg.Done()
	defer func() { <-m.sem }()
	defer m.finish(webRID)

	start := time.Now()
	if err := r.Start(ctx); err != nil {
		if errors.Is(err, recorder.ErrRoomNotLive) {
			// Went offline between the poll and the start; routine.
			m.logger.Debug("room went offline before recording started",
				zap.String("web_rid", webRID))
			return
		}
		m.logger.Error("recorder failed to start",
			zap.String("web_rid", webRID), zap.Error(err))
		m.notifyFailed(r.Snapshot(), time.Since(start), err)
		return
	}

	m.notifyStarted(r.Snapshot())

	err := r.Wait()
	duration := time.Since(start)
	snap := r.Snapshot()
	if err != nil {
		m.logger.Error("recording ended with failure",
			zap.String("web_rid", webRID),
			zap.Duration("duration", duration),
			zap.Error(err))
		m.notifyFailed(snap, duration, err)
		return
	}

	m.logger.Info("recording finished",
		zap.String("web_rid", webRID),
		zap.Duration("duration", duration),
		zap.Int("comments", snap.Comments))
	m.notifyFinished(snap, duration)
}

func (m *Monitor) finish(webRID string) {
	m.mu.Lock()
	delete(m.active, webRID)
	m.cooldownUntil[webRID] = time.Now().Add(m.cfg.Cooldown)
	m.mu.Unlock()
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	runners := make([]Runner, 0, len(m.active))
	for _, r := range m.active {
		runners = append(runners, r)
	}
	m.mu.Unlock()
	for _, r := range runners {
		r.Stop()
	}
}

// Notification sends get their own short deadline so a slow ntfy server
// cannot hold up the record loop.
func (m *Monitor) notifyStarted(snap recorder.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.notifier.RecordingStarted(ctx, snap); err != nil {
		m.logger.Warn("start notification failed", zap.Error(err))
	}
}

func (m *Monitor) notifyFinished(snap recorder.Snapshot, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.notifier.RecordingFinished(ctx, snap, duration); err != nil {
		m.logger.Warn("finish notification failed", zap.Error(err))
	}
}

func (m *Monitor) notifyFailed(snap recorder.Snapshot, duration time.Duration, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.notifier.RecordingFailed(ctx, snap, duration, cause); err != nil {
		m.logger.Warn("failure notification failed", zap.Error(err))
	}
}
