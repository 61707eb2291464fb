// Package recorder orchestrates one recording: resolve the room, build
// a push URL, run connection sessions with a bounded reconnect budget,
// rotate subtitle segments on a timer, and shut everything down exactly
// once on stop or failure.
package recorder

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/room"
	"github.com/faithererer/DouyinLiveRecorder/internal/session"
	"github.com/faithererer/DouyinLiveRecorder/internal/sign"
	"github.com/faithererer/DouyinLiveRecorder/internal/subtitle"
)

const (
	defaultRetryCount   = 3
	defaultRetryDelay   = 2 * time.Second
	defaultRotateCheck  = time.Second
	defaultSegmentEvery = 30 * time.Minute
)

// State of a recorder. Stopped is terminal; a recorder never leaves it.
type State int32

const (
	Idle State = iota
	Resolving
	Connected
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config tunes one recording. Zero values pick the defaults above.
type Config struct {
	// WebRID is the room id as it appears in the live page URL.
	WebRID string
	// OutputDir receives the subtitle files.
	OutputDir string
	// BaseName overrides the derived file stem, to keep subtitle files
	// correlated with a companion artifact. Empty derives from the
	// start instant.
	BaseName string
	// DeferBaseName starts the writer unnamed; comments buffer in
	// memory until SetBaseName supplies the companion stem.
	DeferBaseName bool
	// Segmented enables time-based segment rotation.
	Segmented    bool
	SegmentEvery time.Duration
	RotateCheck  time.Duration

	RetryCount int
	RetryDelay time.Duration

	// Session tuning, passed through.
	HeartbeatEvery int
	IdleWarnAfter  time.Duration

	// Observer, when set, sees every comment after it is accepted by
	// the writer. It must not block; the status feed's broadcast is
	// drop-on-slow for that reason.
	Observer func(user, content string, at time.Time)
}

func (c *Config) withDefaults() {
	if c.SegmentEvery <= 0 {
		c.SegmentEvery = defaultSegmentEvery
	}
	if c.RotateCheck <= 0 {
		c.RotateCheck = defaultRotateCheck
	}
	if c.RetryCount <= 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
}

// Snapshot is a point-in-time view for status surfaces.
type Snapshot struct {
	WebRID      string    `json:"web_rid"`
	RealRoomID  string    `json:"real_room_id"`
	Title       string    `json:"title,omitempty"`
	AnchorName  string    `json:"anchor_name,omitempty"`
	State       string    `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	Comments    int       `json:"comments"`
	SegmentPath string    `json:"segment_path,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Recorder supervises sessions and the subtitle writer for one room.
type Recorder struct {
	cfg      Config
	resolver room.Resolver
	signer   sign.Provider
	dialer   session.Dialer
	log      *zap.Logger

	state   atomic.Int32
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}

	mu         sync.Mutex
	status     *room.Status
	writer     *subtitle.Writer
	sess       *session.Session
	segmentSeq int
	startedAt  time.Time
	finalErr   error
}

// New wires a recorder from its collaborators. Nothing happens until
// Start.
func New(cfg Config, resolver room.Resolver, signer sign.Provider, dialer session.Dialer, log *zap.Logger) *Recorder {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		cfg:      cfg,
		resolver: resolver,
		signer:   signer,
		dialer:   dialer,
		log:      log.With(zap.String("web_rid", cfg.WebRID)),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.state.Store(int32(Idle))
	return r
}

// State reports the current lifecycle state.
func (r *Recorder) State() State { return State(r.state.Load()) }

// Start resolves the room and, when it is live, launches the recording
// supervision in the background. When the room cannot be resolved, is
// not live, or the output directory is unusable, Start fails
// synchronously: no socket is opened and no file created.
func (r *Recorder) Start(ctx context.Context) error {
	r.state.Store(int32(Resolving))
	r.log.Info("resolving room")

	status, err := r.resolver.Resolve(ctx, r.cfg.WebRID)
	if err != nil {
		r.terminalBeforeSupervise(err)
		return err
	}
	if !status.Live {
		r.terminalBeforeSupervise(ErrRoomNotLive)
		return ErrRoomNotLive
	}
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		err = fmt.Errorf("%w: %v", ErrOutput, err)
		r.terminalBeforeSupervise(err)
		return err
	}

	start := time.Now()
	writer := subtitle.NewWriter(r.cfg.OutputDir, r.cfg.Segmented, start, r.log)
	r.mu.Lock()
	r.status = status
	r.writer = writer
	r.startedAt = start
	r.mu.Unlock()

	if !r.cfg.DeferBaseName {
		if err := writer.SetBaseName(r.nextSegmentName(), start); err != nil {
			err = fmt.Errorf("%w: %v", ErrOutput, err)
			r.terminalBeforeSupervise(err)
			return err
		}
	}

	r.log.Info("room is live, starting recording",
		zap.String("real_room_id", status.RealRoomID),
		zap.String("anchor", status.AnchorName))

	go r.supervise(ctx)
	return nil
}

// SetBaseName supplies the companion file stem for a recorder started
// with DeferBaseName; buffered comments flush into the newly named
// segment.
func (r *Recorder) SetBaseName(stem string) error {
	r.mu.Lock()
	w := r.writer
	r.mu.Unlock()
	if w == nil {
		return fmt.Errorf("recorder not started")
	}
	return w.SetBaseName(stem, time.Now())
}

// Stop requests shutdown. The first call closes the active session's
// socket; repeated calls are no-ops. Stop always wins over any
// concurrent reconnect or rotation decision.
func (r *Recorder) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.log.Info("stop requested")
	close(r.stopCh)
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// Wait blocks until the recorder reaches Stopped and returns the
// terminal result: nil after a user stop, the fatal error otherwise.
func (r *Recorder) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalErr
}

// Snapshot captures the current state for status surfaces.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		WebRID: r.cfg.WebRID,
		State:  State(r.state.Load()).String(),
	}
	if r.status != nil {
		snap.RealRoomID = r.status.RealRoomID
		snap.Title = r.status.Title
		snap.AnchorName = r.status.AnchorName
	}
	if r.sess != nil {
		snap.SessionID = r.sess.ID()
	}
	if r.writer != nil {
		snap.SegmentPath = r.writer.CurrentPath()
		snap.Comments = r.writer.Written()
	}
	snap.StartedAt = r.startedAt
	return snap
}

// Written reports comments persisted so far.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return 0
	}
	return r.writer.Written()
}

func (r *Recorder) stopRequested() bool { return r.stopped.Load() }

// supervise runs the bounded reconnect loop. Every connection attempt
// after the first draws from the same budget, matching the one-way
// retry counter of the close handler: a recorder that has seen its
// connections die RetryCount+1 times gives up for good.
func (r *Recorder) supervise(ctx context.Context) {
	attempts := 0
	for {
		if r.stopRequested() || ctx.Err() != nil {
			r.terminal(nil)
			return
		}

		info, connectErr := r.runSession(ctx)
		if connectErr == nil {
			if info.UserInitiated || r.stopRequested() || ctx.Err() != nil {
				r.terminal(nil)
				return
			}
			if info.Err != nil && r.outputDead(info.Err) {
				r.terminal(fmt.Errorf("%w: %v", ErrOutput, info.Err))
				return
			}
		}

		attempts++
		lastErr := connectErr
		if lastErr == nil {
			lastErr = info.Err
		}
		if attempts > r.cfg.RetryCount {
			r.terminal(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, r.cfg.RetryCount, lastErr))
			return
		}

		r.state.Store(int32(Reconnecting))
		r.log.Warn("connection lost, reconnecting",
			zap.Int("attempt", attempts),
			zap.Int("max", r.cfg.RetryCount),
			zap.Error(lastErr))

		select {
		case <-r.stopCh:
			r.terminal(nil)
			return
		case <-ctx.Done():
			r.terminal(nil)
			return
		case <-time.After(r.cfg.RetryDelay):
		}
	}
}

// runSession performs one connect and streams until the session closes.
// A connect failure returns (zero, err); an established session always
// returns its CloseInfo with a nil error.
func (r *Recorder) runSession(ctx context.Context) (session.CloseInfo, error) {
	wsURL := r.pushURL(ctx)

	socket, err := r.dialer.Dial(ctx, wsURL)
	if err != nil {
		return session.CloseInfo{}, err
	}

	r.mu.Lock()
	status := r.status
	writer := r.writer
	r.mu.Unlock()

	closeCh := make(chan session.CloseInfo, 1)
	sess := session.New(socket, session.Options{
		RoomID:         status.RealRoomID,
		Sink:           teeSink{writer: writer, observer: r.cfg.Observer},
		Logger:         r.log,
		HeartbeatEvery: r.cfg.HeartbeatEvery,
		IdleWarnAfter:  r.cfg.IdleWarnAfter,
		OnClose: func(info session.CloseInfo) {
			// The segment outlives a dropped connection; it is
			// finalized here, and only here, once no more sessions
			// will feed it.
			if r.stopRequested() {
				if err := writer.Close(); err != nil {
					r.log.Error("closing segment", zap.Error(err))
				}
			}
			closeCh <- info
		},
	})

	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()

	sess.Start()
	r.state.Store(int32(Connected))

	// The user may have stopped between dial and registration; the
	// session would never see the socket close otherwise.
	if r.stopRequested() {
		sess.Stop()
	}

	info := r.streamUntilClosed(ctx, sess, closeCh)

	r.mu.Lock()
	r.sess = nil
	r.mu.Unlock()
	return info, nil
}

// streamUntilClosed waits for the session to end while driving the
// rotation check timer and watching the stop flag.
func (r *Recorder) streamUntilClosed(ctx context.Context, sess *session.Session, closeCh <-chan session.CloseInfo) session.CloseInfo {
	rotate := time.NewTicker(r.cfg.RotateCheck)
	defer rotate.Stop()

	// Once a stop signal fires its channel stays ready; nil it out so
	// the select does not spin while the session drains.
	stopCh := r.stopCh
	ctxDone := ctx.Done()
	for {
		select {
		case info := <-closeCh:
			return info
		case <-ctxDone:
			r.stopped.Store(true)
			sess.Stop()
			ctxDone = nil
		case <-stopCh:
			sess.Stop()
			stopCh = nil
		case <-rotate.C:
			r.maybeRotate()
		}
	}
}

// maybeRotate rotates the active segment once it is older than the
// configured duration.
func (r *Recorder) maybeRotate() {
	if !r.cfg.Segmented || r.stopRequested() {
		return
	}
	r.mu.Lock()
	writer := r.writer
	r.mu.Unlock()

	now := time.Now()
	if writer.SegmentAge(now) < r.cfg.SegmentEvery {
		return
	}
	name := r.nextSegmentName()
	r.log.Info("rotating segment", zap.String("next", name))
	if err := writer.Rotate(name, now); err != nil {
		r.log.Error("segment rotation failed", zap.Error(err))
		if r.outputDead(err) {
			r.failFromRotation(err)
		}
	}
}

// failFromRotation forces the recorder down when the output path is
// gone for good. The session close path then finalizes as usual.
func (r *Recorder) failFromRotation(err error) {
	r.mu.Lock()
	r.finalErr = fmt.Errorf("%w: %v", ErrOutput, err)
	sess := r.sess
	r.mu.Unlock()
	r.stopped.Store(true)
	if sess != nil {
		sess.Stop()
	}
}

// outputDead re-probes the output directory once after an IO failure.
// A directory that can be recreated is worth another attempt; one that
// cannot is terminal.
func (r *Recorder) outputDead(cause error) bool {
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		r.log.Error("output directory unusable",
			zap.Error(err), zap.NamedError("cause", cause))
		return true
	}
	return false
}

// pushURL signs the websocket URL, falling back to the unsigned
// variant when the signature provider cannot deliver.
func (r *Recorder) pushURL(ctx context.Context) string {
	r.mu.Lock()
	realID := r.status.RealRoomID
	r.mu.Unlock()

	deviceID := sign.DeviceID()
	wsURL, err := r.signer.SignedURL(ctx, realID, deviceID)
	if err != nil {
		r.log.Warn("signing failed, using unsigned fallback url", zap.Error(err))
		return sign.FallbackURL(realID, deviceID, time.Now())
	}
	return wsURL
}

func (r *Recorder) nextSegmentName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	stem := r.cfg.BaseName
	if stem == "" {
		stem = fmt.Sprintf("%s_%s", r.cfg.WebRID, r.startedAt.Format("20060102_150405"))
	}
	if !r.cfg.Segmented {
		return stem
	}
	r.segmentSeq++
	return fmt.Sprintf("%s_part%03d", stem, r.segmentSeq)
}

// terminalBeforeSupervise records a synchronous Start failure.
func (r *Recorder) terminalBeforeSupervise(err error) {
	r.mu.Lock()
	r.finalErr = err
	r.mu.Unlock()
	r.state.Store(int32(Stopped))
	close(r.done)
}

// terminal transitions to Stopped exactly once per supervised run,
// closing the writer as a backstop; the writer itself guarantees the
// finalize happens only once.
func (r *Recorder) terminal(err error) {
	r.mu.Lock()
	if r.finalErr == nil {
		r.finalErr = err
	}
	writer := r.writer
	final := r.finalErr
	r.mu.Unlock()

	if writer != nil {
		if cerr := writer.Close(); cerr != nil {
			r.log.Error("closing segment", zap.Error(cerr))
		}
	}
	r.state.Store(int32(Stopped))
	r.log.Info("recorder stopped", zap.Error(final))
	close(r.done)
}

// teeSink hands each comment to the writer and then to the observer.
type teeSink struct {
	writer   *subtitle.Writer
	observer func(user, content string, at time.Time)
}

func (t teeSink) Append(user, content string, at time.Time) error {
	if err := t.writer.Append(user, content, at); err != nil {
		return err
	}
	if t.observer != nil {
		t.observer(user, content, at)
	}
	return nil
}
