// Package session drives one established websocket connection to the
// push service: it reads frames, hands every chat comment to the sink,
// answers batches that request acknowledgement, and keeps the
// connection alive with periodic heartbeat frames. Reconnecting is the
// supervisor's business; one Session maps to exactly one connection.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/wire"
)

const (
	// Time allowed to write a control frame to the peer.
	writeWait = 10 * time.Second

	// Outbound control-frame buffer. Frames are tiny; a full buffer
	// means the socket is wedged and the frame is dropped.
	sendBufferSize = 64

	defaultTickPeriod     = time.Second
	defaultHeartbeatEvery = 10
	defaultIdleWarnAfter  = 60 * time.Second
	defaultIdleGraceTicks = 30
)

// ErrSink marks a session that died because the comment sink could not
// take a write. Supervisors treat it as an output failure, not a
// network one.
var ErrSink = errors.New("comment sink failed")

// State of a session. A session never leaves Closed.
type State int32

const (
	Connecting State = iota
	Streaming
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CommentSink receives each decoded chat comment in arrival order.
type CommentSink interface {
	Append(user, content string, at time.Time) error
}

// CloseInfo describes how a session ended.
type CloseInfo struct {
	SessionID     string
	UserInitiated bool
	// Err is non-nil when the connection failed rather than being
	// stopped on purpose. ErrSink wraps sink write failures.
	Err error
}

// Options tune a session. Zero values pick the defaults above.
type Options struct {
	RoomID         string
	Sink           CommentSink
	Logger         *zap.Logger
	OnClose        func(CloseInfo)
	TickPeriod     time.Duration
	HeartbeatEvery int
	IdleWarnAfter  time.Duration
	IdleGraceTicks int
}

type outFrame struct {
	kind string
	data []byte
}

// Session owns one live connection.
type Session struct {
	id     string
	socket Socket
	sink   CommentSink
	log    *zap.Logger
	opts   Options

	send     chan outFrame
	state    atomic.Int32
	stopped  atomic.Bool
	lastChat atomic.Int64 // unix nanos of the last decoded comment
	comments atomic.Int64

	closeSocket sync.Once
	finishOnce  sync.Once
	done        chan struct{}
}

// New wraps an already-dialed socket. Call Start to begin pumping.
func New(socket Socket, opts Options) *Session {
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = defaultTickPeriod
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = defaultHeartbeatEvery
	}
	if opts.IdleWarnAfter <= 0 {
		opts.IdleWarnAfter = defaultIdleWarnAfter
	}
	if opts.IdleGraceTicks <= 0 {
		opts.IdleGraceTicks = defaultIdleGraceTicks
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	id := uuid.New().String()
	s := &Session{
		id:     id,
		socket: socket,
		sink:   opts.Sink,
		log: opts.Logger.With(
			zap.String("session_id", id[:8]),
			zap.String("room_id", opts.RoomID)),
		opts: opts,
		send: make(chan outFrame, sendBufferSize),
		done: make(chan struct{}),
	}
	s.state.Store(int32(Connecting))
	return s
}

// ID returns the connection's correlation id.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Comments reports how many chat comments this session has decoded.
func (s *Session) Comments() int64 { return s.comments.Load() }

// Done is closed once the session has fully shut down and the close
// callback has run.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the read, write and ticker loops.
func (s *Session) Start() {
	s.state.Store(int32(Streaming))
	s.lastChat.Store(time.Now().UnixNano())
	s.log.Info("session streaming")
	go s.readPump()
	go s.writePump()
	go s.tickerLoop()
}

// Stop requests shutdown. Closing the socket is the one cancellation
// primitive: it unblocks the read pump, which then finishes the
// session. Stop is idempotent and safe from any goroutine.
func (s *Session) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.state.Store(int32(Closing))
	s.closeSocketOnce()
}

func (s *Session) closeSocketOnce() {
	s.closeSocket.Do(func() {
		_ = s.socket.Close()
	})
}

// readPump consumes inbound frames until the socket dies.
func (s *Session) readPump() {
	var cause error
	for {
		messageType, data, err := s.socket.ReadMessage()
		if err != nil {
			if !s.stopped.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read error", zap.Error(err))
			}
			cause = err
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := s.handleFrame(data); err != nil {
			cause = err
			break
		}
	}
	s.finish(cause)
}

// handleFrame decodes one binary message. Decode failures are logged
// and dropped; only sink failures propagate, killing the session.
func (s *Session) handleFrame(data []byte) error {
	frame, err := wire.DecodePushFrame(data)
	if err != nil {
		s.log.Warn("dropping undecodable frame", zap.Error(err))
		return nil
	}
	if frame.PayloadType != wire.PayloadTypeMessage {
		s.log.Debug("ignoring frame", zap.String("payload_type", frame.PayloadType))
		return nil
	}

	batch, err := wire.DecodeMessageBatch(frame.Payload)
	if err != nil {
		s.log.Warn("dropping undecodable batch",
			zap.Uint64("log_id", frame.LogID), zap.Error(err))
		return nil
	}

	for _, msg := range batch.Messages {
		if msg.Method != wire.MethodChatMessage {
			continue
		}
		chat, err := wire.DecodeChatMessage(msg.Payload)
		if err != nil {
			s.log.Debug("dropping undecodable chat payload",
				zap.Int64("msg_id", msg.MsgID), zap.Error(err))
			continue
		}
		now := time.Now()
		if err := s.sink.Append(chat.User.Nickname, chat.Content, now); err != nil {
			return fmt.Errorf("%w: %v", ErrSink, err)
		}
		s.comments.Add(1)
		s.lastChat.Store(now.UnixNano())
		s.log.Debug("comment",
			zap.String("user", chat.User.Nickname),
			zap.String("content", chat.Content))
	}

	if batch.NeedAck {
		s.enqueue(outFrame{kind: "ack", data: wire.EncodeAck(frame.LogID, batch.InternalExt)})
	}
	return nil
}

// writePump owns all socket writes so control frames from the ticker
// and the read pump never interleave.
func (s *Session) writePump() {
	for {
		select {
		case f := <-s.send:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteMessage(websocket.BinaryMessage, f.data); err != nil {
				// Send failures on control frames do not end the
				// session; the read pump notices a dead socket.
				s.log.Warn("control frame send failed",
					zap.String("frame", f.kind), zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) enqueue(f outFrame) {
	select {
	case s.send <- f:
	default:
		s.log.Warn("outbound buffer full, dropping control frame",
			zap.String("frame", f.kind))
	}
}

// tickerLoop fires once per tick period. Every HeartbeatEvery-th tick
// it sends a keepalive and, past the grace period, warns when no
// comment has been decoded for longer than IdleWarnAfter. A silent
// stream is not treated as dead: the room may simply have no chat.
func (s *Session) tickerLoop() {
	ticker := time.NewTicker(s.opts.TickPeriod)
	defer ticker.Stop()

	// Primed so the first keepalive leaves one tick after the
	// connection opens, then every HeartbeatEvery ticks.
	tick := s.opts.HeartbeatEvery - 1
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.stopped.Load() {
			return
		}
		tick++
		if tick%s.opts.HeartbeatEvery != 0 {
			continue
		}
		s.enqueue(outFrame{kind: "hb", data: wire.EncodeHeartbeat()})

		if tick > s.opts.IdleGraceTicks {
			idle := time.Since(time.Unix(0, s.lastChat.Load()))
			if idle > s.opts.IdleWarnAfter {
				s.log.Warn("no comments received for a while; stream may have ended",
					zap.Duration("idle", idle))
			}
		}
	}
}

// finish runs exactly once, transitions to Closed and reports the
// outcome. A session stopped through Stop reports UserInitiated with a
// nil error regardless of what the read pump saw.
func (s *Session) finish(cause error) {
	s.finishOnce.Do(func() {
		s.state.Store(int32(Closing))
		s.closeSocketOnce()
		user := s.stopped.Load()
		if user {
			cause = nil
		}
		s.state.Store(int32(Closed))
		close(s.done)
		s.log.Info("session closed",
			zap.Bool("user_initiated", user),
			zap.Int64("comments", s.comments.Load()),
			zap.Error(cause))
		if s.opts.OnClose != nil {
			s.opts.OnClose(CloseInfo{
				SessionID:     s.id,
				UserInitiated: user,
				Err:           cause,
			})
		}
	})
}
