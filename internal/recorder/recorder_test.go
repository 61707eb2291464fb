package recorder

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/room"
	"github.com/faithererer/DouyinLiveRecorder/internal/session"
	"github.com/faithererer/DouyinLiveRecorder/internal/wire"
)

type stubResolver struct {
	status *room.Status
	err    error
	calls  atomic.Int32
}

func (s *stubResolver) Resolve(ctx context.Context, webRID string) (*room.Status, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.status, nil
}

type stubSigner struct {
	url string
	err error
}

func (s *stubSigner) SignedURL(ctx context.Context, realRoomID, deviceID string) (string, error) {
	return s.url, s.err
}

type capturingDialer struct {
	mu   sync.Mutex
	urls []string
}

func (d *capturingDialer) Dial(ctx context.Context, wsURL string) (session.Socket, error) {
	d.mu.Lock()
	d.urls = append(d.urls, wsURL)
	d.mu.Unlock()
	return nil, errors.New("dial refused")
}

// pushServer plays the push service over a local websocket.
type pushServer struct {
	t        *testing.T
	srv      *httptest.Server
	accept   atomic.Bool
	refused  atomic.Int32
	upgrades atomic.Int32
	onConn   func(conn *websocket.Conn)
}

func newPushServer(t *testing.T, onConn func(conn *websocket.Conn)) *pushServer {
	t.Helper()
	ps := &pushServer{t: t, onConn: onConn}
	ps.accept.Store(true)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ps.accept.Load() {
			ps.refused.Add(1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.upgrades.Add(1)
		ps.onConn(conn)
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ps.srv.URL, "http")
}

func liveStatus() *room.Status {
	return &room.Status{
		WebRID:     "168465302284",
		RealRoomID: "7312345678901234567",
		Live:       true,
		Title:      "测试直播",
		AnchorName: "anchor",
	}
}

func chatFrame(t *testing.T, logID uint64, needAck bool, ext string, comments ...[2]string) []byte {
	t.Helper()
	batch := &wire.MessageBatch{InternalExt: ext, NeedAck: needAck}
	for i, c := range comments {
		batch.Messages = append(batch.Messages, wire.RawMessage{
			Method:  wire.MethodChatMessage,
			MsgID:   int64(i + 1),
			Payload: wire.EncodeChatMessage(&wire.ChatMessage{User: wire.User{Nickname: c[0]}, Content: c[1]}),
		})
	}
	payload, err := wire.EncodeMessageBatch(batch)
	if err != nil {
		t.Fatalf("EncodeMessageBatch: %v", err)
	}
	return wire.EncodePushFrame(&wire.PushFrame{
		LogID:       logID,
		PayloadType: wire.PayloadTypeMessage,
		Payload:     payload,
	})
}

func waitStopped(t *testing.T, r *Recorder, timeout time.Duration) error {
	t.Helper()
	ch := make(chan error, 1)
	go func() { ch <- r.Wait() }()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatal("recorder did not reach Stopped in time")
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func segmentsIn(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func parseSegmentFile(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Lines []struct {
			Text string `xml:",chardata"`
		} `xml:"d"`
	}
	if err := xml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("segment not well-formed: %v\n%s", err, raw)
	}
	var texts []string
	for _, l := range doc.Lines {
		texts = append(texts, l.Text)
	}
	return texts
}

func TestStartFailsFastWhenRoomNotLive(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recorder-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	offline := liveStatus()
	offline.Live = false
	dialer := &capturingDialer{}
	r := New(Config{WebRID: "168465302284", OutputDir: filepath.Join(tmpDir, "out")},
		&stubResolver{status: offline}, &stubSigner{url: "ws://unused"}, dialer, zap.NewNop())

	if err := r.Start(context.Background()); !errors.Is(err, ErrRoomNotLive) {
		t.Fatalf("Start = %v, want ErrRoomNotLive", err)
	}
	if got := waitStopped(t, r, time.Second); !errors.Is(got, ErrRoomNotLive) {
		t.Errorf("Wait = %v, want ErrRoomNotLive", got)
	}
	if r.State() != Stopped {
		t.Errorf("state = %v, want Stopped", r.State())
	}

	// No socket, no files.
	dialer.mu.Lock()
	dials := len(dialer.urls)
	dialer.mu.Unlock()
	if dials != 0 {
		t.Errorf("dialer was called %d times, want 0", dials)
	}
	if entries, _ := os.ReadDir(filepath.Join(tmpDir, "out")); len(entries) != 0 {
		t.Errorf("output dir has %d entries, want 0", len(entries))
	}
}

func TestStartFailsFastWhenResolveUnavailable(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recorder-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	r := New(Config{WebRID: "1", OutputDir: tmpDir},
		&stubResolver{err: room.ErrUnavailable}, &stubSigner{url: "ws://unused"}, &capturingDialer{}, zap.NewNop())

	if err := r.Start(context.Background()); !errors.Is(err, room.ErrUnavailable) {
		t.Fatalf("Start = %v, want room.ErrUnavailable", err)
	}
	if r.State() != Stopped {
		t.Errorf("state = %v, want Stopped", r.State())
	}
}

func TestRecordsCommentsAndAcks(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recorder-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	const ext = "internal_ext:cursor-9"
	ackCh := make(chan *wire.PushFrame, 1)
	ps := newPushServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if err := conn.WriteMessage(websocket.BinaryMessage, chatFrame(t, 777, true, ext, [2]string{"alice", "hi"})); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := wire.DecodePushFrame(data)
			if err != nil {
				continue
			}
			if frame.PayloadType == wire.PayloadTypeAck {
				select {
				case ackCh <- frame:
				default:
				}
			}
		}
	})

	r := New(Config{WebRID: "168465302284", OutputDir: tmpDir},
		&stubResolver{status: liveStatus()}, &stubSigner{url: ps.wsURL()}, &session.WebsocketDialer{}, zap.NewNop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	waitFor(t, 2*time.Second, func() bool { return r.Written() == 1 },
		"comment never reached the subtitle file")

	select {
	case ack := <-ackCh:
		if ack.LogID != 777 {
			t.Errorf("ack log_id = %d, want 777", ack.LogID)
		}
		if string(ack.Payload) != ext {
			t.Errorf("ack payload = %q, want %q", ack.Payload, ext)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack frame arrived at the server")
	}

	r.Stop()
	if err := waitStopped(t, r, 2*time.Second); err != nil {
		t.Fatalf("Wait = %v, want nil after user stop", err)
	}

	snap := r.Snapshot()
	if snap.SegmentPath == "" {
		t.Fatal("no segment path recorded")
	}
	texts := parseSegmentFile(t, snap.SegmentPath)
	if len(texts) != 1 || texts[0] != "hi" {
		t.Errorf("segment comments = %v, want [hi]", texts)
	}
	raw, _ := os.ReadFile(snap.SegmentPath)
	if !strings.Contains(string(raw), `user="alice">hi</d>`) {
		t.Errorf("segment line malformed:\n%s", raw)
	}
}

func TestRetriesExhaustedReachesStopped(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recorder-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	ps := newPushServer(t, func(conn *websocket.Conn) {
		// First connection dies immediately; afterwards the server
		// refuses upgrades entirely.
		_ = conn.Close()
	})

	r := New(Config{
		WebRID:     "168465302284",
		OutputDir:  tmpDir,
		RetryCount: 3,
		RetryDelay: 20 * time.Millisecond,
	}, &stubResolver{status: liveStatus()}, &stubSigner{url: ps.wsURL()}, &session.WebsocketDialer{}, zap.NewNop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ps.upgrades.Load() == 1 }, "first connection never arrived")
	ps.accept.Store(false)

	err = waitStopped(t, r, 5*time.Second)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("Wait = %v, want ErrRetriesExhausted", err)
	}
	if r.State() != Stopped {
		t.Errorf("state = %v, want Stopped", r.State())
	}
	if got := ps.refused.Load(); got != 3 {
		t.Errorf("refused connection attempts = %d, want 3", got)
	}
	if got := ps.upgrades.Load(); got != 1 {
		t.Errorf("successful connections = %d, want 1 (never re-entered Connected)", got)
	}
}

func TestStopMidStreamFinalizesOnce(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recorder-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	ps := newPushServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if err := conn.WriteMessage(websocket.BinaryMessage, chatFrame(t, 1, false, "", [2]string{"bob", "still streaming"})); err != nil {
			return
		}
		// Keep serving until the client goes away.
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	r := New(Config{WebRID: "168465302284", OutputDir: tmpDir},
		&stubResolver{status: liveStatus()}, &stubSigner{url: ps.wsURL()}, &session.WebsocketDialer{}, zap.NewNop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.Written() == 1 }, "comment never written")

	r.Stop()
	if err := waitStopped(t, r, 2*time.Second); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}

	snap := r.Snapshot()
	texts := parseSegmentFile(t, snap.SegmentPath)
	if len(texts) != 1 || texts[0] != "still streaming" {
		t.Errorf("segment = %v, want the one comment", texts)
	}

	// Second stop is a no-op: state stays Stopped, file unchanged.
	before, _ := os.ReadFile(snap.SegmentPath)
	r.Stop()
	after, _ := os.ReadFile(snap.SegmentPath)
	if string(before) != string(after) {
		t.Error("second Stop touched the finalized segment")
	}
	if r.State() != Stopped {
		t.Errorf("state = %v, want Stopped", r.State())
	}
	if got := ps.upgrades.Load(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

func TestSegmentsRotateOnSchedule(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recorder-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sendSecond := make(chan struct{})
	ps := newPushServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if err := conn.WriteMessage(websocket.BinaryMessage, chatFrame(t, 1, false, "", [2]string{"a", "first"})); err != nil {
			return
		}
		<-sendSecond
		if err := conn.WriteMessage(websocket.BinaryMessage, chatFrame(t, 2, false, "", [2]string{"b", "second"})); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	r := New(Config{
		WebRID:       "168465302284",
		OutputDir:    tmpDir,
		BaseName:     "show",
		Segmented:    true,
		SegmentEvery: 150 * time.Millisecond,
		RotateCheck:  20 * time.Millisecond,
	}, &stubResolver{status: liveStatus()}, &stubSigner{url: ps.wsURL()}, &session.WebsocketDialer{}, zap.NewNop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return r.Written() == 1 }, "first comment never written")

	// Let at least one rotation boundary pass before the second comment.
	waitFor(t, 2*time.Second, func() bool {
		return len(segmentsIn(t, tmpDir)) >= 2
	}, "rotation never produced a second segment")
	close(sendSecond)
	waitFor(t, 2*time.Second, func() bool { return r.Written() == 2 }, "second comment never written")

	r.Stop()
	if err := waitStopped(t, r, 2*time.Second); err != nil {
		t.Fatalf("Wait = %v", err)
	}

	names := segmentsIn(t, tmpDir)
	if len(names) < 2 {
		t.Fatalf("segments = %v, want at least 2", names)
	}
	if names[0] != "show_part001.xml" {
		t.Errorf("first segment = %q, want show_part001.xml", names[0])
	}

	first := parseSegmentFile(t, filepath.Join(tmpDir, names[0]))
	if len(first) != 1 || first[0] != "first" {
		t.Errorf("pre-rotation segment = %v, want [first]", first)
	}
	var later []string
	for _, name := range names[1:] {
		later = append(later, parseSegmentFile(t, filepath.Join(tmpDir, name))...)
	}
	if len(later) != 1 || later[0] != "second" {
		t.Errorf("post-rotation comments = %v, want [second]", later)
	}
}

func TestSigningFallbackURL(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recorder-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dialer := &capturingDialer{}
	r := New(Config{
		WebRID:     "168465302284",
		OutputDir:  tmpDir,
		RetryCount: 1,
		RetryDelay: 10 * time.Millisecond,
	}, &stubResolver{status: liveStatus()},
		&stubSigner{err: errors.New("no script engine")}, dialer, zap.NewNop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = waitStopped(t, r, 2*time.Second)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.urls) == 0 {
		t.Fatal("dialer never called")
	}
	u := dialer.urls[0]
	if !strings.Contains(u, "webcast3-ws-web-lf.douyin.com") {
		t.Errorf("fallback host missing: %s", u)
	}
	if !strings.Contains(u, "signature=00000000") {
		t.Errorf("unsigned signature missing: %s", u)
	}
	if !strings.Contains(u, "room_id=7312345678901234567") {
		t.Errorf("room id missing: %s", u)
	}
}

func TestDeferredBaseNameBuffersThenFlushes(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "recorder-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	ps := newPushServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if err := conn.WriteMessage(websocket.BinaryMessage, chatFrame(t, 1, false, "", [2]string{"c", "buffered"})); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	observed := make(chan string, 4)
	r := New(Config{
		WebRID:        "168465302284",
		OutputDir:     tmpDir,
		DeferBaseName: true,
		Observer:      func(user, content string, at time.Time) { observed <- content },
	}, &stubResolver{status: liveStatus()}, &stubSigner{url: ps.wsURL()}, &session.WebsocketDialer{}, zap.NewNop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	select {
	case got := <-observed:
		if got != "buffered" {
			t.Fatalf("observer saw %q, want buffered", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer never saw the comment")
	}

	// Nothing on disk until the companion stem arrives.
	if names := segmentsIn(t, tmpDir); len(names) != 0 {
		t.Fatalf("files before SetBaseName: %v", names)
	}
	if err := r.SetBaseName("companion_video"); err != nil {
		t.Fatalf("SetBaseName: %v", err)
	}
	waitFor(t, time.Second, func() bool { return r.Written() == 1 }, "buffered comment never flushed")

	texts := parseSegmentFile(t, filepath.Join(tmpDir, "companion_video.xml"))
	if len(texts) != 1 || texts[0] != "buffered" {
		t.Errorf("flushed comments = %v, want [buffered]", texts)
	}
}
