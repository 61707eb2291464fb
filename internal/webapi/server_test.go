package webapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/recorder"
)

func newTestRouter(src StatusSource, feed *Feed) http.Handler {
	srv := NewServer(src, feed, zap.NewNop())
	return NewRouter(srv, zap.NewNop())
}

func TestHealthz(t *testing.T) {
	feed := NewFeed(8, zap.NewNop())
	router := newTestRouter(SourceFunc(func() []recorder.Snapshot { return nil }), feed)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestStatusReflectsSnapshots(t *testing.T) {
	snaps := []recorder.Snapshot{
		{WebRID: "111", State: "connected", Comments: 42},
		{WebRID: "222", State: "reconnecting", Comments: 7},
	}
	feed := NewFeed(8, zap.NewNop())
	router := newTestRouter(SourceFunc(func() []recorder.Snapshot { return snaps }), feed)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Recorders []recorder.Snapshot `json:"recorders"`
		Count     int                 `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Count != 2 || len(body.Recorders) != 2 {
		t.Fatalf("count = %d, recorders = %d, want 2/2", body.Count, len(body.Recorders))
	}
	if body.Recorders[0].WebRID != "111" || body.Recorders[0].Comments != 42 {
		t.Errorf("first snapshot = %+v", body.Recorders[0])
	}
	if body.Recorders[1].State != "reconnecting" {
		t.Errorf("second state = %q, want reconnecting", body.Recorders[1].State)
	}
}

func TestCommentsEndpointLimits(t *testing.T) {
	feed := NewFeed(16, zap.NewNop())
	base := time.Date(2024, 4, 4, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		feed.Publish("111", "u", fmt.Sprintf("c%d", i), base.Add(time.Duration(i)*time.Second))
	}
	router := newTestRouter(SourceFunc(func() []recorder.Snapshot { return nil }), feed)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/comments?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Comments []Event `json:"comments"`
		Count    int     `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Count != 2 {
		t.Fatalf("count = %d, want 2", body.Count)
	}
	// Latest two, oldest first.
	if body.Comments[0].Content != "c3" || body.Comments[1].Content != "c4" {
		t.Errorf("comments = %q,%q, want c3,c4",
			body.Comments[0].Content, body.Comments[1].Content)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/comments?limit=potato", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestFeedRingWrapsAround(t *testing.T) {
	feed := NewFeed(4, zap.NewNop())
	at := time.Now()
	for i := 0; i < 6; i++ {
		feed.Publish("111", "u", fmt.Sprintf("c%d", i), at)
	}

	recent := feed.Recent(0)
	if len(recent) != 4 {
		t.Fatalf("retained = %d, want 4", len(recent))
	}
	want := []string{"c2", "c3", "c4", "c5"}
	for i, ev := range recent {
		if ev.Content != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, ev.Content, want[i])
		}
	}
	// Sequence numbers stay monotonic across the wrap.
	for i := 1; i < len(recent); i++ {
		if recent[i].Seq != recent[i-1].Seq+1 {
			t.Errorf("seq gap at %d: %d -> %d", i, recent[i-1].Seq, recent[i].Seq)
		}
	}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader, timeout time.Duration) sseEvent {
	t.Helper()
	type result struct {
		ev  sseEvent
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var ev sseEvent
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				ch <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				ch <- result{ev: ev}
				return
			}
		}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("reading SSE stream: %v", res.err)
		}
		return res.ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func TestEventsStreamDeliversInOrder(t *testing.T) {
	feed := NewFeed(16, zap.NewNop())
	feed.Publish("111", "early", "before subscribe", time.Now())

	router := newTestRouter(SourceFunc(func() []recorder.Snapshot { return nil }), feed)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// First event is the retained snapshot.
	snap := readSSE(t, reader, 2*time.Second)
	if snap.name != "snapshot" {
		t.Fatalf("first event = %q, want snapshot", snap.name)
	}
	var retained []Event
	if err := json.Unmarshal([]byte(snap.data), &retained); err != nil {
		t.Fatalf("snapshot payload: %v", err)
	}
	if len(retained) != 1 || retained[0].Content != "before subscribe" {
		t.Fatalf("snapshot = %+v, want the pre-subscribe comment", retained)
	}

	// Live comments follow in publish order, only after the client is
	// registered. Publishing races with subscription, so wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for feed.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if feed.Subscribers() == 0 {
		t.Fatal("subscriber never registered")
	}

	feed.Publish("111", "alice", "first", time.Now())
	feed.Publish("111", "bob", "second", time.Now())

	for _, want := range []string{"first", "second"} {
		got := readSSE(t, reader, 2*time.Second)
		if got.name != "comment" {
			t.Fatalf("event = %q, want comment", got.name)
		}
		var ev Event
		if err := json.Unmarshal([]byte(got.data), &ev); err != nil {
			t.Fatalf("comment payload: %v", err)
		}
		if ev.Content != want {
			t.Errorf("comment = %q, want %q", ev.Content, want)
		}
	}
}
