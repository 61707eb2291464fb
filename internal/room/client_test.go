package room

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const livePayload = `{"data":{"data":[{"id_str":"7312345678901234567","status":2,"title":"深夜电台","owner":{"nickname":"主播小王"}}]}}`
const offlinePayload = `{"data":{"data":[{"id_str":"7312345678901234567","status":4,"title":"","owner":{"nickname":"主播小王"}}]}}`

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(StaticCookie("ttwid=abc"), 5*time.Second, 10*time.Millisecond, 2, zap.NewNop())
	c.SetBaseURL(srv.URL)
	return c, srv
}

func TestResolveLiveRoom(t *testing.T) {
	var gotPath, gotUA, gotCookie, gotRID string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotCookie = r.Header.Get("Cookie")
		gotRID = r.URL.Query().Get("web_rid")
		w.Write([]byte(livePayload))
	}))

	status, err := c.Resolve(context.Background(), "168465302284")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if gotPath != "/webcast/room/web/enter/" {
		t.Errorf("path = %q, want /webcast/room/web/enter/", gotPath)
	}
	if gotRID != "168465302284" {
		t.Errorf("web_rid = %q, want 168465302284", gotRID)
	}
	if !strings.Contains(gotUA, "Chrome/") || !strings.HasPrefix(gotUA, "Mozilla/5.0 ") {
		t.Errorf("user-agent not browser-shaped: %q", gotUA)
	}
	if gotCookie != "ttwid=abc" {
		t.Errorf("cookie = %q, want ttwid=abc", gotCookie)
	}

	if !status.Live {
		t.Error("Live = false, want true")
	}
	if status.RealRoomID != "7312345678901234567" {
		t.Errorf("RealRoomID = %q, want 7312345678901234567", status.RealRoomID)
	}
	if status.AnchorName != "主播小王" || status.Title != "深夜电台" {
		t.Errorf("metadata = %q/%q", status.AnchorName, status.Title)
	}
}

func TestResolveOfflineRoom(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(offlinePayload))
	}))

	status, err := c.Resolve(context.Background(), "123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if status.Live {
		t.Error("Live = true for status 4, want false")
	}
}

func TestResolveBusyEndpoint(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("系统繁忙，请稍后再试"))
	}))

	_, err := c.Resolve(context.Background(), "123")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestResolveMalformedBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>login wall</html>"},
		{"empty room list", `{"data":{"data":[]}}`},
		{"missing data", `{"ok":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			_, err := c.Resolve(context.Background(), "123")
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("err = %v, want ErrUnavailable", err)
			}
		})
	}
}

func TestResolveRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(livePayload))
	}))

	status, err := c.Resolve(context.Background(), "123")
	if err != nil {
		t.Fatalf("Resolve after retries: %v", err)
	}
	if !status.Live {
		t.Error("Live = false, want true")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestResolveRetriesExhausted(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Resolve(context.Background(), "123")
	if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
		t.Fatalf("err = %v, want max retries exceeded", err)
	}
}

func TestResolveNotFound(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.Resolve(context.Background(), "123")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 404)", got)
	}
}
