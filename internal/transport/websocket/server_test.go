package websocket_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/levelq/internal/dispatcher"
	"github.com/snehjoshi/levelq/internal/transport/websocket"
)

type fakeSource struct {
	mu   sync.Mutex
	subs []chan dispatcher.Event
	subd chan struct{}
}

func newFakeSource() *fakeSource { return &fakeSource{subd: make(chan struct{}, 1)} }

func (f *fakeSource) Subscribe(buf int) (<-chan dispatcher.Event, func()) {
	ch := make(chan dispatcher.Event, buf)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	f.subd <- struct{}{}
	return ch, func() {}
}

func (f *fakeSource) publish(e dispatcher.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- e
	}
}

func (f *fakeSource) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
}

func dial(t *testing.T, srv *httptest.Server) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHandler_StreamsEvents(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(&websocket.Handler{Source: src})
	defer srv.Close()

	conn := dial(t, srv)
	<-src.subd

	src.publish(dispatcher.Event{Type: dispatcher.EventRequeued, Key: "k", Attempts: 2, State: "queued"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got dispatcher.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != dispatcher.EventRequeued || got.Key != "k" || got.Attempts != 2 {
		t.Errorf("event: %+v", got)
	}
}

func TestHandler_ClosesWhenFeedEnds(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(&websocket.Handler{Source: src})
	defer srv.Close()

	conn := dial(t, srv)
	<-src.subd
	src.closeAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !gorillaws.IsCloseError(err, gorillaws.CloseGoingAway) {
		t.Fatalf("want going-away close, got %v", err)
	}
}

func TestHandler_RejectsCrossOrigin(t *testing.T) {
	src := newFakeSource()
	srv := httptest.NewServer(&websocket.Handler{Source: src})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	hdr := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := gorillaws.DefaultDialer.Dial(url, hdr)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403, got %v", resp)
	}
}
