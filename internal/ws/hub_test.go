package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("gone")
	}
	r.payloads = append(r.payloads, string(p))
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...), r.closed
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestHubRoutesBySite(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register("site-a", a)
	hub.Register("site-b", b)

	hub.Broadcast("site-a", []byte("hello"))
	waitUntil(t, func() bool {
		got, _ := a.snapshot()
		return len(got) == 1
	})
	if got, _ := b.snapshot(); len(got) != 0 {
		t.Fatalf("expected site-b to receive nothing, got %v", got)
	}
	if hub.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", hub.Subscribers())
	}
	hub.Unregister("site-b", b)
	if hub.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.Subscribers())
	}
}

func TestHubDropsFailingClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	bad := &recordingSubscriber{fail: true}
	hub.Register("site", bad)
	hub.Broadcast("site", []byte("x"))
	waitUntil(t, func() bool { return hub.Subscribers() == 0 })
	if _, closed := bad.snapshot(); !closed {
		t.Fatal("expected failing client closed")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("site", sub)
	hub.Close()
	waitUntil(t, func() bool {
		_, closed := sub.snapshot()
		return closed
	})
	if hub.Broadcast("site", []byte("late")) {
		t.Fatal("expected broadcast after close to be dropped")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, nil)
	if err := c.Send([]byte(`{"message":"hi"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: {\"message\":\"hi\"}\n\n") || !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("unexpected stream %q", body)
	}
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("expected done closed")
	}
	if err := c.Send([]byte("late")); err == nil {
		t.Fatal("expected send after close to fail")
	}
}
