package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	got      [][]byte
	failNext bool
	closed   bool
}

func (f *fakeSubscriber) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("send failed")
	}
	f.got = append(f.got, append([]byte(nil), p...))
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestHubBroadcastsToRunSubscribers(t *testing.T) {
	h := NewHub()
	a := &fakeSubscriber{}
	b := &fakeSubscriber{}
	other := &fakeSubscriber{}

	h.Register("run-1", a)
	h.Register("run-1", b)
	h.Register("run-2", other)

	h.Broadcast("run-1", []byte("line"))

	waitFor(t, func() bool { return a.received() == 1 && b.received() == 1 })
	if other.received() != 0 {
		t.Errorf("unrelated run received %d messages", other.received())
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	h := NewHub()
	bad := &fakeSubscriber{failNext: true}
	h.Register("run-1", bad)

	h.Broadcast("run-1", []byte("line"))
	waitFor(t, func() bool {
		bad.mu.Lock()
		defer bad.mu.Unlock()
		return bad.closed
	})

	// A later broadcast must not reach the dropped client.
	h.Broadcast("run-1", []byte("more"))
	time.Sleep(20 * time.Millisecond)
	if bad.received() != 0 {
		t.Errorf("dropped client received %d messages", bad.received())
	}
}

func TestHubUnregister(t *testing.T) {
	h := NewHub()
	sub := &fakeSubscriber{}
	h.Register("run-1", sub)
	h.Unregister("run-1", sub)

	h.Broadcast("run-1", []byte("line"))
	time.Sleep(20 * time.Millisecond)
	if sub.received() != 0 {
		t.Errorf("unregistered client received %d messages", sub.received())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
