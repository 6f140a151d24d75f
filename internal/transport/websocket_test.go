package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestCallWithoutConnection(t *testing.T) {
	ws := NewWebSocket("ws://127.0.0.1:1/ws", 0, time.Millisecond, time.Second)

	if _, err := ws.Call(context.Background(), OpMove, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	ws := NewWebSocket("ws://127.0.0.1:1/ws", 3, 100*time.Millisecond, time.Second)

	if got := ws.backoff(1); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: got %s", got)
	}
	if got := ws.backoff(3); got != 400*time.Millisecond {
		t.Fatalf("attempt 3: got %s", got)
	}
	// Doubling stops at attempt 6; later attempts reuse the ceiling.
	if got := ws.backoff(6); got != 3200*time.Millisecond {
		t.Fatalf("attempt 6: got %s", got)
	}
	if got := ws.backoff(20); got != ws.backoff(6) {
		t.Fatalf("attempt 20 exceeded the cap: %s", got)
	}
	if got := ws.backoff(0); got != ws.backoff(1) {
		t.Fatalf("attempt 0 not clamped: %s", got)
	}
}

// The reconnect goroutine swaps the connection while Call and the read
// loop hold their own references; the accessors have to stay safe under
// concurrent swap, read, and close.
func TestConnSwapIsSynchronized(t *testing.T) {
	ws := NewWebSocket("ws://127.0.0.1:1/ws", 0, time.Millisecond, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ws.setConn(nil)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = ws.getConn()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = ws.closeConn(websocket.StatusNormalClosure, "test")
			}
		}()
	}
	wg.Wait()

	if ws.getConn() != nil {
		t.Fatalf("expected nil connection after close")
	}
}

func TestBuildHeadersSkipsBlank(t *testing.T) {
	ws := NewWebSocket("ws://127.0.0.1:1/ws", 0, time.Millisecond, time.Second)
	ws.SetHeaderProvider(func() map[string]string {
		return map[string]string{
			"Authorization": "Bearer tok",
			"":              "orphan",
			"X-Blank":       "  ",
		}
	})

	hdr := ws.buildHeaders()
	if got := hdr.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("authorization header lost: %q", got)
	}
	if len(hdr) != 1 {
		t.Fatalf("blank header entries leaked: %v", hdr)
	}
}
