// Package sessionhosttest holds the conformance suite for sessions.EventLog
// implementations.
package sessionhosttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/spotify-mcp-go/sessions"
)

// Factory creates a new EventLogFactory for one test.
type Factory func(t *testing.T) sessions.EventLogFactory

// RunEventLogTests runs the complete EventLog test suite against the provided factory.
func RunEventLogTests(t *testing.T, factory Factory) {
	t.Run("AppendThenReadAll", func(t *testing.T) { testAppendThenReadAll(t, factory) })
	t.Run("ReadAfterMarker", func(t *testing.T) { testReadAfterMarker(t, factory) })
	t.Run("ReadAfterNewestIsEmpty", func(t *testing.T) { testReadAfterNewest(t, factory) })
	t.Run("UnknownMarker", func(t *testing.T) { testUnknownMarker(t, factory) })
	t.Run("IsolationBetweenSessions", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("ConcurrentAppendsKeepDistinctIDs", func(t *testing.T) { testConcurrentAppends(t, factory) })
	t.Run("CloseReleasesStorage", func(t *testing.T) { testCloseReleases(t, factory) })
}

func open(t *testing.T, f sessions.EventLogFactory, id string) sessions.EventLog {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := f(ctx, id)
	if err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func appendN(t *testing.T, l sessions.EventLog, n int, prefix string) []sessions.Event {
	t.Helper()
	out := make([]sessions.Event, 0, n)
	for i := 1; i <= n; i++ {
		ev, err := l.Append(context.Background(), []byte(fmt.Sprintf("%s%d", prefix, i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.ID == "" {
			t.Fatalf("append %d: empty event id", i)
		}
		out = append(out, ev)
	}
	return out
}

func assertEvents(t *testing.T, got []sessions.Event, want []sessions.Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("want %d events got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID || string(got[i].Data) != string(want[i].Data) {
			t.Fatalf("event %d: want %s=%q got %s=%q", i, want[i].ID, want[i].Data, got[i].ID, got[i].Data)
		}
	}
}

func testAppendThenReadAll(t *testing.T, factory Factory) {
	l := open(t, factory(t), "sess-all")
	evs := appendN(t, l, 5, "e")
	got, err := l.After(context.Background(), "")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	assertEvents(t, got, evs)
}

func testReadAfterMarker(t *testing.T, factory Factory) {
	l := open(t, factory(t), "sess-marker")
	evs := appendN(t, l, 10, "e")
	got, err := l.After(context.Background(), evs[3].ID)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	assertEvents(t, got, evs[4:])
}

func testReadAfterNewest(t *testing.T, factory Factory) {
	l := open(t, factory(t), "sess-newest")
	evs := appendN(t, l, 3, "e")
	got, err := l.After(context.Background(), evs[2].ID)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no events after newest got %d", len(got))
	}
}

func testUnknownMarker(t *testing.T, factory Factory) {
	l := open(t, factory(t), "sess-unknown")
	appendN(t, l, 2, "e")
	for _, marker := range []string{"not-an-id", "999999999999-0", "999999"} {
		_, err := l.After(context.Background(), marker)
		if !errors.Is(err, sessions.ErrUnknownEventID) {
			t.Fatalf("marker %q: want ErrUnknownEventID got %v", marker, err)
		}
	}
}

func testIsolation(t *testing.T, factory Factory) {
	f := factory(t)
	a := open(t, f, "sess-a")
	b := open(t, f, "sess-b")
	evA := appendN(t, a, 2, "a")
	evB := appendN(t, b, 3, "b")

	gotA, err := a.After(context.Background(), "")
	if err != nil {
		t.Fatalf("after a: %v", err)
	}
	assertEvents(t, gotA, evA)
	gotB, err := b.After(context.Background(), "")
	if err != nil {
		t.Fatalf("after b: %v", err)
	}
	assertEvents(t, gotB, evB)
}

func testConcurrentAppends(t *testing.T, factory Factory) {
	l := open(t, factory(t), "sess-concurrent")
	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]bool{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := l.Append(context.Background(), []byte(fmt.Sprintf("c%d", i)))
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			mu.Lock()
			ids[ev.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if len(ids) != n {
		t.Fatalf("want %d distinct ids got %d", n, len(ids))
	}
	got, err := l.After(context.Background(), "")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(got) != n {
		t.Fatalf("want %d events got %d", n, len(got))
	}
}

func testCloseReleases(t *testing.T, factory Factory) {
	f := factory(t)
	ctx := context.Background()
	l, err := f(ctx, "sess-close")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendN(t, l, 3, "e")
	if err := l.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	again := open(t, f, "sess-close")
	got, err := again.After(ctx, "")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want reopened log empty got %d events", len(got))
	}
}
