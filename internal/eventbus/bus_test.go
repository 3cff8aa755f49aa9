package eventbus

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(func(e Event) {
		if e.Type == StateChanged {
			got.Add(1)
		}
	}, StateChanged)

	bus.Publish(StateChanged, "", nil)
	bus.Publish(ReadingDecoded, "", nil) // filtered out
	bus.Close()

	assert.Equal(t, int32(1), got.Load())
}

func TestDeliveryPreservesOrder(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []string
	bus.Subscribe(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Message)
		mu.Unlock()
	})

	want := []string{"a", "b", "c", "d", "e"}
	for _, m := range want {
		bus.Publish(Log, m, nil)
	}
	bus.Close()

	assert.Equal(t, want, seen)
}

func TestEventIDsAreUniqueAndOrdered(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	a := bus.Publish(Log, "", nil)
	b := bus.Publish(Log, "", nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Less(t, a.ID, b.ID, "monotonic ULIDs sort by creation")
	assert.False(t, a.Time.IsZero())
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(func(Event) { got.Add(1) })
	bus.Publish(Log, "", nil)
	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	unsub() // idempotent
	bus.Publish(Log, "", nil)
	bus.Close()

	assert.Equal(t, int32(1), got.Load())
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)), 1)

	release := make(chan struct{})
	bus.Subscribe(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Log, "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
	bus.Close()
	assert.Positive(t, bus.Dropped())
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := newTestBus()

	var after atomic.Int32
	bus.Subscribe(func(e Event) {
		if e.Message == "boom" {
			panic("handler failure")
		}
		after.Add(1)
	})
	bus.Publish(Log, "boom", nil)
	bus.Publish(Log, "ok", nil)
	bus.Close()

	assert.Equal(t, int32(1), after.Load())
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := newTestBus()
	bus.Close()
	bus.Close()

	var got atomic.Int32
	bus.Subscribe(func(Event) { got.Add(1) })
	bus.Publish(Log, "", nil)
	assert.Zero(t, got.Load())
}

func TestLogHandlerTeesRecords(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var lines []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		lines = append(lines, e)
		mu.Unlock()
	}, Log)

	var out bytes.Buffer
	logger := slog.New(NewLogHandler(slog.NewTextHandler(&out, nil), bus))
	logger.With("component", "osc").WithGroup("dest").Info("[OSC] destination set", "port", 9000)
	logger.Debug("below level") // default text handler level is info
	bus.Close()

	require.Len(t, lines, 1)
	assert.Equal(t, "[OSC] destination set component=osc dest.port=9000", lines[0].Message)
	line, ok := lines[0].Payload.(LogLine)
	require.True(t, ok)
	assert.Equal(t, "INFO", line.Level)
	assert.Equal(t, int64(9000), line.Attrs["dest.port"])
	assert.Contains(t, out.String(), "destination set")
}
