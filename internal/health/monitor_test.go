package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/YaganovValera/market-data-relay/internal/relay"
	"github.com/YaganovValera/market-data-relay/internal/storetest"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
)

type fakeConn struct {
	state relay.ConnState
	beat  time.Time
}

func (f *fakeConn) State() relay.ConnState   { return f.state }
func (f *fakeConn) LastHeartbeat() time.Time { return f.beat }

type fakeSubs struct{ active int }

func (f *fakeSubs) ActiveCount() int                    { return f.active }
func (f *fakeSubs) Snapshot() map[string]relay.SubState { return nil }

type fakeQueue struct {
	depth   int
	dropped int64
	cleared int
}

func (f *fakeQueue) Depth() int     { return f.depth }
func (f *fakeQueue) Dropped() int64 { return f.dropped }

func (f *fakeQueue) Clear() int {
	n := f.depth
	f.depth = 0
	f.cleared++
	return n
}

type fakeWork struct {
	processed int64
	errors    int64
}

func (f *fakeWork) Processed() int64 { return f.processed }
func (f *fakeWork) Errors() int64    { return f.errors }

func newMonitor(conn *fakeConn) (*Monitor, *storetest.MemStore) {
	store := storetest.New()
	m := New(Config{}, conn, &fakeSubs{active: 2}, &fakeQueue{depth: 7, dropped: 3}, &fakeWork{}, store, logger.Nop())
	return m, store
}

func TestSnapshotHealthy(t *testing.T) {
	conn := &fakeConn{state: relay.StateConnected, beat: time.Now()}
	m, _ := newMonitor(conn)

	snap := m.Snapshot()
	if !snap.Healthy {
		t.Error("want healthy")
	}
	if snap.ConnectionState != "connected" {
		t.Errorf("ConnectionState = %q", snap.ConnectionState)
	}
	if snap.ActiveSubscriptions != 2 || snap.QueueDepth != 7 || snap.QueueDropped != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSnapshotUnhealthyWhenDisconnected(t *testing.T) {
	conn := &fakeConn{state: relay.StateReconnectWait, beat: time.Now()}
	m, _ := newMonitor(conn)

	if snap := m.Snapshot(); snap.Healthy {
		t.Error("reconnect_wait must be unhealthy")
	}
}

func TestSnapshotUnhealthyWhenHeartbeatStale(t *testing.T) {
	conn := &fakeConn{state: relay.StateConnected, beat: time.Now().Add(-time.Minute)}
	m, _ := newMonitor(conn)

	snap := m.Snapshot()
	if snap.Healthy {
		t.Error("stale heartbeat must be unhealthy")
	}
	if snap.HeartbeatAgeSeconds < 59 {
		t.Errorf("HeartbeatAgeSeconds = %v", snap.HeartbeatAgeSeconds)
	}
}

func TestSnapshotErrorRate(t *testing.T) {
	conn := &fakeConn{state: relay.StateConnected, beat: time.Now()}
	work := &fakeWork{processed: 200, errors: 10}
	m := New(Config{}, conn, &fakeSubs{}, &fakeQueue{}, work, storetest.New(), logger.Nop())

	if rate := m.Snapshot().ErrorRate; rate != 5.0 {
		t.Errorf("ErrorRate = %v, want 5.0", rate)
	}

	// Без обработанных сообщений доля ошибок равна нулю, а не NaN.
	work.processed, work.errors = 0, 0
	if rate := m.Snapshot().ErrorRate; rate != 0 {
		t.Errorf("ErrorRate with no traffic = %v, want 0", rate)
	}
}

func TestObservePublishesHealthKey(t *testing.T) {
	conn := &fakeConn{state: relay.StateConnected, beat: time.Now()}
	m, store := newMonitor(conn)

	m.observe(context.Background())

	raw, err := store.Get(context.Background(), "relay:health")
	if err != nil {
		t.Fatalf("health key not written: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !snap.Healthy {
		t.Errorf("stored snapshot = %+v", snap)
	}
}

func TestObserveEscalatesStaleHeartbeatOnce(t *testing.T) {
	conn := &fakeConn{state: relay.StateConnected, beat: time.Now().Add(-time.Minute)}
	m, _ := newMonitor(conn)

	var reconnects int
	m.SetReconnectHook(func() { reconnects++ })

	m.observe(context.Background())
	m.observe(context.Background()) // тот же эпизод, без повторной эскалации
	if reconnects != 1 {
		t.Fatalf("reconnects = %d, want 1", reconnects)
	}

	// heartbeat ожил и снова протух → новый эпизод
	conn.beat = time.Now()
	m.observe(context.Background())
	conn.beat = time.Now().Add(-time.Minute)
	m.observe(context.Background())
	if reconnects != 2 {
		t.Fatalf("reconnects = %d, want 2", reconnects)
	}
}

func TestObserveClearsSustainedQueue(t *testing.T) {
	conn := &fakeConn{state: relay.StateConnected, beat: time.Now()}
	queue := &fakeQueue{depth: 100}
	store := storetest.New()
	cfg := Config{QueueDepthThreshold: 50, SustainWindow: 20 * time.Millisecond}
	m := New(cfg, conn, &fakeSubs{}, queue, &fakeWork{}, store, logger.Nop())

	m.observe(context.Background()) // старт отсчёта
	m.observe(context.Background()) // окно ещё не вышло
	if queue.cleared != 0 {
		t.Fatalf("queue cleared before sustain window, cleared = %d", queue.cleared)
	}

	time.Sleep(25 * time.Millisecond)
	m.observe(context.Background())
	if queue.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", queue.cleared)
	}
	if queue.depth != 0 {
		t.Errorf("depth after clear = %d", queue.depth)
	}

	// После очистки отсчёт начинается заново.
	queue.depth = 100
	m.observe(context.Background())
	if queue.cleared != 1 {
		t.Errorf("cleared = %d, want still 1", queue.cleared)
	}
}

func TestObserveDepthBelowThresholdResetsEpisode(t *testing.T) {
	conn := &fakeConn{state: relay.StateConnected, beat: time.Now()}
	queue := &fakeQueue{depth: 100}
	cfg := Config{QueueDepthThreshold: 50, SustainWindow: 20 * time.Millisecond}
	m := New(cfg, conn, &fakeSubs{}, queue, &fakeWork{}, storetest.New(), logger.Nop())

	m.observe(context.Background())
	queue.depth = 10 // потребители разгребли сами
	m.observe(context.Background())

	time.Sleep(25 * time.Millisecond)
	queue.depth = 100
	m.observe(context.Background()) // новый эпизод, окно только началось
	if queue.cleared != 0 {
		t.Errorf("cleared = %d, want 0", queue.cleared)
	}
}

func TestOnFatalTriggersRestart(t *testing.T) {
	conn := &fakeConn{state: relay.StateDisconnected}
	m, store := newMonitor(conn)

	var got error
	m.SetRestartHook(func(err error) { got = err })

	fatal := errors.New("attempts exhausted")
	m.OnFatal(fatal)

	if !errors.Is(got, fatal) {
		t.Errorf("restart hook got %v", got)
	}
	raw, err := store.Get(context.Background(), "relay:health")
	if err != nil {
		t.Fatalf("final snapshot not written: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !snap.Fatal || snap.Healthy {
		t.Errorf("snapshot = %+v, want fatal and unhealthy", snap)
	}
}
