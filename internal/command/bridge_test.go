package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/YaganovValera/market-data-relay/internal/storetest"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
)

// fakeController записывает вызовы и отдаёт настраиваемые ошибки.
type fakeController struct {
	mu           sync.Mutex
	subscribed   []string
	unsubbed     []string
	reconnects   int
	subscribeErr error
	snapshot     map[string]string
}

func (f *fakeController) Subscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeController) Unsubscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, topic)
	return nil
}

func (f *fakeController) RequestReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeController) Subscriptions() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func newBridge(ctrl *fakeController) (*Bridge, *storetest.MemStore) {
	store := storetest.New()
	return New(Config{}, store, ctrl, logger.Nop()), store
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getResult(t *testing.T, b *Bridge, store *storetest.MemStore, id string) Result {
	t.Helper()
	raw, err := store.Get(context.Background(), b.ResultKey(id))
	if err != nil {
		t.Fatalf("result for %q not stored: %v", id, err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return res
}

func TestHandleSubscribe(t *testing.T) {
	ctrl := &fakeController{}
	b, store := newBridge(ctrl)

	b.Handle(context.Background(), mustJSON(t, Command{ID: "c1", Type: TypeSubscribe, Topic: "quote/AAPL"}))

	res := getResult(t, b, store, "c1")
	if res.Status != StatusSuccess || !res.Success {
		t.Fatalf("status = %q success = %v (%s)", res.Status, res.Success, res.Message)
	}
	if len(ctrl.subscribed) != 1 || ctrl.subscribed[0] != "quote/AAPL" {
		t.Errorf("subscribed = %v", ctrl.subscribed)
	}
}

// Внешний контракт: команда несёт ключ command_id, результат —
// command_id и булев success. Формат фиксирован для чужих клиентов.
func TestHandleWireFormat(t *testing.T) {
	ctrl := &fakeController{}
	b, store := newBridge(ctrl)

	b.Handle(context.Background(), []byte(`{"type":"subscribe","topic":"quote/AAPL","command_id":"c-wire-1"}`))

	if len(ctrl.subscribed) != 1 {
		t.Fatalf("subscribe executed %d times, want 1", len(ctrl.subscribed))
	}
	raw, err := store.Get(context.Background(), b.ResultKey("c-wire-1"))
	if err != nil {
		t.Fatalf("result not stored under command_id key: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if string(fields["command_id"]) != `"c-wire-1"` {
		t.Errorf("command_id = %s", fields["command_id"])
	}
	if string(fields["success"]) != "true" {
		t.Errorf("success = %s, want true", fields["success"])
	}
}

func TestHandleSubscribeFailure(t *testing.T) {
	ctrl := &fakeController{subscribeErr: errors.New("upstream rejected")}
	b, store := newBridge(ctrl)

	b.Handle(context.Background(), mustJSON(t, Command{ID: "c1", Type: TypeSubscribe, Topic: "quote/XXXX"}))

	res := getResult(t, b, store, "c1")
	if res.Status != StatusError || res.Success {
		t.Fatalf("status = %q success = %v, want error", res.Status, res.Success)
	}
	if res.Message != "upstream rejected" {
		t.Errorf("message = %q", res.Message)
	}
}

func TestHandleMissingTopic(t *testing.T) {
	ctrl := &fakeController{}
	b, store := newBridge(ctrl)

	b.Handle(context.Background(), mustJSON(t, Command{ID: "c1", Type: TypeSubscribe}))

	if res := getResult(t, b, store, "c1"); res.Status != StatusError {
		t.Errorf("status = %q, want error for missing topic", res.Status)
	}
}

func TestHandleDuplicateCommand(t *testing.T) {
	ctrl := &fakeController{}
	b, store := newBridge(ctrl)

	payload := mustJSON(t, Command{ID: "c1", Type: TypeSubscribe, Topic: "quote/AAPL"})
	b.Handle(context.Background(), payload)
	b.Handle(context.Background(), payload) // повторная доставка

	if len(ctrl.subscribed) != 1 {
		t.Errorf("subscribe executed %d times, want exactly once", len(ctrl.subscribed))
	}
	_ = store
}

func TestHandleGetSubscriptions(t *testing.T) {
	ctrl := &fakeController{snapshot: map[string]string{
		"quote/AAPL": "active",
		"quote/TSLA": "pending",
	}}
	b, store := newBridge(ctrl)

	b.Handle(context.Background(), mustJSON(t, Command{ID: "c1", Type: TypeGetSubscriptions}))

	res := getResult(t, b, store, "c1")
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	var snap map[string]string
	if err := json.Unmarshal(res.Data, &snap); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if snap["quote/AAPL"] != "active" || snap["quote/TSLA"] != "pending" {
		t.Errorf("snapshot = %v", snap)
	}
}

func TestHandleReconnect(t *testing.T) {
	ctrl := &fakeController{}
	b, store := newBridge(ctrl)

	b.Handle(context.Background(), mustJSON(t, Command{ID: "c1", Type: TypeReconnect}))

	if res := getResult(t, b, store, "c1"); res.Status != StatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if ctrl.reconnects != 1 {
		t.Errorf("reconnects = %d", ctrl.reconnects)
	}
}

func TestHandleUnknownType(t *testing.T) {
	ctrl := &fakeController{}
	b, store := newBridge(ctrl)

	b.Handle(context.Background(), mustJSON(t, Command{ID: "c1", Type: "selfdestruct"}))

	if res := getResult(t, b, store, "c1"); res.Status != StatusError {
		t.Errorf("status = %q, want error for unknown type", res.Status)
	}
}

func TestHandleMalformedPayload(t *testing.T) {
	ctrl := &fakeController{}
	b, _ := newBridge(ctrl)

	// не должно паниковать и не должно ничего исполнять
	b.Handle(context.Background(), []byte("{not json"))
	b.Handle(context.Background(), mustJSON(t, Command{Type: TypeSubscribe, Topic: "quote/AAPL"})) // без id

	if len(ctrl.subscribed) != 0 {
		t.Errorf("subscribed = %v, want none", ctrl.subscribed)
	}
}

func TestHandleWhileDraining(t *testing.T) {
	ctrl := &fakeController{}
	b, store := newBridge(ctrl)
	b.SetDraining()

	b.Handle(context.Background(), mustJSON(t, Command{ID: "c1", Type: TypeSubscribe, Topic: "quote/AAPL"}))

	res := getResult(t, b, store, "c1")
	if res.Status != StatusShuttingDown || res.Success {
		t.Fatalf("status = %q success = %v, want shutting_down", res.Status, res.Success)
	}
	if len(ctrl.subscribed) != 0 {
		t.Errorf("command executed during drain: %v", ctrl.subscribed)
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctrl := &fakeController{}
	store := storetest.New()
	b := New(Config{}, store, ctrl, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	time.Sleep(10 * time.Millisecond) // дать мосту подписаться

	client := NewClient(Config{}, store)
	id, err := client.Send(ctx, Command{Type: TypeSubscribe, Topic: "quote/AAPL"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	wctx, wcancel := context.WithTimeout(ctx, 2*time.Second)
	defer wcancel()
	res, err := client.WaitResult(wctx, id)
	if err != nil {
		t.Fatalf("WaitResult: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("status = %q (%s)", res.Status, res.Message)
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
}

func TestClientWaitResultTimeout(t *testing.T) {
	store := storetest.New()
	client := NewClient(Config{}, store)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.WaitResult(ctx, "missing"); !errors.Is(err, ErrResultTimeout) {
		t.Fatalf("err = %v, want ErrResultTimeout", err)
	}
}
