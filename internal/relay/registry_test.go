package relay

import (
	"testing"
)

func TestSubscriptionIDDeterministic(t *testing.T) {
	a := subscriptionID("quote/AAPL")
	b := subscriptionID("quote/AAPL")
	if a != b {
		t.Fatalf("ids differ: %q vs %q", a, b)
	}
	if a == subscriptionID("quote/TSLA") {
		t.Fatal("different topics share an id")
	}
}

func TestAddConfirmLifecycle(t *testing.T) {
	r := NewRegistry()

	sub := r.Add("quote/AAPL")
	if sub.State != SubPending {
		t.Fatalf("state after Add = %v", sub.State)
	}
	if !r.Confirm("quote/AAPL") {
		t.Fatal("Confirm failed")
	}
	if got := r.Snapshot()["quote/AAPL"]; got != SubActive {
		t.Fatalf("state after Confirm = %v", got)
	}
	if r.Confirm("quote/AAPL") {
		t.Error("second Confirm must be a no-op")
	}
	if r.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d", r.ActiveCount())
	}
}

func TestAddIsIdempotent(t *testing.T) {
	r := NewRegistry()

	first := r.Add("quote/AAPL")
	r.Confirm("quote/AAPL")
	again := r.Add("quote/AAPL")

	if again != first {
		t.Error("Add of an existing subscription returned a new record")
	}
	if again.State != SubActive {
		t.Errorf("state = %v, repeated Add must not reset Active", again.State)
	}
}

func TestRemoveAndRevive(t *testing.T) {
	r := NewRegistry()
	r.Add("quote/AAPL")
	r.Confirm("quote/AAPL")

	sub, wasLive := r.Remove("quote/AAPL")
	if !wasLive || sub == nil {
		t.Fatalf("Remove = (%v, %v)", sub, wasLive)
	}
	if _, wasLive := r.Remove("quote/AAPL"); wasLive {
		t.Error("second Remove must not be live")
	}

	// подписка после удаления оживает как Pending с тем же id
	revived := r.Add("quote/AAPL")
	if revived.State != SubPending {
		t.Errorf("state after revive = %v", revived.State)
	}
	if revived.ID != sub.ID {
		t.Errorf("id changed on revive: %q → %q", sub.ID, revived.ID)
	}
}

func TestTopicByIDLiveness(t *testing.T) {
	r := NewRegistry()
	sub := r.Add("quote/AAPL")

	topic, live := r.TopicByID(sub.ID)
	if topic != "quote/AAPL" || !live {
		t.Fatalf("TopicByID = (%q, %v)", topic, live)
	}

	r.Remove("quote/AAPL")
	if _, live := r.TopicByID(sub.ID); live {
		t.Error("removed subscription reported live")
	}
	if _, live := r.TopicByID("sub-deadbeef"); live {
		t.Error("unknown id reported live")
	}
}

func TestFailKeepsReason(t *testing.T) {
	r := NewRegistry()
	r.Add("quote/XXXX")

	if !r.Fail("quote/XXXX", "unknown instrument") {
		t.Fatal("Fail returned false")
	}
	if got := r.Snapshot()["quote/XXXX"]; got != SubFailed {
		t.Fatalf("state = %v", got)
	}
	// failed-подписка не входит в желаемое состояние
	for _, sub := range r.Desired() {
		if sub.Topic == "quote/XXXX" {
			t.Error("failed subscription in Desired()")
		}
	}
	// но может быть повторена явным Add
	if sub := r.Add("quote/XXXX"); sub.State != SubPending || sub.Reason != "" {
		t.Errorf("after retry Add: %+v", sub)
	}
}

func TestDesiredAndResetToPending(t *testing.T) {
	r := NewRegistry()
	r.Add("quote/AAPL")
	r.Confirm("quote/AAPL")
	r.Add("quote/TSLA") // остаётся Pending
	r.Add("quote/GONE")
	r.Remove("quote/GONE")

	desired := r.Desired()
	if len(desired) != 2 {
		t.Fatalf("Desired = %d entries, want 2", len(desired))
	}

	r.ResetToPending()
	for topic, state := range r.Snapshot() {
		if topic == "quote/GONE" {
			continue
		}
		if state != SubPending {
			t.Errorf("%s state after reset = %v", topic, state)
		}
	}
	if r.ActiveCount() != 0 {
		t.Errorf("ActiveCount after reset = %d", r.ActiveCount())
	}
}

func TestSweep(t *testing.T) {
	r := NewRegistry()
	sub := r.Add("quote/AAPL")
	r.Add("quote/TSLA")
	r.Remove("quote/AAPL")

	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if _, live := r.TopicByID(sub.ID); live {
		t.Error("swept subscription still resolvable")
	}
	if len(r.Snapshot()) != 1 {
		t.Errorf("Snapshot = %v", r.Snapshot())
	}
}
