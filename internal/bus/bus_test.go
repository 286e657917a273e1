package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/C6H12O6Mix/yolo/internal/types"
)

func res(seq uint64) types.Result {
	return types.Result{Frame: types.Frame{Seq: seq}}
}

// TestPublishDelivers verifies every subscriber receives a published
// result.
func TestPublishDelivers(t *testing.T) {
	b := New()

	a, err := b.Subscribe("a", 4)
	if err != nil {
		t.Fatalf("Subscribe a failed: %v", err)
	}
	c, err := b.Subscribe("c", 4)
	if err != nil {
		t.Fatalf("Subscribe c failed: %v", err)
	}

	b.Publish(res(1))

	for name, ch := range map[string]<-chan types.Result{"a": a, "c": c} {
		select {
		case r := <-ch:
			if r.Frame.Seq != 1 {
				t.Errorf("Subscriber %s got seq %d, want 1", name, r.Frame.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %s never received the result", name)
		}
	}
}

// TestDuplicateSubscriber verifies ids are unique.
func TestDuplicateSubscriber(t *testing.T) {
	b := New()

	if _, err := b.Subscribe("sink", 1); err != nil {
		t.Fatalf("First Subscribe failed: %v", err)
	}
	if _, err := b.Subscribe("sink", 1); err != ErrSubscriberExists {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
}

// TestFullSubscriberDropsNewest verifies a full subscriber loses the
// incoming result and counts the drop, while its backlog is preserved.
func TestFullSubscriberDropsNewest(t *testing.T) {
	b := New()

	ch, err := b.Subscribe("slow", 2)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		b.Publish(res(seq))
	}

	stats, err := b.SubscriberStats("slow")
	if err != nil {
		t.Fatalf("SubscriberStats failed: %v", err)
	}
	if stats.Sent != 2 || stats.Dropped != 1 {
		t.Errorf("Expected sent=2 dropped=1, got sent=%d dropped=%d", stats.Sent, stats.Dropped)
	}

	if r := <-ch; r.Frame.Seq != 1 {
		t.Errorf("Backlog head seq %d, want 1", r.Frame.Seq)
	}
	if r := <-ch; r.Frame.Seq != 2 {
		t.Errorf("Backlog tail seq %d, want 2", r.Frame.Seq)
	}
}

// TestSlowSubscriberIsolation verifies one full subscriber does not
// cost a healthy one its deliveries.
func TestSlowSubscriberIsolation(t *testing.T) {
	b := New()

	if _, err := b.Subscribe("stuck", 1); err != nil {
		t.Fatalf("Subscribe stuck failed: %v", err)
	}
	healthy, err := b.Subscribe("healthy", 16)
	if err != nil {
		t.Fatalf("Subscribe healthy failed: %v", err)
	}

	for seq := uint64(1); seq <= 10; seq++ {
		b.Publish(res(seq))
	}

	for want := uint64(1); want <= 10; want++ {
		select {
		case r := <-healthy:
			if r.Frame.Seq != want {
				t.Fatalf("Healthy subscriber got seq %d, want %d", r.Frame.Seq, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("Healthy subscriber starved at seq %d", want)
		}
	}
}

// TestPublishOrderPerSubscriber verifies delivery order matches
// publish order, which is what keeps the sink's sequence gate happy.
func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New()

	ch, err := b.Subscribe("sink", 128)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for seq := uint64(1); seq <= 100; seq++ {
		b.Publish(res(seq))
	}

	var last uint64
	for i := 0; i < 100; i++ {
		r := <-ch
		if r.Frame.Seq <= last {
			t.Fatalf("Order violated: %d after %d", r.Frame.Seq, last)
		}
		last = r.Frame.Seq
	}
}

// TestCloseIsIdempotentAndStopsDelivery verifies Close can be called
// repeatedly, refuses new subscribers and drops further publishes.
func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := New()

	ch, err := b.Subscribe("sink", 4)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Close()
	b.Close()

	if _, err := b.Subscribe("late", 1); err != ErrClosed {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}

	b.Publish(res(1))
	select {
	case <-ch:
		t.Error("Publish after Close must not deliver")
	default:
	}
}

// TestConcurrentPublishSafe exercises Publish under races with
// Subscribe and Stats; run with -race.
func TestConcurrentPublishSafe(t *testing.T) {
	b := New()
	if _, err := b.Subscribe("sink", 8); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= 500; seq++ {
			b.Publish(res(seq))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.Stats()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			id := string(rune('a' + i))
			b.Subscribe(id, 1)
			b.Unsubscribe(id)
		}
	}()

	wg.Wait()
}
