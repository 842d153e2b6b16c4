package audio

import (
	"testing"
	"time"
)

func TestBus_PublishFilters(t *testing.T) {
	bus := NewBus()
	master := NewSubscriber("master", 4)
	master.SetStreamFilter([]Stream{StreamMaster})
	all := NewSubscriber("all", 4)
	bus.Subscribe(master)
	bus.Subscribe(all)

	bus.Publish(&Block{Stream: StreamMaster, Sequence: 1})
	bus.Publish(&Block{Stream: StreamBus, Sequence: 2})

	if got := len(master.Channel); got != 1 {
		t.Errorf("master subscriber got %d blocks, want 1", got)
	}
	if got := len(all.Channel); got != 2 {
		t.Errorf("unfiltered subscriber got %d blocks, want 2", got)
	}

	stats := bus.GetStats()
	if stats.TotalBlocks != 2 || stats.ActiveSubscribers != 2 {
		t.Errorf("stats = %+v, want 2 blocks, 2 subscribers", stats)
	}
}

func TestBus_DropWhenFull(t *testing.T) {
	bus := NewBus()
	sub := NewSubscriber("slow", 1)
	bus.Subscribe(sub)

	if !bus.Publish(&Block{Sequence: 1}) {
		t.Error("first Publish() = false, want true")
	}
	if bus.Publish(&Block{Sequence: 2}) {
		t.Error("Publish() to full subscriber = true, want false")
	}
	if got := bus.GetStats().DroppedBlocks; got != 1 {
		t.Errorf("DroppedBlocks = %d, want 1", got)
	}
}

func TestBus_UnsubscribeAndCleanup(t *testing.T) {
	bus := NewBus()
	a := NewSubscriber("a", 1)
	b := NewSubscriber("b", 1)
	bus.Subscribe(a)
	bus.Subscribe(b)

	bus.Unsubscribe("a")
	if a.IsConnected() {
		t.Error("unsubscribed subscriber still connected")
	}
	if _, ok := <-a.Channel; ok {
		t.Error("unsubscribed channel not closed")
	}

	b.Close()
	if removed := bus.CleanupInactiveSubscribers(time.Hour); removed != 1 {
		t.Errorf("CleanupInactiveSubscribers() = %d, want 1", removed)
	}
	if bus.HasSubscribers() {
		t.Error("HasSubscribers() = true after cleanup")
	}

	bus.Shutdown()
	if bus.GetSubscriberCount() != 0 {
		t.Errorf("GetSubscriberCount() = %d after Shutdown", bus.GetSubscriberCount())
	}
}
