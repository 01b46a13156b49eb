package events

import "testing"

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(ChannelUpdate{ConversationID: "c1", ContactID: "p1", NewUnreadCount: 2})

	for i, ch := range []<-chan ChannelUpdate{ch1, ch2} {
		select {
		case got := <-ch:
			if got.ConversationID != "c1" || got.NewUnreadCount != 2 {
				t.Fatalf("subscriber %d got %+v", i, got)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()

	b.Publish(ChannelUpdate{ConversationID: "c1"})

	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscriber channel should be closed and drained")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	// Overflow the buffer; Publish must never block.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(ChannelUpdate{ConversationID: "c1"})
	}
}

func TestSubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	b := NewBus()
	b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}

	// Publishing after close is a no-op, not a panic.
	b.Publish(ChannelUpdate{ConversationID: "c1"})
}
