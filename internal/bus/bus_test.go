package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	b.Emit(ConversationAppended, "c1")

	select {
	case evt := <-ch:
		if evt.Kind != ConversationAppended {
			t.Errorf("got kind %q, want %s", evt.Kind, ConversationAppended)
		}
		if evt.Payload != "c1" {
			t.Errorf("payload = %v, want c1", evt.Payload)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("voice.", 10)
	defer unsub()

	b.Emit(ConversationAppended, nil)
	b.Emit(VoiceStateChanged, nil)

	select {
	case evt := <-ch:
		if evt.Kind != VoiceStateChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, VoiceStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conversation.", 10)
	unsub()
	unsub()

	b.Emit(ConversationCreated, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("upload.", 1)
	defer unsub()

	b.Emit(UploadProgress, 10)
	b.Emit(UploadProgress, 20)

	evt := <-ch
	if evt.Payload != 10 {
		t.Errorf("got %v, want first event", evt.Payload)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Emit(StatusChanged, nil)
}
