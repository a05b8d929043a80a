package events

import (
	"errors"
	"testing"
	"time"
)

func nodeRef(id string) NodeRef {
	return NodeRef{RunID: "run-1", ID: id, Subject: "01", Stage: "bse", Branch: "eddy"}
}

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicNode, 10)

	bus.Publish(TopicNode, NodeStartedEvent{
		Node:      nodeRef("sub-01/bse@eddy"),
		Tool:      "bse",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.NodeID() != "sub-01/bse@eddy" {
			t.Errorf("expected node 'sub-01/bse@eddy', got '%s'", received.NodeID())
		}
		if received.EventType() != EventTypeNodeStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeNodeStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicNode, 10)
	ch2 := bus.Subscribe(TopicNode, 10)

	bus.Publish(TopicNode, NodeCompletedEvent{
		Node:      nodeRef("sub-01/align"),
		Outputs:   []string{"a.nii.gz"},
		Duration:  100 * time.Millisecond,
		Timestamp: time.Now(),
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.NodeID() != "sub-01/align" {
				t.Errorf("subscriber %d: expected node 'sub-01/align', got '%s'", i+1, received.NodeID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies a full subscriber never blocks the publisher
// and that the missed deliveries are counted.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicNode, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicNode, NodeOutputEvent{
				Node:      nodeRef("sub-01/eddy"),
				Line:      "line",
				Timestamp: time.Now(),
			})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one event in buffer")
	}

	if got := bus.Dropped(); got != 9 {
		t.Errorf("expected 9 dropped deliveries, got %d", got)
	}
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()

	received := 0
	for range ch {
		received++
	}
	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}

	late := bus.Subscribe(TopicRun, 1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(TopicNode, 10)
	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()
	bus.Publish(TopicNode, NodeFailedEvent{Node: nodeRef("sub-01/ukf@epi"), Err: errors.New("boom")})

	var nilBus *EventBus
	nilBus.Publish(TopicNode, NodeFailedEvent{})
}

// TestTopicIsolation verifies topic subscribers only see their own topic
// while SubscribeAll sees everything.
func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	nodeCh := bus.Subscribe(TopicNode, 10)
	runCh := bus.Subscribe(TopicRun, 10)
	allCh := bus.SubscribeAll(10)

	bus.Publish(TopicNode, NodeSkippedEvent{Node: nodeRef("sub-01/align"), Timestamp: time.Now()})
	bus.Publish(TopicRun, RunProgressEvent{RunID: "run-1", Terminal: "sub-01/ukf@eddy", Total: 5, Done: 1, Pending: 4})

	select {
	case received := <-nodeCh:
		if received.EventType() != EventTypeNodeSkipped {
			t.Errorf("node channel: expected skip event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("node channel: timeout waiting for event")
	}

	select {
	case received := <-runCh:
		if received.EventType() != EventTypeRunProgress {
			t.Errorf("run channel: expected progress event, got %s", received.EventType())
		}
		if received.NodeID() != "sub-01/ukf@eddy" {
			t.Errorf("run channel: expected terminal id, got %s", received.NodeID())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("run channel: timeout waiting for event")
	}

	select {
	case <-nodeCh:
		t.Error("node channel received unexpected event")
	case <-runCh:
		t.Error("run channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}

	if len(allCh) != 2 {
		t.Errorf("SubscribeAll expected 2 buffered events, got %d", len(allCh))
	}
}
