package events

import (
	"testing"

	"p2pescrow/core/types"
)

type markerEvent struct{}

func (markerEvent) EventType() string { return "marker" }

type payloadEvent struct{ id string }

func (payloadEvent) EventType() string { return "trade.funded" }

func (p payloadEvent) Event() *types.Event {
	return &types.Event{Type: p.EventType(), Attributes: map[string]string{"id": p.id}}
}

func TestBufferDrainsInEmitOrder(t *testing.T) {
	var buf Buffer
	buf.Emit(payloadEvent{id: "a"})
	buf.Emit(markerEvent{})
	buf.Emit(nil)

	drained := buf.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 events, got %d", len(drained))
	}
	if drained[0].Type != "trade.funded" || drained[0].Attributes["id"] != "a" {
		t.Fatalf("unexpected first event %+v", drained[0])
	}
	if drained[1].Type != "marker" || drained[1].Attributes == nil {
		t.Fatalf("unexpected marker event %+v", drained[1])
	}
	if again := buf.Drain(); len(again) != 0 {
		t.Fatalf("drain should reset the buffer, got %d", len(again))
	}
}

func TestBufferReset(t *testing.T) {
	var buf Buffer
	buf.Emit(markerEvent{})
	buf.Reset()
	if drained := buf.Drain(); len(drained) != 0 {
		t.Fatalf("expected empty buffer after reset, got %d", len(drained))
	}

	var nilBuf *Buffer
	nilBuf.Emit(markerEvent{})
	if nilBuf.Drain() != nil {
		t.Fatalf("nil buffer should drain nothing")
	}
}
