package server

import (
	"testing"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

func TestEventHubReplayIsBounded(t *testing.T) {
	h := newEventHub(2)
	h.publish(research.Event{Type: research.EventSearch, Query: "a"})
	h.publish(research.Event{Type: research.EventSearch, Query: "b"})
	h.publish(research.Event{Type: research.EventSearch, Query: "c"})

	replay, ch, cancel := h.subscribe()
	defer cancel()
	if len(replay) != 2 || replay[0].Query != "b" || replay[1].Query != "c" {
		t.Fatalf("unexpected replay: %+v", replay)
	}

	h.publish(research.Event{Type: research.EventUpdateSearch, Query: "d"})
	if ev := <-ch; ev.Query != "d" {
		t.Fatalf("expected live event d, got %+v", ev)
	}

	h.close()
	if _, open := <-ch; open {
		t.Fatalf("channel should be closed after hub close")
	}
	h.publish(research.Event{Type: research.EventSearch, Query: "late"})
	replay, ch, _ = h.subscribe()
	if len(replay) != 2 || replay[1].Query != "d" {
		t.Fatalf("closed hub should keep its history, got %+v", replay)
	}
	if _, open := <-ch; open {
		t.Fatalf("subscribing to a closed hub should yield a closed channel")
	}
}

func TestEventHubSlowSubscriberDrops(t *testing.T) {
	h := newEventHub(1)
	_, ch, cancel := h.subscribe()
	h.publish(research.Event{Type: research.EventSearch})
	h.publish(research.Event{Type: research.EventSearch})
	if got := h.droppedEvents(); got != 1 {
		t.Fatalf("expected one dropped event, got %d", got)
	}
	<-ch
	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Fatalf("cancel should close the channel")
	}
}
