package activity

import (
	"fmt"
	"testing"
)

func TestLogWrapsAndKeepsOrder(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Add(Event{RequestID: fmt.Sprint(i), State: "loaded"})
	}

	got := l.List()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, want := range []string{"2", "3", "4"} {
		if got[i].RequestID != want {
			t.Fatalf("List()[%d] = %s, want %s", i, got[i].RequestID, want)
		}
	}

	recent := l.Recent(2)
	if len(recent) != 2 || recent[0].RequestID != "4" || recent[1].RequestID != "3" {
		t.Fatalf("unexpected recent order: %+v", recent)
	}
}

func TestLogForRequest(t *testing.T) {
	l := New(10)
	l.Add(Event{RequestID: "a", State: "loading"})
	l.Add(Event{RequestID: "b", State: "loading"})
	l.Add(Event{RequestID: "a", State: "loaded"})

	got := l.ForRequest("a")
	if len(got) != 2 || got[0].State != "loading" || got[1].State != "loaded" {
		t.Fatalf("unexpected events: %+v", got)
	}
	if got[0].At.IsZero() {
		t.Fatalf("timestamp should be filled in")
	}
}

func TestEmptyAndNilLog(t *testing.T) {
	if New(0).List() != nil {
		t.Fatalf("empty log should list nil")
	}
	var l *Log
	l.Add(Event{})
	if l.List() != nil || l.Recent(5) != nil {
		t.Fatalf("nil log should be inert")
	}
}
