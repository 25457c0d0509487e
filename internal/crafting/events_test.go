package crafting

import (
	"fmt"
	"testing"
	"time"

	"github.com/gravitas-games/crafting/internal/recipe"
)

func TestSimpleEventBusKeepsPublishOrder(t *testing.T) {
	bus := NewSimpleEventBus()
	const n = 200

	got := make(chan recipe.ID, n)
	release := make(chan struct{})
	cancel := bus.Subscribe("p1", func(e Event) {
		// Hold the first delivery so later events pile up behind it.
		if e.Recipe == "r000" {
			<-release
		}
		got <- e.Recipe
	})
	defer cancel()

	want := make([]recipe.ID, n)
	for i := range want {
		want[i] = recipe.ID(fmt.Sprintf("r%03d", i))
		bus.Publish(Event{Type: EventCraftAttempted, Player: "p1", Recipe: want[i]})
	}
	close(release)

	for i, id := range want {
		select {
		case e := <-got:
			if e != id {
				t.Fatalf("event %d: got %s, want %s", i, e, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i)
		}
	}
}

func TestSimpleEventBusCancelStopsDelivery(t *testing.T) {
	bus := NewSimpleEventBus()
	got := make(chan Event, 4)
	cancel := bus.Subscribe("p1", func(e Event) { got <- e })
	other := bus.Subscribe("p2", func(e Event) { got <- e })
	defer other()

	bus.Publish(Event{Player: "p1", Recipe: "a"})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	cancel()
	bus.Publish(Event{Player: "p1", Recipe: "b"})
	select {
	case e := <-got:
		t.Fatalf("event delivered after cancel: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
